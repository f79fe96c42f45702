package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrTo      = "to"
	attrActor   = "actor"
	attrReason  = "reason"
	attrAction  = "action"
	attrOutcome = "outcome"
)

func toAttr(state string) attribute.KeyValue {
	if state == "" {
		state = "null"
	}
	return attribute.String(attrTo, state)
}

func actorAttr(actor string) attribute.KeyValue {
	return attribute.String(attrActor, actor)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}
