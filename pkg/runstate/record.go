package runstate

import "time"

// MaxHistory bounds the number of transitions kept in Record.History.
const MaxHistory = 20

// HistoryEntry records a single accepted transition.
type HistoryEntry struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	By     Actor     `json:"by"`
	Reason string    `json:"reason"`
}

// Record is the authoritative state document stored in state.json.
//
// A Record is never edited in place: every accepted write produces a new
// Record via Advance and replaces the stored object through a conditional put.
type Record struct {
	State        State          `json:"state"`
	PrevState    State          `json:"prev_state"`
	StateVersion int64          `json:"state_version"`
	OwnerID      string         `json:"owner_id"`
	InstanceName string         `json:"instance_name"`
	Zone         string         `json:"zone"`
	Attempt      int            `json:"attempt"`
	UpdatedAt    time.Time      `json:"updated_at"`
	UpdatedBy    Actor          `json:"updated_by"`
	Reason       string         `json:"reason"`
	History      []HistoryEntry `json:"history"`
}

// Current returns the state of r, or StateNone when r is nil.
func (r *Record) Current() State {
	if r == nil {
		return StateNone
	}
	return r.State
}

// Owner carries the worker identity stamped onto a record.
type Owner struct {
	OwnerID      string
	InstanceName string
	Zone         string
}

// Transition describes a requested state change.
type Transition struct {
	To     State
	Actor  Actor
	Reason string
	At     time.Time

	// Owner replaces the recorded owner identity when non-nil.
	Owner *Owner

	// Attempt replaces the recorded attempt counter when non-nil.
	Attempt *int
}

// Advance builds the record that results from applying t to prev.
//
// prev may be nil (no record yet). The caller is responsible for validating
// the transition first. Entering RESTARTING increments the attempt counter
// unless t.Attempt pins it explicitly.
func Advance(prev *Record, t Transition) Record {
	var base Record
	if prev != nil {
		base = *prev
	}

	entry := HistoryEntry{
		From:   base.State,
		To:     t.To,
		At:     t.At.UTC(),
		By:     t.Actor,
		Reason: t.Reason,
	}

	history := make([]HistoryEntry, 0, len(base.History)+1)
	history = append(history, base.History...)
	history = append(history, entry)
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}

	next := Record{
		State:        t.To,
		PrevState:    base.State,
		StateVersion: base.StateVersion + 1,
		OwnerID:      base.OwnerID,
		InstanceName: base.InstanceName,
		Zone:         base.Zone,
		Attempt:      base.Attempt,
		UpdatedAt:    t.At.UTC(),
		UpdatedBy:    t.Actor,
		Reason:       t.Reason,
		History:      history,
	}

	if t.Owner != nil {
		next.OwnerID = t.Owner.OwnerID
		next.InstanceName = t.Owner.InstanceName
		next.Zone = t.Owner.Zone
	}

	switch {
	case t.Attempt != nil:
		next.Attempt = *t.Attempt
	case t.To == StateRestarting:
		next.Attempt = base.Attempt + 1
	}

	return next
}

// LastEntry returns the most recent history entry, if any.
func (r *Record) LastEntry() (HistoryEntry, bool) {
	if r == nil || len(r.History) == 0 {
		return HistoryEntry{}, false
	}
	return r.History[len(r.History)-1], true
}
