package transitions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/spotguard/pkg/runstate"
)

// ErrValidation classifies every rejected transition.
//
// Validation failures are never retried: retrying cannot change whether a
// transition is legal.
var ErrValidation = errors.New("transition rejected")

// Reason identifies which validation rule rejected a transition.
type Reason string

const (
	ReasonActorRequired Reason = "actor_required"
	ReasonUnknownActor  Reason = "unknown_actor"
	ReasonTerminal      Reason = "terminal"
	ReasonNotAllowed    Reason = "not_allowed"
	ReasonGuarded       Reason = "guarded"
)

// Error describes a rejected transition.
type Error struct {
	Reason Reason
	From   runstate.State
	To     runstate.State
	Actor  runstate.Actor

	// Allowed lists the guarded-in actors for ReasonGuarded.
	Allowed []runstate.Actor
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Reason {
	case ReasonActorRequired:
		return "actor is required"
	case ReasonUnknownActor:
		return fmt.Sprintf("unknown actor %q", e.Actor)
	case ReasonTerminal:
		return fmt.Sprintf("transition %s → %s rejected: %s is terminal", e.From, e.To, e.From)
	case ReasonGuarded:
		names := make([]string, 0, len(e.Allowed))
		for _, a := range e.Allowed {
			names = append(names, string(a))
		}
		return fmt.Sprintf("transition %s → %s guarded - actor %q not in allowed list [%s]",
			e.From, e.To, e.Actor, strings.Join(names, ", "))
	default:
		return fmt.Sprintf("transition %s → %s not allowed", e.From, e.To)
	}
}

// Unwrap returns ErrValidation for errors.Is support.
func (e *Error) Unwrap() error {
	return ErrValidation
}

// IsRejected reports whether err is a transition validation failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrValidation)
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason, true
	}
	return "", false
}

// TerminalError builds the rejection returned when from is terminal.
func TerminalError(from, to runstate.State, actor runstate.Actor) error {
	return &Error{Reason: ReasonTerminal, From: from, To: to, Actor: actor}
}
