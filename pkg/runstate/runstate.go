// Package runstate defines the lifecycle states, actors, and the authoritative
// state record of a preemptible training run.
//
// The values in this package are persisted in state.json, status.txt and the
// per-transition event log. They are part of the stable object store contract
// shared by workers, the reconciler, and operator tooling.
package runstate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the lifecycle state of a run.
//
// The zero value (StateNone) means no state record exists yet. It is encoded
// as JSON null and spelled "null" in transition documents.
type State string

const (
	StateNone       State = ""
	StateRunning    State = "RUNNING"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
	StatePartial    State = "PARTIAL"
	StatePreempted  State = "PREEMPTED"
	StateOrphaned   State = "ORPHANED"
	StateRestarting State = "RESTARTING"
	StateStopped    State = "STOPPED"
)

// NullName is how StateNone is spelled in transition documents and logs.
const NullName = "null"

// States lists every non-null state in a stable order.
var States = []State{
	StateRunning,
	StateComplete,
	StateFailed,
	StatePartial,
	StatePreempted,
	StateOrphaned,
	StateRestarting,
	StateStopped,
}

var terminalStates = map[State]struct{}{
	StateComplete: {},
	StateFailed:   {},
	StatePartial:  {},
	StateStopped:  {},
}

// IsTerminal reports whether no further transition may leave s.
func IsTerminal(s State) bool {
	_, ok := terminalStates[s]
	return ok
}

// TerminalStates returns the terminal set in stable order.
func TerminalStates() []State {
	return []State{StateComplete, StateFailed, StatePartial, StateStopped}
}

// Valid reports whether s is StateNone or one of the known states.
func (s State) Valid() bool {
	if s == StateNone {
		return true
	}
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// String returns the state name, or "null" for StateNone.
func (s State) String() string {
	if s == StateNone {
		return NullName
	}
	return string(s)
}

// MarshalJSON encodes StateNone as null.
func (s State) MarshalJSON() ([]byte, error) {
	if s == StateNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts null, "" and state names.
func (s *State) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = StateNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("state must be a string or null: %w", err)
	}
	*s = State(strings.TrimSpace(raw))
	return nil
}

// ParseState parses a state name. "null" and "" map to StateNone.
func ParseState(name string) (State, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(name))
	if trimmed == "" || trimmed == "NULL" {
		return StateNone, nil
	}
	s := State(trimmed)
	if !s.Valid() {
		return StateNone, fmt.Errorf("unknown state %q", name)
	}
	return s, nil
}

// Actor identifies the party performing a transition.
type Actor string

const (
	// ActorVM is the training worker itself.
	ActorVM Actor = "vm"
	// ActorReconciler is the automated recovery process.
	ActorReconciler Actor = "reconciler"
	// ActorLocal is an operator-initiated CLI run from a workstation.
	ActorLocal Actor = "local"
	// ActorOperator is an explicit human action.
	ActorOperator Actor = "operator"
)

// Actors lists every valid actor.
var Actors = []Actor{ActorVM, ActorReconciler, ActorLocal, ActorOperator}

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	switch a {
	case ActorVM, ActorReconciler, ActorLocal, ActorOperator:
		return true
	}
	return false
}

func (a Actor) String() string {
	return string(a)
}

// ParseActor parses an actor name.
func ParseActor(name string) (Actor, error) {
	a := Actor(strings.ToLower(strings.TrimSpace(name)))
	if a == "" {
		return "", fmt.Errorf("actor is required")
	}
	if !a.Valid() {
		return "", fmt.Errorf("unknown actor %q", name)
	}
	return a, nil
}

// StatusCompat maps a state to the legacy status.txt value.
//
// Consumers that predate the full state machine only know the simplified
// statuses: an orphaned run looks preempted and a restarting run looks active.
func StatusCompat(s State) string {
	switch s {
	case StateOrphaned:
		return string(StatePreempted)
	case StateRestarting:
		return string(StateRunning)
	}
	return string(s)
}
