// Package transitions holds the run lifecycle graph and validates transitions
// against it.
//
// The graph is parsed once per process from a versioned document (JSON or
// YAML) into typed adjacency sets. Validation applies, in order: actor
// validity, terminal precedence, edge membership, and actor guards.
package transitions

import (
	"sort"

	"github.com/3leaps/spotguard/pkg/runstate"
)

// Edge is a directed pair of states.
type Edge struct {
	From runstate.State
	To   runstate.State
}

// String returns the "from:to" key used in actor_guards.
func (e Edge) String() string {
	return e.From.String() + ":" + e.To.String()
}

// Graph is an immutable transition graph.
type Graph struct {
	version string
	hash    string
	edges   map[runstate.State]map[runstate.State]struct{}
	guards  map[Edge]map[runstate.Actor]struct{}
}

// Version returns the document version string.
func (g *Graph) Version() string {
	return g.version
}

// Hash returns the SHA-256 hex digest of the source document.
func (g *Graph) Hash() string {
	return g.hash
}

// CanTransition validates moving from one state to another by actor.
//
// It returns nil when the transition is allowed, or an *Error wrapping
// ErrValidation. Terminal states reject every transition regardless of what
// the graph document says.
func (g *Graph) CanTransition(from, to runstate.State, actor runstate.Actor) error {
	if actor == "" {
		return &Error{Reason: ReasonActorRequired, From: from, To: to}
	}
	if !actor.Valid() {
		return &Error{Reason: ReasonUnknownActor, From: from, To: to, Actor: actor}
	}

	if runstate.IsTerminal(from) {
		return TerminalError(from, to, actor)
	}

	if _, ok := g.edges[from][to]; !ok {
		return &Error{Reason: ReasonNotAllowed, From: from, To: to, Actor: actor}
	}

	if allowed, guarded := g.guards[Edge{From: from, To: to}]; guarded {
		if _, ok := allowed[actor]; !ok {
			return &Error{
				Reason:  ReasonGuarded,
				From:    from,
				To:      to,
				Actor:   actor,
				Allowed: sortedActors(allowed),
			}
		}
	}

	return nil
}

// Targets returns the states directly reachable from from, sorted.
func (g *Graph) Targets(from runstate.State) []runstate.State {
	out := make([]runstate.State, 0, len(g.edges[from]))
	for to := range g.edges[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Guard returns the actors allowed to perform from→to and whether a guard exists.
func (g *Graph) Guard(from, to runstate.State) ([]runstate.Actor, bool) {
	allowed, ok := g.guards[Edge{From: from, To: to}]
	if !ok {
		return nil, false
	}
	return sortedActors(allowed), true
}

// Edges returns every edge in the graph in a stable order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for from, tos := range g.edges {
		for to := range tos {
			out = append(out, Edge{From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func sortedActors(set map[runstate.Actor]struct{}) []runstate.Actor {
	out := make([]runstate.Actor, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
