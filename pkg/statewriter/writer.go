// Package statewriter is the only code path that mutates a run's state record.
//
// Every write is a read-validate-conditional-put cycle against state.json. A
// lost race re-reads and re-validates, so two parties racing on the same run
// end with exactly one accepted transition. After an accepted write the
// legacy status.txt projection and an event file are written best-effort.
package statewriter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/backoff"
	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/transitions"
)

// DefaultMaxAttempts bounds the CAS cycle.
const DefaultMaxAttempts = 3

// ErrCASExhausted is returned when every conditional put lost its race.
var ErrCASExhausted = errors.New("state write lost every compare-and-swap attempt")

// Recorder receives writer metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	TransitionAccepted(to runstate.State, actor runstate.Actor)
	TransitionRejected(reason transitions.Reason)
	CASConflict()
}

type nopRecorder struct{}

func (nopRecorder) TransitionAccepted(runstate.State, runstate.Actor) {}
func (nopRecorder) TransitionRejected(transitions.Reason)             {}
func (nopRecorder) CASConflict()                                      {}

// Writer performs validated state transitions for a single run.
type Writer struct {
	objects     objstore.Store
	run         runstore.Run
	graph       *transitions.Graph
	clock       clock.Clock
	backoff     backoff.Strategy
	logger      *zap.Logger
	recorder    Recorder
	dryRun      bool
	maxAttempts int
	newID       func() string
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock used for timestamps and backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Writer) {
		if r != nil {
			w.recorder = r
		}
	}
}

// WithDryRun makes the writer validate and log without writing anything.
func WithDryRun(dryRun bool) Option {
	return func(w *Writer) { w.dryRun = dryRun }
}

// New returns a writer for runID.
func New(objects objstore.Store, runID string, graph *transitions.Graph, opts ...Option) *Writer {
	w := &Writer{
		objects:     objects,
		run:         runstore.Run{ID: runID},
		graph:       graph,
		clock:       clock.Real{},
		backoff:     backoff.Default(),
		logger:      zap.NewNop(),
		recorder:    nopRecorder{},
		maxAttempts: DefaultMaxAttempts,
		newID:       shortID,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("run_id", runID))
	return w
}

// RunID returns the run this writer serves.
func (w *Writer) RunID() string {
	return w.run.ID
}

// DryRun reports whether the writer is in dry-run mode.
func (w *Writer) DryRun() bool {
	return w.dryRun
}

// WriteOption adjusts the record produced by a transition.
type WriteOption func(*runstate.Transition)

// WithOwner stamps a new owner identity onto the record.
func WithOwner(owner runstate.Owner) WriteOption {
	return func(t *runstate.Transition) { t.Owner = &owner }
}

// WithAttempt pins the attempt counter.
func WithAttempt(attempt int) WriteOption {
	return func(t *runstate.Transition) { t.Attempt = &attempt }
}

// Result describes an accepted write.
type Result struct {
	Record     runstate.Record
	From       runstate.State
	Generation objstore.Generation
	Attempts   int
	DryRun     bool
}

// ReadState returns the current record and its generation. A missing record
// yields (nil, objstore.Absent, nil).
func (w *Writer) ReadState(ctx context.Context) (*runstate.Record, objstore.Generation, error) {
	obj, err := w.objects.Get(ctx, w.run.StateKey())
	if err != nil {
		if objstore.IsNotFound(err) {
			return nil, objstore.Absent, nil
		}
		return nil, objstore.Absent, fmt.Errorf("read state for run %s: %w", w.run.ID, err)
	}
	var rec runstate.Record
	if err := json.Unmarshal(obj.Data, &rec); err != nil {
		return nil, obj.Generation, fmt.Errorf("decode state for run %s: %w", w.run.ID, err)
	}
	return &rec, obj.Generation, nil
}

// WriteState moves the run to state to on behalf of actor.
//
// Rejections wrap transitions.ErrValidation and are never retried. A store
// failure on the state object is returned as is. Losing every CAS attempt
// returns ErrCASExhausted.
func (w *Writer) WriteState(ctx context.Context, to runstate.State, reason string, actor runstate.Actor, opts ...WriteOption) (*Result, error) {
	logger := w.logger.With(
		zap.String("to", to.String()),
		zap.String("actor", string(actor)),
		zap.String("reason", reason),
	)

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		rec, gen, err := w.ReadState(ctx)
		if err != nil {
			return nil, err
		}
		from := rec.Current()

		if runstate.IsTerminal(from) {
			return nil, w.reject(logger, transitions.TerminalError(from, to, actor))
		}
		if err := w.graph.CanTransition(from, to, actor); err != nil {
			return nil, w.reject(logger, err)
		}

		t := runstate.Transition{To: to, Actor: actor, Reason: reason, At: w.clock.Now()}
		for _, opt := range opts {
			opt(&t)
		}
		next := runstate.Advance(rec, t)

		if w.dryRun {
			logger.Info("Dry run: state write skipped", zap.String("from", from.String()))
			return &Result{Record: next, From: from, Generation: gen, Attempts: attempt, DryRun: true}, nil
		}

		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode state for run %s: %w", w.run.ID, err)
		}

		newGen, err := w.objects.Put(ctx, w.run.StateKey(), data, objstore.IfGenerationMatch(gen))
		if err != nil {
			if !objstore.IsPreconditionFailed(err) {
				return nil, fmt.Errorf("write state for run %s: %w", w.run.ID, err)
			}
			w.recorder.CASConflict()
			logger.Warn("State write lost CAS race",
				zap.String("from", from.String()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", w.maxAttempts))
			if attempt < w.maxAttempts {
				if err := w.clock.Sleep(ctx, w.backoff.Delay(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		w.recorder.TransitionAccepted(to, actor)
		logger.Info("State transition accepted",
			zap.String("from", from.String()),
			zap.Int64("state_version", next.StateVersion),
			zap.Int("attempt", next.Attempt))

		w.project(ctx, next)
		return &Result{Record: next, From: from, Generation: newGen, Attempts: attempt}, nil
	}

	return nil, fmt.Errorf("run %s → %s: %w", w.run.ID, to, ErrCASExhausted)
}

func (w *Writer) reject(logger *zap.Logger, err error) error {
	reason, _ := transitions.ReasonOf(err)
	w.recorder.TransitionRejected(reason)
	logger.Warn("State transition rejected",
		zap.String("rejection", string(reason)),
		zap.Error(err))
	return err
}
