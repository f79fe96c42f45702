// Package restart relaunches a lost run under the restart lock.
//
// A restart is: check eligibility, take restart.lock, re-check, clear the
// owner lock once its instance is confirmed gone, move the run to
// RESTARTING, provision a worker across the configured zones, record it in
// the run manifest, and release the lock. The lock is always released. A
// failure after RESTARTING leaves the run there; the reconciler recovers a
// stuck RESTARTING run.
package restart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/lock"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/transitions"
)

// Outcome summarizes a restart attempt.
type Outcome string

const (
	OutcomeRestarted       Outcome = "restarted"
	OutcomeDryRun          Outcome = "dry_run"
	OutcomeIneligibleState Outcome = "ineligible_state"
	OutcomeStopRequested   Outcome = "stop_requested"
	OutcomeNoConfig        Outcome = "no_restart_config"
	OutcomeMaxAttempts     Outcome = "max_attempts_reached"
	OutcomeLockContended   Outcome = "lock_contended"
	OutcomeOwnerAlive      Outcome = "owner_alive"
	OutcomeFailed          Outcome = "restart_failed"
)

// Restarted reports whether a worker was provisioned.
func (o Outcome) Restarted() bool {
	return o == OutcomeRestarted
}

// Recorder receives restart outcomes.
type Recorder interface {
	RestartFinished(outcome string)
}

// Restarter runs the restart lock protocol.
type Restarter struct {
	objects    objstore.Store
	runs       *runstore.Store
	graph      *transitions.Graph
	fleet      fleet.Controller
	notifier   notify.Notifier
	clock      clock.Clock
	logger     *zap.Logger
	recorder   Recorder
	dryRun     bool
	writerOpts []statewriter.Option
}

// Option configures a Restarter.
type Option func(*Restarter)

// WithNotifier sets the notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Restarter) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(r *Restarter) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Restarter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder sets the outcome recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Restarter) { r.recorder = rec }
}

// WithDryRun checks eligibility only and reports what would happen.
func WithDryRun(dryRun bool) Option {
	return func(r *Restarter) { r.dryRun = dryRun }
}

// WithWriterOptions passes options to every state writer the restarter builds.
func WithWriterOptions(opts ...statewriter.Option) Option {
	return func(r *Restarter) { r.writerOpts = append(r.writerOpts, opts...) }
}

// New returns a Restarter.
func New(objects objstore.Store, graph *transitions.Graph, ctrl fleet.Controller, opts ...Option) *Restarter {
	r := &Restarter{
		objects:  objects,
		runs:     runstore.New(objects),
		graph:    graph,
		fleet:    ctrl,
		notifier: notify.Nop{},
		clock:    clock.Real{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type eligibility struct {
	outcome Outcome
	record  *runstate.Record
	config  *runstore.RestartConfig
}

func (e eligibility) ok() bool {
	return e.outcome == ""
}

// Restart relaunches runID on behalf of actor.
//
// Ineligible runs and lock contention are reported through the Outcome with
// a nil error. Errors are returned only with OutcomeFailed.
func (r *Restarter) Restart(ctx context.Context, runID string, actor runstate.Actor) (outcome Outcome, err error) {
	logger := r.logger.With(zap.String("run_id", runID), zap.String("actor", string(actor)))
	defer func() {
		if r.recorder != nil {
			r.recorder.RestartFinished(string(outcome))
		}
		logger.Info("Restart finished", zap.String("outcome", string(outcome)), zap.Error(err))
	}()

	writer := r.writer(runID)

	elig, err := r.checkEligibility(ctx, writer, runID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !elig.ok() {
		return elig.outcome, nil
	}

	if r.dryRun {
		r.notify(ctx, notify.Infof(runID, "Would restart (dry-run)."))
		return OutcomeDryRun, nil
	}

	restartLock := lock.NewRestartLock(r.objects, runID, r.clock, logger)
	handle, err := restartLock.Acquire(ctx, lock.NewPayload(actor, elig.record.Attempt+1, r.clock.Now()))
	if err != nil {
		if errors.Is(err, lock.ErrContended) {
			return OutcomeLockContended, nil
		}
		return OutcomeFailed, fmt.Errorf("acquire restart lock: %w", err)
	}
	defer func() {
		if relErr := restartLock.Release(context.WithoutCancel(ctx), handle); relErr != nil {
			logger.Warn("Failed to release restart lock", zap.Error(relErr))
		}
	}()

	// Another restarter may have finished between the check and the lock.
	elig, err = r.checkEligibility(ctx, writer, runID)
	if err != nil {
		return r.rollback(ctx, runID, elig.record, OutcomeFailed, err)
	}
	if !elig.ok() {
		return elig.outcome, nil
	}

	cleared, err := lock.NewOwnerLock(r.objects, runID, logger).ClearPreconditioned(ctx, r.fleet)
	if err != nil {
		return r.rollback(ctx, runID, elig.record, OutcomeFailed, fmt.Errorf("clear owner lock: %w", err))
	}
	if cleared == lock.ClearStillExists {
		return r.rollback(ctx, runID, elig.record, OutcomeOwnerAlive, nil)
	}

	res, err := writer.WriteState(ctx, runstate.StateRestarting, restartReason(actor), actor)
	if err != nil {
		if transitions.IsRejected(err) {
			return r.rollback(ctx, runID, elig.record, OutcomeIneligibleState, nil)
		}
		return r.rollback(ctx, runID, elig.record, OutcomeFailed, err)
	}

	attempt := res.Record.Attempt
	inst, err := fleet.ProvisionAcrossZones(ctx, r.fleet, runID, attempt, *elig.config, logger)
	if err != nil {
		return r.rollback(ctx, runID, &res.Record, OutcomeFailed, fmt.Errorf("provision worker: %w", err))
	}

	manifest := runstore.Manifest{
		RunID:     runID,
		Instance:  inst.ID,
		Zone:      inst.Zone,
		Attempt:   attempt,
		Image:     elig.config.Image,
		StartedAt: r.clock.Now(),
	}
	if err := r.runs.WriteManifest(ctx, runID, manifest); err != nil {
		logger.Warn("Restart manifest not written", zap.Error(err))
	}

	logger.Info("Worker provisioned",
		zap.String("instance", inst.ID),
		zap.String("zone", inst.Zone),
		zap.Int("attempt", attempt))
	r.notify(ctx, notify.Infof(runID, "Restarted as %s in %s (attempt %d/%d).",
		inst.ID, inst.Zone, attempt, elig.config.MaxRestarts()))
	return OutcomeRestarted, nil
}

// Eligible reports whether runID could be restarted now, without side effects.
func (r *Restarter) Eligible(ctx context.Context, runID string) (Outcome, error) {
	elig, err := r.checkEligibility(ctx, r.writer(runID), runID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !elig.ok() {
		return elig.outcome, nil
	}
	return "", nil
}

func (r *Restarter) checkEligibility(ctx context.Context, writer *statewriter.Writer, runID string) (eligibility, error) {
	rec, _, err := writer.ReadState(ctx)
	if err != nil {
		return eligibility{}, err
	}
	e := eligibility{record: rec}

	switch rec.Current() {
	case runstate.StatePreempted, runstate.StateOrphaned:
	default:
		e.outcome = OutcomeIneligibleState
		return e, nil
	}

	stopped, err := r.runs.HasMarker(ctx, runID, runstore.MarkerStop)
	if err != nil {
		return e, err
	}
	if stopped {
		e.outcome = OutcomeStopRequested
		return e, nil
	}

	cfg, err := r.runs.ReadRestartConfig(ctx, runID)
	if err != nil {
		return e, fmt.Errorf("read restart config: %w", err)
	}
	if cfg == nil {
		e.outcome = OutcomeNoConfig
		return e, nil
	}
	e.config = cfg

	if rec.Attempt >= cfg.MaxRestarts() {
		e.outcome = OutcomeMaxAttempts
		return e, nil
	}
	return e, nil
}

// rollback reports a failed restart. It never writes state: there is no
// edge back out of RESTARTING for the caller to take. The deferred release
// in Restart frees the lock.
func (r *Restarter) rollback(ctx context.Context, runID string, prev *runstate.Record, outcome Outcome, cause error) (Outcome, error) {
	if prev != nil {
		msg := notify.Errorf(runID, "Restart failed from %s: %s", prev.State, outcome)
		if cause != nil {
			msg = notify.Errorf(runID, "Restart failed from %s: %v", prev.State, cause)
		}
		r.notify(ctx, msg)
	}
	return outcome, cause
}

func (r *Restarter) notify(ctx context.Context, msg notify.Message) {
	if err := r.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
		r.logger.Debug("Notification not delivered", zap.Error(err))
	}
}

func (r *Restarter) writer(runID string) *statewriter.Writer {
	opts := append([]statewriter.Option{statewriter.WithClock(r.clock), statewriter.WithLogger(r.logger)}, r.writerOpts...)
	return statewriter.New(r.objects, runID, r.graph, opts...)
}

func restartReason(actor runstate.Actor) string {
	return strings.ToLower(string(actor)) + "_restart"
}
