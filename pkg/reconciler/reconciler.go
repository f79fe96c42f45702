// Package reconciler detects lost workers and recovers their runs.
//
// Each pass lists every run under runs/, observes its objects, and asks the
// pure Decide function for a plan. The Reconciler executes the plan: status
// drift repair, the two-stage stale heartbeat markers, the ORPHANED
// transition, restart-lock cleanup, notifications and restarts. With DryRun
// set nothing is written, deleted, provisioned, or restarted.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/lock"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/restart"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/transitions"
)

// Recorder receives per-run actions.
type Recorder interface {
	ReconcileAction(action string)
}

// Options configures a Reconciler.
type Options struct {
	Config Config

	// DryRun disables every side effect except logging and notifications,
	// which are prefixed by the notifier.
	DryRun bool

	// RunGlobs limits the pass to run ids matching any pattern.
	RunGlobs []string

	// RatePerSecond paces per-run work. Zero means unlimited.
	RatePerSecond float64

	Clock       clock.Clock
	Logger      *zap.Logger
	Notifier    notify.Notifier
	Recorder    Recorder
	WriterOpts  []statewriter.Option
	RestartOpts []restart.Option
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	objects   objstore.Store
	runs      *runstore.Store
	graph     *transitions.Graph
	fleet     fleet.Controller
	restarter *restart.Restarter
	opts      Options
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// New returns a Reconciler.
func New(objects objstore.Store, graph *transitions.Graph, ctrl fleet.Controller, opts Options) (*Reconciler, error) {
	for _, g := range opts.RunGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid run glob %q", g)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	opts.Config = opts.Config.withDefaults()

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	writerOpts := append([]statewriter.Option{
		statewriter.WithClock(opts.Clock),
		statewriter.WithLogger(opts.Logger),
		statewriter.WithDryRun(opts.DryRun),
	}, opts.WriterOpts...)

	restartOpts := append([]restart.Option{
		restart.WithClock(opts.Clock),
		restart.WithLogger(opts.Logger),
		restart.WithNotifier(opts.Notifier),
		restart.WithDryRun(opts.DryRun),
		restart.WithWriterOptions(writerOpts...),
	}, opts.RestartOpts...)
	opts.WriterOpts = writerOpts

	return &Reconciler{
		objects:   objects,
		runs:      runstore.New(objects),
		graph:     graph,
		fleet:     ctrl,
		restarter: restart.New(objects, graph, ctrl, restartOpts...),
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    opts.Logger,
	}, nil
}

// RunResult is the outcome for one run.
type RunResult struct {
	RunID         string          `json:"run_id"`
	Action        Action          `json:"action,omitempty"`
	Restart       restart.Outcome `json:"restart,omitempty"`
	DriftDetected bool            `json:"drift_detected,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Report summarizes a pass.
type Report struct {
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	DryRun          bool              `json:"dry_run"`
	TransitionsHash string            `json:"transitions_hash"`
	Runs            int               `json:"runs"`
	Actions         map[string]Action `json:"actions"`
	Errors          map[string]string `json:"errors,omitempty"`
	Results         []RunResult       `json:"results"`
}

// ReconcileAll runs one pass over every matching run. Per-run failures are
// collected in the report; only a failed listing returns an error.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Report, error) {
	report := Report{
		StartedAt:       r.opts.Clock.Now(),
		DryRun:          r.opts.DryRun,
		TransitionsHash: r.graph.Hash(),
		Actions:         make(map[string]Action),
		Errors:          make(map[string]string),
	}
	r.logger.Info("Reconciliation starting",
		zap.Bool("dry_run", r.opts.DryRun),
		zap.String("transitions_hash", r.graph.Hash()),
		zap.String("transitions_version", r.graph.Version()))

	ids, err := r.runs.ListRuns(ctx)
	if err != nil {
		return report, err
	}
	ids = r.filter(ids)
	r.logger.Info("Discovered runs", zap.Int("count", len(ids)))

	for _, id := range ids {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		res, err := r.ReconcileRun(ctx, id)
		report.Runs++
		if err != nil {
			res.Error = err.Error()
			report.Errors[id] = err.Error()
			r.logger.Error("Run reconciliation failed", zap.String("run_id", id), zap.Error(err))
		}
		if res.Action != ActionNone {
			report.Actions[id] = res.Action
		}
		report.Results = append(report.Results, res)
	}

	report.FinishedAt = r.opts.Clock.Now()
	r.logger.Info("Reconciliation complete",
		zap.Int("runs", report.Runs),
		zap.Int("actions", len(report.Actions)),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

func (r *Reconciler) filter(ids []string) []string {
	if len(r.opts.RunGlobs) == 0 {
		return ids
	}
	out := ids[:0:0]
	for _, id := range ids {
		for _, g := range r.opts.RunGlobs {
			if ok, _ := doublestar.Match(g, id); ok {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// ReconcileRun observes, decides and executes for one run.
func (r *Reconciler) ReconcileRun(ctx context.Context, runID string) (RunResult, error) {
	res := RunResult{RunID: runID}
	logger := r.logger.With(zap.String("run_id", runID))

	obs, err := r.observe(ctx, runID)
	if err != nil {
		return res, err
	}

	plan := Decide(obs, r.opts.Config)
	if plan.NeedsLivenessCheck {
		live := r.checkLiveness(ctx, runID, plan.Identity, logger)
		obs.Liveness = &live
		plan = Decide(obs, r.opts.Config)
	}
	res.Action = plan.Action
	res.DriftDetected = plan.DriftDetected
	if plan.DriftDetected && !plan.Has(CmdRepairStatus) {
		logger.Warn("Status drift detected but repair disabled",
			zap.String("status", obs.Status),
			zap.String("state", obs.Record.Current().String()))
	}

	err = r.execute(ctx, runID, plan, &res, logger)
	if res.Action != ActionNone && r.opts.Recorder != nil {
		r.opts.Recorder.ReconcileAction(string(res.Action))
	}
	if res.Action != ActionNone {
		logger.Info("Reconcile action", zap.String("action", string(res.Action)))
	}
	return res, err
}

func (r *Reconciler) observe(ctx context.Context, runID string) (Observation, error) {
	obs := Observation{RunID: runID, Now: r.opts.Clock.Now()}

	rec, _, err := r.writer(runID).ReadState(ctx)
	if err != nil {
		return obs, err
	}
	obs.Record = rec

	if obs.Status, obs.StatusExists, err = r.runs.ReadStatus(ctx, runID); err != nil {
		return obs, err
	}
	if obs.DriftRepairDisabled, err = r.runs.HasMarker(ctx, runID, runstore.MarkerDriftRepairDisabled); err != nil {
		return obs, err
	}
	if obs.Heartbeat, err = r.runs.ReadHeartbeat(ctx, runID); err != nil {
		return obs, fmt.Errorf("read heartbeat: %w", err)
	}
	if obs.Marker, err = r.runs.ReadStaleMarker(ctx, runID); err != nil {
		r.logger.Warn("Unreadable stale marker; treating as absent", zap.String("run_id", runID), zap.Error(err))
		obs.Marker = nil
	}
	if obs.Manifest, err = r.runs.ReadManifest(ctx, runID); err != nil {
		r.logger.Debug("Unreadable manifest", zap.String("run_id", runID), zap.Error(err))
		obs.Manifest = nil
	}
	if obs.RestartEnabled, err = r.runs.RestartEnabled(ctx); err != nil {
		return obs, err
	}
	return obs, nil
}

func (r *Reconciler) checkLiveness(ctx context.Context, runID string, id Identity, logger *zap.Logger) Liveness {
	if !id.ByTag {
		return Liveness{Alive: fleet.Alive(ctx, r.fleet, id.Instance, id.Zone, logger), Instance: id.Instance}
	}
	found, err := r.fleet.FindByRunID(ctx, runID)
	if err != nil {
		logger.Warn("Instance search failed; assuming alive", zap.Error(err))
		return Liveness{Alive: true, FoundByTag: true, Instance: "unknown"}
	}
	if len(found) == 0 {
		return Liveness{}
	}
	return Liveness{Alive: true, FoundByTag: true, Instance: found[0].ID}
}

func (r *Reconciler) execute(ctx context.Context, runID string, plan Plan, res *RunResult, logger *zap.Logger) error {
	dry := r.opts.DryRun
	for _, cmd := range plan.Commands {
		switch cmd.Kind {
		case CmdRepairStatus:
			if dry {
				logger.Info("Dry run: would repair status drift", zap.String("status", cmd.Status))
				continue
			}
			if _, err := r.objects.Put(ctx, runstore.Run{ID: runID}.StatusKey(), []byte(cmd.Status), objstore.Condition{}); err != nil {
				logger.Error("Drift repair failed", zap.Error(err))
				continue
			}
			logger.Warn("Repaired status drift", zap.String("status", cmd.Status))

		case CmdWriteMarker:
			if dry {
				continue
			}
			if err := r.runs.WriteStaleMarker(ctx, runID, cmd.Marker); err != nil {
				return fmt.Errorf("write stale marker: %w", err)
			}

		case CmdClearMarker:
			if dry {
				continue
			}
			if err := r.runs.ClearMarker(ctx, runID, runstore.MarkerStaleSeen); err != nil {
				logger.Warn("Failed to clear stale marker", zap.Error(err))
			}

		case CmdTransition:
			_, err := r.writer(runID).WriteState(ctx, cmd.To, cmd.Reason, runstate.ActorReconciler)
			if err != nil {
				if transitions.IsRejected(err) || errors.Is(err, statewriter.ErrCASExhausted) {
					res.Action = ActionTransitionRejected
					logger.Warn("Reconciler transition not applied", zap.Error(err))
					return nil
				}
				return err
			}

		case CmdDeleteRestartLock:
			if dry {
				continue
			}
			if err := lock.NewRestartLock(r.objects, runID, r.opts.Clock, logger).Remove(ctx); err != nil {
				logger.Warn("Failed to remove restart lock", zap.Error(err))
			}

		case CmdNotify:
			if err := r.opts.Notifier.Notify(ctx, cmd.Message); err != nil {
				logger.Debug("Notification not delivered", zap.Error(err))
			}

		case CmdRestart:
			if dry {
				res.Restart = restart.OutcomeDryRun
				if err := r.opts.Notifier.Notify(ctx, notify.Infof(runID, "Would restart (dry-run).")); err != nil {
					logger.Debug("Notification not delivered", zap.Error(err))
				}
				continue
			}
			outcome, err := r.restarter.Restart(ctx, runID, runstate.ActorReconciler)
			res.Restart = outcome
			switch {
			case outcome == restart.OutcomeRestarted:
				res.Action = ActionRestarted
			case outcome == restart.OutcomeFailed:
				res.Action = ActionRestartFailed
			}
			if err != nil {
				return fmt.Errorf("restart: %w", err)
			}
		}
	}
	return nil
}

func (r *Reconciler) writer(runID string) *statewriter.Writer {
	return statewriter.New(r.objects, runID, r.graph, r.opts.WriterOpts...)
}
