package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

// ErrOwnerContended means another live instance holds the run's owner lock.
var ErrOwnerContended = errors.New("run is owned by another live instance")

// Reasons recorded by the worker.
const (
	ReasonWorkerStarted = "worker_started"
	ReasonJobStartError = "job_start_failed"
)

// Deps are the collaborators a Supervisor needs.
type Deps struct {
	Objects       objstore.Store
	Graph         *transitions.Graph
	Fleet         fleet.Controller
	Interruptions fleet.InterruptionSource
	Notifier      notify.Notifier
	Clock         clock.Clock
	Logger        *zap.Logger
	WriterOpts    []statewriter.Option
}

// Config describes one worker attempt.
type Config struct {
	RunID             string
	Job               Job
	Identity          fleet.Identity
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Sampler           Sampler
	Version           string
	DryRun            bool
}

// Outcome summarizes a finished attempt.
type Outcome struct {
	State     runstate.State
	ExitCode  int
	Preempted bool
	// Recorded is false when the final state was not written, for example
	// after a preemption or on shutdown.
	Recorded bool
}

// Supervisor runs one attempt: guard, owner claim, RUNNING, job with
// heartbeat and preemption watcher, then the terminal state.
type Supervisor struct {
	deps   Deps
	cfg    Config
	runs   *runstore.Store
	writer *statewriter.Writer
	logger *zap.Logger

	watcher  *Watcher
	reporter *Reporter
}

// NewSupervisor validates deps and returns a supervisor.
func NewSupervisor(deps Deps, cfg Config) (*Supervisor, error) {
	if deps.Objects == nil || deps.Graph == nil {
		return nil, errors.New("worker requires an object store and a transition graph")
	}
	if cfg.Job == nil {
		return nil, errors.New("worker requires a job")
	}
	if err := runstore.ValidateRunID(cfg.RunID); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	logger := deps.Logger.With(zap.String("run_id", cfg.RunID), zap.String("instance", cfg.Identity.InstanceID))
	opts := append([]statewriter.Option{
		statewriter.WithClock(deps.Clock),
		statewriter.WithLogger(deps.Logger),
		statewriter.WithDryRun(cfg.DryRun),
	}, deps.WriterOpts...)
	return &Supervisor{
		deps:   deps,
		cfg:    cfg,
		runs:   runstore.New(deps.Objects),
		writer: statewriter.New(deps.Objects, cfg.RunID, deps.Graph, opts...),
		logger: logger,
	}, nil
}

// Run executes the attempt. ErrAlreadyTerminal is returned when the startup
// guard aborted; callers treat it as success.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	s.logger.Info("Worker starting",
		zap.String("transitions_hash", s.deps.Graph.Hash()),
		zap.String("transitions_version", s.deps.Graph.Version()),
		zap.String("runner", s.cfg.Job.Kind()))

	runner := &FleetRunner{
		Notifier: s.deps.Notifier,
		Fleet:    s.deps.Fleet,
		Identity: staticIdentity(s.cfg.Identity),
		DryRun:   s.cfg.DryRun,
		Logger:   s.logger,
	}
	rec, err := NewGuard(s.writer, runner, s.deps.Clock, s.deps.Logger).Check(ctx)
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			return Outcome{State: rec.Current(), Recorded: true}, err
		}
		return Outcome{}, err
	}

	owner, err := s.claimOwner(ctx, rec)
	if err != nil {
		return Outcome{State: rec.Current()}, err
	}
	if owner != nil {
		defer s.releaseOwner(ctx, owner)
	}

	rec, err = s.markRunning(ctx, rec)
	if err != nil {
		return Outcome{State: rec.Current()}, err
	}
	s.writeManifest(ctx, rec)

	return s.supervise(ctx, rec)
}

func (s *Supervisor) claimOwner(ctx context.Context, rec *runstate.Record) (*lock.Handle, error) {
	if s.cfg.DryRun {
		return nil, nil
	}
	attempt := 0
	if rec != nil {
		attempt = rec.Attempt
	}
	p := lock.NewPayload(runstate.ActorVM, attempt, s.deps.Clock.Now())
	p.Instance = s.cfg.Identity.InstanceID
	p.Zone = s.cfg.Identity.Zone

	var checker lock.InstanceChecker
	if s.deps.Fleet != nil {
		checker = s.deps.Fleet
	}
	h, err := lock.NewOwnerLock(s.deps.Objects, s.cfg.RunID, s.logger).Claim(ctx, p, checker)
	if err != nil {
		if errors.Is(err, lock.ErrContended) {
			return nil, ErrOwnerContended
		}
		return nil, fmt.Errorf("claim owner lock: %w", err)
	}
	return h, nil
}

func (s *Supervisor) releaseOwner(ctx context.Context, h *lock.Handle) {
	err := lock.NewOwnerLock(s.deps.Objects, s.cfg.RunID, s.logger).Release(context.WithoutCancel(ctx), h)
	if err != nil {
		s.logger.Warn("Owner lock not released", zap.Error(err))
	}
}

// markRunning writes RUNNING unless this instance already recorded it.
func (s *Supervisor) markRunning(ctx context.Context, rec *runstate.Record) (*runstate.Record, error) {
	if rec.Current() == runstate.StateRunning && rec.InstanceName == s.cfg.Identity.InstanceID {
		s.logger.Info("Run already RUNNING on this instance; resuming")
		return rec, nil
	}
	owner := runstate.Owner{
		OwnerID:      s.cfg.Identity.InstanceID,
		InstanceName: s.cfg.Identity.InstanceID,
		Zone:         s.cfg.Identity.Zone,
	}
	res, err := s.writer.WriteState(ctx, runstate.StateRunning, ReasonWorkerStarted, runstate.ActorVM, statewriter.WithOwner(owner))
	if err != nil {
		return rec, fmt.Errorf("record RUNNING: %w", err)
	}
	return &res.Record, nil
}

func (s *Supervisor) writeManifest(ctx context.Context, rec *runstate.Record) {
	if s.cfg.DryRun {
		return
	}
	m := runstore.Manifest{
		RunID:              s.cfg.RunID,
		Instance:           s.cfg.Identity.InstanceID,
		Zone:               s.cfg.Identity.Zone,
		Attempt:            rec.Attempt,
		Runner:             s.cfg.Job.Kind(),
		Image:              s.cfg.Job.Image(),
		Command:            s.cfg.Job.Command(),
		StartedAt:          s.deps.Clock.Now(),
		TransitionsHash:    s.deps.Graph.Hash(),
		TransitionsVersion: s.deps.Graph.Version(),
		Version:            s.cfg.Version,
	}
	if err := s.runs.WriteManifest(ctx, s.cfg.RunID, m); err != nil {
		s.logger.Warn("Run manifest not written", zap.Error(err))
	}
}

func (s *Supervisor) supervise(ctx context.Context, rec *runstate.Record) (Outcome, error) {
	s.reporter = NewReporter(s.runs, s.cfg.RunID, ReporterConfig{
		Interval: s.cfg.HeartbeatInterval,
		Instance: s.cfg.Identity.InstanceID,
		Zone:     s.cfg.Identity.Zone,
		Attempt:  rec.Attempt,
		Sampler:  s.cfg.Sampler,
		Clock:    s.deps.Clock,
		Logger:   s.deps.Logger,
	})
	handler := NewPreemptionHandler(s.writer, s.deps.Notifier, s.deps.Logger, s.reporter)
	s.watcher = NewWatcher(WatcherConfig{
		Source:   s.deps.Interruptions,
		Runs:     s.runs,
		RunID:    s.cfg.RunID,
		Handler:  handler,
		Interval: s.cfg.PollInterval,
		Clock:    s.deps.Clock,
		Logger:   s.deps.Logger,
	})
	s.reporter.SetPhase(runstore.PhaseRunning)

	g, gctx := errgroup.WithContext(ctx)
	loops, stopLoops := context.WithCancel(gctx)
	defer stopLoops()

	if !s.cfg.DryRun {
		g.Go(func() error { return s.reporter.Run(loops) })
	}
	g.Go(func() error {
		if err := s.watcher.Run(loops); err != nil {
			s.logger.Error("Preemption not recorded", zap.Error(err))
		}
		return nil
	})

	var (
		exitCode int
		jobErr   error
	)
	g.Go(func() error {
		defer stopLoops()
		exitCode, jobErr = s.cfg.Job.Run(gctx)
		return nil
	})
	_ = g.Wait()

	return s.finish(ctx, exitCode, jobErr, handler)
}

func (s *Supervisor) finish(ctx context.Context, exitCode int, jobErr error, handler *PreemptionHandler) (Outcome, error) {
	out := Outcome{ExitCode: exitCode, Preempted: handler.Preempted()}
	final := context.WithoutCancel(ctx)
	code := exitCode

	switch {
	case out.Preempted:
		s.logger.Info("Job ended after preemption", zap.Int("exit_code", exitCode))
		out.State = runstate.StatePreempted
		s.finalBeat(final, runstore.PhasePreempted, &code)
		return out, nil
	case ctx.Err() != nil:
		s.logger.Warn("Worker shutting down before job finished", zap.Error(ctx.Err()))
		s.finalBeat(final, runstore.PhaseShutdown, nil)
		return out, ctx.Err()
	}

	to, reason := runstate.StateComplete, fmt.Sprintf("job_exit_%d", exitCode)
	if jobErr != nil {
		s.logger.Error("Job could not run", zap.Error(jobErr))
		to, reason = runstate.StateFailed, ReasonJobStartError
		if out.ExitCode == 0 {
			out.ExitCode = 1
		}
	} else if exitCode != 0 {
		to = runstate.StateFailed
	}
	s.finalBeat(final, runstore.PhaseExited, &code)

	res, err := s.writer.WriteState(final, to, reason, runstate.ActorVM)
	if err != nil {
		if transitions.IsRejected(err) {
			s.logger.Info("Final state not recorded; run already moved on", zap.Error(err))
			current, _, readErr := s.writer.ReadState(final)
			if readErr == nil {
				out.State = current.Current()
			}
			return out, nil
		}
		return out, fmt.Errorf("record %s: %w", to, err)
	}
	out.State, out.Recorded = res.Record.State, true

	msg := notify.Infof(s.cfg.RunID, "Job finished: %s (exit %d).", to, exitCode)
	if to == runstate.StateFailed {
		msg = notify.Errorf(s.cfg.RunID, "Job finished: %s (exit %d).", to, exitCode)
	}
	if err := s.deps.Notifier.Notify(final, msg); err != nil {
		s.logger.Debug("Notification not delivered", zap.Error(err))
	}
	return out, jobErr
}

func (s *Supervisor) finalBeat(ctx context.Context, phase string, exitCode *int) {
	if s.cfg.DryRun {
		return
	}
	if err := s.reporter.Final(ctx, phase, exitCode); err != nil {
		s.logger.Warn("Final heartbeat not written", zap.Error(err))
	}
}

type staticIdentity fleet.Identity

func (s staticIdentity) Identity(context.Context) (fleet.Identity, error) {
	return fleet.Identity(s), nil
}
