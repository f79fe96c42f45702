// Package worker runs one attempt of a training job on a spot instance: the
// startup guard, the heartbeat reporter, the preemption watcher, the job
// runner, and the supervisor that ties them to the run's state record.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/backoff"
	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/statewriter"
)

// ErrAlreadyTerminal means the run finished before this worker booted. It is
// an expected outcome; callers exit successfully.
var ErrAlreadyTerminal = errors.New("run already in a terminal state")

// guardReadAttempts bounds the startup state read.
const guardReadAttempts = 3

// StartupCommandKind identifies a startup side effect.
type StartupCommandKind int

const (
	StartupNotify StartupCommandKind = iota
	StartupSelfTerminate
)

// StartupCommand is one side effect of an aborted startup.
type StartupCommand struct {
	Kind    StartupCommandKind
	Message notify.Message
}

// StartupDecision is the outcome of DecideStartup.
type StartupDecision struct {
	Proceed  bool
	State    runstate.State
	Commands []StartupCommand
}

// DecideStartup decides whether a booting worker may continue. A missing
// record or a non-terminal state proceeds. A terminal state aborts with a
// notification followed by self-termination.
func DecideStartup(runID string, rec *runstate.Record) StartupDecision {
	state := rec.Current()
	if !runstate.IsTerminal(state) {
		return StartupDecision{Proceed: true, State: state}
	}
	return StartupDecision{
		State: state,
		Commands: []StartupCommand{
			{Kind: StartupNotify, Message: notify.Warnf(runID, "Worker booted but run is already %s. Self-terminating.", state)},
			{Kind: StartupSelfTerminate},
		},
	}
}

// CommandRunner executes startup side effects.
type CommandRunner interface {
	Notify(ctx context.Context, msg notify.Message) error
	SelfTerminate(ctx context.Context) error
}

// FleetRunner runs startup commands against the notifier and the fleet.
type FleetRunner struct {
	Notifier notify.Notifier
	Fleet    fleet.Controller
	Identity fleet.IdentitySource
	DryRun   bool
	Logger   *zap.Logger
}

// Notify implements CommandRunner.
func (r *FleetRunner) Notify(ctx context.Context, msg notify.Message) error {
	if r.Notifier == nil {
		return nil
	}
	return r.Notifier.Notify(ctx, msg)
}

// SelfTerminate terminates the local instance.
func (r *FleetRunner) SelfTerminate(ctx context.Context) error {
	if r.Fleet == nil || r.Identity == nil {
		return errors.New("self-terminate requires fleet control and instance identity")
	}
	id, err := r.Identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("resolve instance identity: %w", err)
	}
	if r.DryRun {
		if r.Logger != nil {
			r.Logger.Info("Dry run: would self-terminate", zap.String("instance", id.InstanceID))
		}
		return nil
	}
	return r.Fleet.Terminate(ctx, id.InstanceID, id.Zone)
}

// Guard is the first thing a worker runs.
type Guard struct {
	writer  *statewriter.Writer
	runner  CommandRunner
	clock   clock.Clock
	backoff backoff.Strategy
	logger  *zap.Logger
}

// NewGuard returns a guard reading through writer.
func NewGuard(writer *statewriter.Writer, runner CommandRunner, clk clock.Clock, logger *zap.Logger) *Guard {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		writer:  writer,
		runner:  runner,
		clock:   clk,
		backoff: backoff.Default(),
		logger:  logger.With(zap.String("run_id", writer.RunID())),
	}
}

// Check reads the run state, retrying transient failures, and returns it.
// When the run is terminal the abort commands are executed and
// ErrAlreadyTerminal is returned.
func (g *Guard) Check(ctx context.Context) (*runstate.Record, error) {
	var rec *runstate.Record
	err := backoff.Retry(ctx, g.clock, g.backoff, guardReadAttempts, objstore.IsTransient, func(ctx context.Context) error {
		var err error
		rec, _, err = g.writer.ReadState(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("startup guard: read state: %w", err)
	}

	decision := DecideStartup(g.writer.RunID(), rec)
	if decision.Proceed {
		g.logger.Info("Startup guard passed", zap.String("state", decision.State.String()))
		return rec, nil
	}

	g.logger.Warn("Run already terminal; aborting startup", zap.String("state", decision.State.String()))
	for _, cmd := range decision.Commands {
		switch cmd.Kind {
		case StartupNotify:
			if err := g.runner.Notify(ctx, cmd.Message); err != nil {
				g.logger.Debug("Notification not delivered", zap.Error(err))
			}
		case StartupSelfTerminate:
			if err := g.runner.SelfTerminate(ctx); err != nil {
				g.logger.Error("Self-terminate failed", zap.Error(err))
			}
		}
	}
	return rec, ErrAlreadyTerminal
}
