package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/fleet/fleettest"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/transitions"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testGraph(t *testing.T) *transitions.Graph {
	t.Helper()
	g, err := transitions.Default()
	require.NoError(t, err)
	return g
}

func seed(t *testing.T, objs objstore.Store, g *transitions.Graph, runID string, states ...runstate.State) {
	t.Helper()
	w := statewriter.New(objs, runID, g, statewriter.WithClock(clock.NewFake(now)))
	for _, s := range states {
		actor := runstate.ActorVM
		if s == runstate.StateOrphaned {
			actor = runstate.ActorReconciler
		}
		if s == runstate.StateRestarting {
			actor = runstate.ActorLocal
		}
		_, err := w.WriteState(context.Background(), s, "seed", actor)
		require.NoError(t, err)
	}
}

type recordingRunner struct {
	notes      []notify.Message
	terminated int
	err        error
}

func (r *recordingRunner) Notify(_ context.Context, msg notify.Message) error {
	r.notes = append(r.notes, msg)
	return nil
}

func (r *recordingRunner) SelfTerminate(context.Context) error {
	r.terminated++
	return r.err
}

func TestDecideStartup(t *testing.T) {
	tests := []struct {
		name    string
		rec     *runstate.Record
		proceed bool
	}{
		{"no record", nil, true},
		{"running", &runstate.Record{State: runstate.StateRunning}, true},
		{"restarting", &runstate.Record{State: runstate.StateRestarting}, true},
		{"preempted", &runstate.Record{State: runstate.StatePreempted}, true},
		{"complete", &runstate.Record{State: runstate.StateComplete}, false},
		{"failed", &runstate.Record{State: runstate.StateFailed}, false},
		{"partial", &runstate.Record{State: runstate.StatePartial}, false},
		{"stopped", &runstate.Record{State: runstate.StateStopped}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideStartup("r1", tt.rec)
			assert.Equal(t, tt.proceed, d.Proceed)
			if tt.proceed {
				assert.Empty(t, d.Commands)
				return
			}
			require.Len(t, d.Commands, 2)
			assert.Equal(t, StartupNotify, d.Commands[0].Kind)
			assert.Equal(t, StartupSelfTerminate, d.Commands[1].Kind)
			assert.Contains(t, d.Commands[0].Message.Text, string(tt.rec.State))
		})
	}
}

func TestGuard_Check(t *testing.T) {
	ctx := context.Background()
	g := testGraph(t)

	t.Run("proceeds on fresh run", func(t *testing.T) {
		objs := memstore.New()
		runner := &recordingRunner{}
		rec, err := NewGuard(statewriter.New(objs, "r1", g), runner, clock.NewFake(now), nil).Check(ctx)
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.Zero(t, runner.terminated)
	})

	t.Run("aborts terminal run", func(t *testing.T) {
		objs := memstore.New()
		seed(t, objs, g, "r1", runstate.StateRunning, runstate.StateComplete)
		runner := &recordingRunner{}
		rec, err := NewGuard(statewriter.New(objs, "r1", g), runner, clock.NewFake(now), nil).Check(ctx)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
		require.NotNil(t, rec)
		assert.Equal(t, runstate.StateComplete, rec.State)
		assert.Len(t, runner.notes, 1)
		assert.Equal(t, 1, runner.terminated)
	})

	t.Run("self-terminate failure still aborts", func(t *testing.T) {
		objs := memstore.New()
		seed(t, objs, g, "r1", runstate.StateRunning, runstate.StateFailed)
		runner := &recordingRunner{err: errors.New("api down")}
		_, err := NewGuard(statewriter.New(objs, "r1", g), runner, clock.NewFake(now), nil).Check(ctx)
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
	})

	t.Run("retries transient reads", func(t *testing.T) {
		objs := memstore.New()
		seed(t, objs, g, "r1", runstate.StateRunning)
		failures := 2
		objs.SetFault(func(op memstore.Op, key string) error {
			if op == memstore.OpGet && failures > 0 {
				failures--
				return objstore.ErrProviderUnavailable
			}
			return nil
		})
		clk := clock.NewFake(now)
		rec, err := NewGuard(statewriter.New(objs, "r1", g), &recordingRunner{}, clk, nil).Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, runstate.StateRunning, rec.State)
		assert.Len(t, clk.Sleeps(), 2)
	})

	t.Run("gives up after three transient failures", func(t *testing.T) {
		objs := memstore.New()
		objs.SetFault(func(op memstore.Op, key string) error {
			return objstore.ErrProviderUnavailable
		})
		_, err := NewGuard(statewriter.New(objs, "r1", g), &recordingRunner{}, clock.NewFake(now), nil).Check(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyTerminal)
		assert.Equal(t, 3, objs.Calls(memstore.OpGet))
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		objs := memstore.New()
		objs.SetFault(func(op memstore.Op, key string) error {
			return objstore.ErrAccessDenied
		})
		_, err := NewGuard(statewriter.New(objs, "r1", g), &recordingRunner{}, clock.NewFake(now), nil).Check(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, objs.Calls(memstore.OpGet))
	})
}

func TestFleetRunner_SelfTerminate(t *testing.T) {
	ctx := context.Background()
	f := fleettest.New()
	f.Add(fleet.Instance{ID: "i-self", Zone: "us-east-1a"})
	f.Self = fleet.Identity{InstanceID: "i-self", Zone: "us-east-1a"}

	t.Run("dry run leaves the instance", func(t *testing.T) {
		r := &FleetRunner{Fleet: f, Identity: f, DryRun: true}
		require.NoError(t, r.SelfTerminate(ctx))
		assert.Empty(t, f.Terminated)
	})

	t.Run("terminates own instance", func(t *testing.T) {
		r := &FleetRunner{Fleet: f, Identity: f}
		require.NoError(t, r.SelfTerminate(ctx))
		assert.Equal(t, []string{"i-self"}, f.Terminated)
	})

	t.Run("requires fleet access", func(t *testing.T) {
		assert.Error(t, (&FleetRunner{}).SelfTerminate(ctx))
	})
}
