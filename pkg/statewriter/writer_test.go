package statewriter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/transitions"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingRecorder struct {
	mu        sync.Mutex
	accepted  int
	rejected  []transitions.Reason
	conflicts int
}

func (r *countingRecorder) TransitionAccepted(runstate.State, runstate.Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *countingRecorder) TransitionRejected(reason transitions.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, reason)
}

func (r *countingRecorder) CASConflict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func newTestWriter(t *testing.T, objs objstore.Store, opts ...Option) (*Writer, *clock.Fake) {
	t.Helper()
	g, err := transitions.Default()
	require.NoError(t, err)
	clk := clock.NewFake(t0)
	w := New(objs, "r1", g, append([]Option{WithClock(clk)}, opts...)...)
	w.newID = func() string { return "abcd1234" }
	return w, clk
}

func seed(t *testing.T, w *Writer, states ...runstate.State) {
	t.Helper()
	actors := map[runstate.State]runstate.Actor{runstate.StateOrphaned: runstate.ActorReconciler}
	for _, s := range states {
		actor, ok := actors[s]
		if !ok {
			actor = runstate.ActorVM
		}
		_, err := w.WriteState(context.Background(), s, "seed", actor)
		require.NoError(t, err)
	}
}

func TestWriteState_FirstWrite(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, _ := newTestWriter(t, objs)

	res, err := w.WriteState(ctx, runstate.StateRunning, "worker_started", runstate.ActorVM,
		WithOwner(runstate.Owner{OwnerID: "vm-1", InstanceName: "i-0abc", Zone: "us-east-1a"}),
		WithAttempt(1))
	require.NoError(t, err)
	assert.Equal(t, runstate.StateNone, res.From)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEqual(t, objstore.Absent, res.Generation)

	rec, gen, err := w.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, gen)
	assert.Equal(t, runstate.StateRunning, rec.State)
	assert.Equal(t, runstate.StateNone, rec.PrevState)
	assert.Equal(t, int64(1), rec.StateVersion)
	assert.Equal(t, "i-0abc", rec.InstanceName)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, t0, rec.UpdatedAt)
	require.Len(t, rec.History, 1)
	assert.Equal(t, "worker_started", rec.History[0].Reason)

	status, ok, err := runstore.New(objs).ReadStatus(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "RUNNING", status)

	exists, err := objstore.Exists(ctx, objs, "runs/r1/events/20260301T120000Z_vm_abcd1234.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWriteState_StatusProjection(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, _ := newTestWriter(t, objs)
	seed(t, w, runstate.StateRunning, runstate.StatePreempted)

	_, err := w.WriteState(ctx, runstate.StateRestarting, "reconciler_restart", runstate.ActorReconciler)
	require.NoError(t, err)

	status, _, err := runstore.New(objs).ReadStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status)

	rec, _, err := w.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateRestarting, rec.State)
	assert.Equal(t, 1, rec.Attempt, "entering RESTARTING increments attempt")
	assert.Equal(t, int64(3), rec.StateVersion)
}

func TestWriteState_TerminalRejectedWithoutWrite(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	rec := &countingRecorder{}
	w, _ := newTestWriter(t, objs, WithRecorder(rec))
	seed(t, w, runstate.StateRunning, runstate.StateComplete)

	puts := objs.Calls(memstore.OpPut)
	for _, s := range runstate.States {
		for _, a := range runstate.Actors {
			_, err := w.WriteState(ctx, s, "late", a)
			require.Error(t, err)
			reason, ok := transitions.ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, transitions.ReasonTerminal, reason)
		}
	}
	assert.Equal(t, puts, objs.Calls(memstore.OpPut))

	got, _, err := w.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateComplete, got.State)
	assert.Len(t, rec.rejected, len(runstate.States)*len(runstate.Actors))
}

func TestWriteState_ReapplyingIsRejected(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, _ := newTestWriter(t, objs)
	seed(t, w, runstate.StateRunning)

	first, err := w.WriteState(ctx, runstate.StatePreempted, "preemption_detected", runstate.ActorVM)
	require.NoError(t, err)

	_, err = w.WriteState(ctx, runstate.StatePreempted, "preemption_detected", runstate.ActorVM)
	require.Error(t, err)
	reason, ok := transitions.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, transitions.ReasonNotAllowed, reason)

	rec, _, err := w.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Record.StateVersion, rec.StateVersion)
}

func TestWriteState_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		seed   []runstate.State
		to     runstate.State
		actor  runstate.Actor
		reason transitions.Reason
	}{
		{"guarded orphan from null", nil, runstate.StateOrphaned, runstate.ActorVM, transitions.ReasonGuarded},
		{"no preempted to running edge", []runstate.State{runstate.StateRunning, runstate.StatePreempted}, runstate.StateRunning, runstate.ActorVM, transitions.ReasonNotAllowed},
		{"missing actor", nil, runstate.StateRunning, "", transitions.ReasonActorRequired},
		{"unknown actor", nil, runstate.StateRunning, "cron", transitions.ReasonUnknownActor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs := memstore.New()
			w, _ := newTestWriter(t, objs)
			seed(t, w, tt.seed...)

			_, err := w.WriteState(context.Background(), tt.to, "test", tt.actor)
			require.Error(t, err)
			assert.True(t, transitions.IsRejected(err))
			reason, _ := transitions.ReasonOf(err)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestWriteState_RetriesAfterLostRace(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	rec := &countingRecorder{}
	w, clk := newTestWriter(t, objs, WithRecorder(rec))
	seed(t, w, runstate.StateRunning)

	// Rewrite the same bytes so only the generation moves.
	objs.BeforePut("runs/r1/state.json", func() {
		obj, err := objs.Get(ctx, "runs/r1/state.json")
		require.NoError(t, err)
		_, err = objs.Put(ctx, "runs/r1/state.json", obj.Data, objstore.Condition{})
		require.NoError(t, err)
	})

	res, err := w.WriteState(ctx, runstate.StatePreempted, "preemption_detected", runstate.ActorVM)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, rec.conflicts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, clk.Sleeps())
}

func TestWriteState_RacingWritersOneWins(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	vm, _ := newTestWriter(t, objs)
	reconciler, _ := newTestWriter(t, objs)
	seed(t, vm, runstate.StateRunning)

	var reconcilerErr error
	objs.BeforePut("runs/r1/state.json", func() {
		_, reconcilerErr = reconciler.WriteState(ctx, runstate.StateOrphaned, "stale_heartbeat_instance_gone", runstate.ActorReconciler)
	})

	_, err := vm.WriteState(ctx, runstate.StatePreempted, "preemption_detected", runstate.ActorVM)
	require.NoError(t, reconcilerErr)
	require.Error(t, err)
	assert.True(t, transitions.IsRejected(err), "loser re-reads and is rejected: %v", err)

	rec, _, err := vm.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateOrphaned, rec.State)
	assert.Equal(t, int64(2), rec.StateVersion)
}

func TestWriteState_CASExhausted(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, clk := newTestWriter(t, objs)
	seed(t, w, runstate.StateRunning)

	putsBefore := objs.Calls(memstore.OpPut)
	objs.SetFault(func(op memstore.Op, key string) error {
		if op == memstore.OpPut && key == "runs/r1/state.json" {
			return objstore.ErrPreconditionFailed
		}
		return nil
	})

	_, err := w.WriteState(ctx, runstate.StatePreempted, "preemption_detected", runstate.ActorVM)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCASExhausted))
	assert.Equal(t, DefaultMaxAttempts, objs.Calls(memstore.OpPut)-putsBefore)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clk.Sleeps())
}

func TestWriteState_StoreFailureSurfaced(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, _ := newTestWriter(t, objs)

	objs.SetFault(func(op memstore.Op, key string) error {
		if op == memstore.OpPut && key == "runs/r1/state.json" {
			return objstore.ErrProviderUnavailable
		}
		return nil
	})

	_, err := w.WriteState(ctx, runstate.StateRunning, "worker_started", runstate.ActorVM)
	require.Error(t, err)
	assert.True(t, objstore.IsProviderUnavailable(err))
	assert.False(t, errors.Is(err, ErrCASExhausted))
}

func TestWriteState_ProjectionFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, clk := newTestWriter(t, objs)

	objs.SetFault(func(op memstore.Op, key string) error {
		if op == memstore.OpPut && key == "runs/r1/status.txt" {
			return objstore.ErrThrottled
		}
		return nil
	})

	_, err := w.WriteState(ctx, runstate.StateRunning, "worker_started", runstate.ActorVM)
	require.NoError(t, err)
	assert.Len(t, clk.Sleeps(), projectionAttempts-1)

	rec, _, err := w.ReadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, runstate.StateRunning, rec.State)

	events, err := w.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWriteState_DryRun(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, _ := newTestWriter(t, objs, WithDryRun(true))

	res, err := w.WriteState(ctx, runstate.StateRunning, "worker_started", runstate.ActorVM)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, runstate.StateRunning, res.Record.State)
	assert.Zero(t, objs.Calls(memstore.OpPut))
	assert.Empty(t, objs.Keys())
}

func TestReadState_Corrupt(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	_, err := objs.Put(ctx, "runs/r1/state.json", []byte("{"), objstore.Condition{})
	require.NoError(t, err)

	w, _ := newTestWriter(t, objs)
	_, _, err = w.ReadState(ctx)
	assert.Error(t, err)

	_, err = w.WriteState(ctx, runstate.StateRunning, "worker_started", runstate.ActorVM)
	assert.Error(t, err)
}

func TestEvents_Ordered(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	w, clk := newTestWriter(t, objs)
	ids := []string{"cccc0000", "aaaa0000", "bbbb0000"}
	n := 0
	w.newID = func() string {
		id := ids[n]
		n++
		return id
	}

	_, err := w.WriteState(ctx, runstate.StateRunning, "worker_started", runstate.ActorVM)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = w.WriteState(ctx, runstate.StatePreempted, "preemption_detected", runstate.ActorVM)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = w.WriteState(ctx, runstate.StateRestarting, "reconciler_restart", runstate.ActorReconciler)
	require.NoError(t, err)

	events, err := w.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	got := make([]runstate.State, 0, len(events))
	for _, ev := range events {
		got = append(got, ev.To)
	}
	assert.Equal(t, []runstate.State{runstate.StateRunning, runstate.StatePreempted, runstate.StateRestarting}, got)
	assert.Equal(t, runstate.StatePreempted, events[2].From)

	var body Event
	obj, err := objs.Get(ctx, "runs/r1/events/20260301T120200Z_reconciler_bbbb0000.json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(obj.Data, &body))
	assert.Equal(t, "reconciler_restart", body.Reason)
}
