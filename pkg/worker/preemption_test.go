package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/fleet/fleettest"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/statewriter"
)

type countingStopper struct{ stops int }

func (c *countingStopper) Stop() { c.stops++ }

func TestPreemptionHandler_Handle(t *testing.T) {
	ctx := context.Background()
	g := testGraph(t)

	t.Run("records once", func(t *testing.T) {
		objs := memstore.New()
		seed(t, objs, g, "r1", runstate.StateRunning)
		w := statewriter.New(objs, "r1", g, statewriter.WithClock(clock.NewFake(now)))
		notes := &notify.Recorder{}
		stopper := &countingStopper{}
		h := NewPreemptionHandler(w, notes, nil, stopper)

		ok, err := h.Handle(ctx, SourceNotice)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = h.Handle(ctx, SourceTrigger)
		require.NoError(t, err)
		assert.True(t, ok)

		assert.True(t, h.Preempted())
		assert.Equal(t, 1, stopper.stops)
		require.Len(t, notes.Messages(), 1)
		assert.Equal(t, notify.Warning, notes.Messages()[0].Severity)
		assert.Contains(t, notes.Messages()[0].Text, SourceNotice)

		rec, _, err := w.ReadState(ctx)
		require.NoError(t, err)
		assert.Equal(t, runstate.StatePreempted, rec.State)
		assert.Equal(t, runstate.StateRunning, rec.PrevState)
		assert.Equal(t, ReasonPreemptionDetected, rec.Reason)
	})

	t.Run("finished run is left alone", func(t *testing.T) {
		objs := memstore.New()
		seed(t, objs, g, "r1", runstate.StateRunning, runstate.StateComplete)
		w := statewriter.New(objs, "r1", g)
		stopper := &countingStopper{}
		h := NewPreemptionHandler(w, nil, nil, stopper)

		ok, err := h.Handle(ctx, SourceNotice)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, h.Preempted())
		assert.Zero(t, stopper.stops)

		rec, _, err := w.ReadState(ctx)
		require.NoError(t, err)
		assert.Equal(t, runstate.StateComplete, rec.State)
	})
}

func TestWatcher_Run(t *testing.T) {
	g := testGraph(t)

	newWatcher := func(t *testing.T, src fleet.InterruptionSource) (*Watcher, *memstore.Store, *PreemptionHandler, *clock.Fake) {
		t.Helper()
		objs := memstore.New()
		seed(t, objs, g, "r1", runstate.StateRunning)
		clk := clock.NewFake(now)
		h := NewPreemptionHandler(statewriter.New(objs, "r1", g, statewriter.WithClock(clk)), nil, nil)
		w := NewWatcher(WatcherConfig{
			Source:   src,
			Runs:     runstore.New(objs),
			RunID:    "r1",
			Handler:  h,
			Interval: 5 * time.Second,
			Clock:    clk,
		})
		return w, objs, h, clk
	}

	t.Run("interruption notice", func(t *testing.T) {
		f := fleettest.New()
		w, _, h, clk := newWatcher(t, f)
		f.SetNotice(&fleet.Notice{Action: "terminate", Time: now})

		require.NoError(t, w.Run(context.Background()))
		assert.Equal(t, 1, f.Polls())
		assert.True(t, h.Preempted())
		assert.Empty(t, clk.Sleeps())
	})

	t.Run("manual trigger", func(t *testing.T) {
		w, _, h, _ := newWatcher(t, nil)
		w.Trigger()
		w.Trigger()
		require.NoError(t, w.Run(context.Background()))
		assert.True(t, h.Preempted())
	})

	t.Run("simulation marker is consumed", func(t *testing.T) {
		w, objs, h, _ := newWatcher(t, nil)
		runs := runstore.New(objs)
		ctx := context.Background()
		require.NoError(t, runs.SetMarker(ctx, "r1", runstore.MarkerSimulatePreemption, "test", now))

		require.NoError(t, w.Run(ctx))
		assert.True(t, h.Preempted())

		ok, err := runs.HasMarker(ctx, "r1", runstore.MarkerSimulatePreemption)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("returns on cancel without preemption", func(t *testing.T) {
		w, _, h, _ := newWatcher(t, fleettest.New())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, w.Run(ctx))
		assert.False(t, h.Preempted())
	})
}
