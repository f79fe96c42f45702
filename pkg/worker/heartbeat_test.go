package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	"github.com/3leaps/spotguard/pkg/runstore"
)

func fixedSampler() (float64, float64) { return 12.5, 40 }

func TestReporter_Beat(t *testing.T) {
	ctx := context.Background()
	runs := runstore.New(memstore.New())
	clk := clock.NewFake(now)
	r := NewReporter(runs, "r1", ReporterConfig{
		Instance: "i-1", Zone: "us-east-1a", Attempt: 2, Sampler: fixedSampler, Clock: clk,
	})

	r.SetPhase(runstore.PhaseRunning)
	clk.Advance(90 * time.Second)
	require.NoError(t, r.Beat(ctx))

	hb, err := runs.ReadHeartbeat(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, now.Add(90*time.Second), hb.Timestamp)
	assert.Equal(t, runstore.PhaseRunning, hb.Phase)
	assert.Equal(t, int64(90), hb.UptimeSec)
	assert.Equal(t, "i-1", hb.Instance)
	assert.Equal(t, 2, hb.Attempt)
	assert.Equal(t, 12.5, hb.CPUPercent)
	assert.Equal(t, 40.0, hb.MemUsedPercent)
	assert.Nil(t, hb.ExitCode)
}

func TestReporter_StopSuppressesBeats(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	r := NewReporter(runstore.New(objs), "r1", ReporterConfig{Clock: clock.NewFake(now)})

	r.Stop()
	r.Stop()
	assert.True(t, r.Stopped())
	require.NoError(t, r.Beat(ctx))
	assert.Zero(t, objs.Calls(memstore.OpPut))
}

func TestReporter_Final(t *testing.T) {
	ctx := context.Background()
	runs := runstore.New(memstore.New())
	r := NewReporter(runs, "r1", ReporterConfig{Clock: clock.NewFake(now)})

	code := 3
	require.NoError(t, r.Final(ctx, runstore.PhaseExited, &code))
	assert.True(t, r.Stopped())

	hb, err := runs.ReadHeartbeat(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, runstore.PhaseExited, hb.Phase)
	require.NotNil(t, hb.ExitCode)
	assert.Equal(t, 3, *hb.ExitCode)
}

func TestReporter_RunUntilStopped(t *testing.T) {
	objs := memstore.New()
	clk := clock.NewFake(now)
	r := NewReporter(runstore.New(objs), "r1", ReporterConfig{Interval: time.Minute, Clock: clk})

	puts := 0
	objs.SetHook(func(op memstore.Op, key string) {
		if op == memstore.OpPut {
			puts++
			if puts == 3 {
				r.Stop()
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not stop")
	}
	assert.Equal(t, 3, objs.Calls(memstore.OpPut))
	for _, d := range clk.Sleeps() {
		assert.Equal(t, time.Minute, d)
	}
}

func TestReporter_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReporter(runstore.New(memstore.New()), "r1", ReporterConfig{Clock: clock.NewFake(now)})
	assert.NoError(t, r.Run(ctx))
}

func TestHostSampler(t *testing.T) {
	cpuPct, memPct := HostSampler()()
	assert.GreaterOrEqual(t, cpuPct, 0.0)
	assert.GreaterOrEqual(t, memPct, 0.0)
	assert.LessOrEqual(t, memPct, 100.0)
}
