package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/internal/server/handlers"
	"github.com/3leaps/spotguard/pkg/fleet/fleettest"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	"github.com/3leaps/spotguard/pkg/reconciler"
	"github.com/3leaps/spotguard/pkg/transitions"
)

func newPassRunner(t *testing.T, objs objstore.Store) *passRunner {
	t.Helper()
	g, err := transitions.Default()
	require.NoError(t, err)
	rec, err := reconciler.New(objs, g, fleettest.New(), reconciler.Options{})
	require.NoError(t, err)
	return &passRunner{rec: rec}
}

func TestPassRunnerRejectsOverlappingPasses(t *testing.T) {
	p := newPassRunner(t, memstore.New())

	p.mu.Lock()
	_, err := p.run(context.Background())
	p.mu.Unlock()
	assert.ErrorIs(t, err, handlers.ErrReconcileInProgress)

	report, err := p.run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Runs)
}

func TestReconcileLoopStopsWithContext(t *testing.T) {
	objs := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	objs.SetHook(func(op memstore.Op, _ string) {
		if op == memstore.OpList {
			cancel()
		}
	})
	p := newPassRunner(t, objs)

	done := make(chan struct{})
	go func() {
		reconcileLoop(ctx, p, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconcile loop did not stop after cancellation")
	}
	assert.Equal(t, 1, objs.Calls(memstore.OpList))
}

func TestServeHealthCheckers(t *testing.T) {
	denied := memstore.New()
	denied.SetFault(func(op memstore.Op, _ string) error {
		if op == memstore.OpList {
			return objstore.ErrAccessDenied
		}
		return nil
	})

	badPrefix := config.DefaultIdentity()
	badPrefix.EnvPrefix = "SPOTGUARD"

	tests := []struct {
		name    string
		checker handlers.HealthChecker
		wantErr string
	}{
		{"signals", signalHealthChecker{}, ""},
		{"store reachable", storeHealthChecker{objects: memstore.New()}, ""},
		{"store denied", storeHealthChecker{objects: denied}, "access denied"},
		{"identity", identityHealthChecker{identity: config.DefaultIdentity()}, ""},
		{"identity unset", identityHealthChecker{}, "not set"},
		{"identity prefix without underscore", identityHealthChecker{identity: badPrefix}, "app identity validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.checker.CheckHealth(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTelemetryHealthCheckerWithoutExporter(t *testing.T) {
	origTelemetry, origExporter := observability.TelemetrySystem, observability.PrometheusExporter
	t.Cleanup(func() {
		observability.TelemetrySystem, observability.PrometheusExporter = origTelemetry, origExporter
	})
	observability.TelemetrySystem, observability.PrometheusExporter = nil, nil

	err := telemetryHealthChecker{}.CheckHealth(context.Background())
	assert.ErrorContains(t, err, "telemetry system not initialized")
}
