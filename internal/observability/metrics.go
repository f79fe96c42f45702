package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/transitions"
)

// Process-wide telemetry, set by InitTelemetry.
var (
	TelemetrySystem    *Metrics
	PrometheusExporter http.Handler

	initOnce sync.Once
	initErr  error
)

// Metrics counts state transitions, reconciler actions and restart outcomes.
// It satisfies the recorder interfaces of statewriter, reconciler and restart.
type Metrics struct {
	meter metric.Meter

	TransitionsTotal metric.Int64Counter
	RejectionsTotal  metric.Int64Counter
	CASConflicts     metric.Int64Counter
	ReconcileActions metric.Int64Counter
	RestartsTotal    metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("spotguard")
	m := &Metrics{meter: meter}

	m.TransitionsTotal, err = meter.Int64Counter(
		"spotguard_transitions_total",
		metric.WithDescription("State transitions accepted by the state writer"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RejectionsTotal, err = meter.Int64Counter(
		"spotguard_transition_rejections_total",
		metric.WithDescription("State transitions rejected by the validator"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CASConflicts, err = meter.Int64Counter(
		"spotguard_cas_conflicts_total",
		metric.WithDescription("State writes that lost a generation precondition"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileActions, err = meter.Int64Counter(
		"spotguard_reconcile_actions_total",
		metric.WithDescription("Actions taken by the reconciler per run"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RestartsTotal, err = meter.Int64Counter(
		"spotguard_restarts_total",
		metric.WithDescription("Restart protocol attempts by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// InitTelemetry builds the process metrics once and publishes them through
// TelemetrySystem and PrometheusExporter.
func InitTelemetry(ctx context.Context) error {
	initOnce.Do(func() {
		m, handler, err := NewMetrics(ctx)
		if err != nil {
			initErr = err
			return
		}
		TelemetrySystem, PrometheusExporter = m, handler
	})
	return initErr
}

// TransitionAccepted implements statewriter.Recorder.
func (m *Metrics) TransitionAccepted(to runstate.State, actor runstate.Actor) {
	m.TransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(toAttr(string(to)), actorAttr(string(actor))))
}

// TransitionRejected implements statewriter.Recorder.
func (m *Metrics) TransitionRejected(reason transitions.Reason) {
	m.RejectionsTotal.Add(context.Background(), 1, metric.WithAttributes(reasonAttr(string(reason))))
}

// CASConflict implements statewriter.Recorder.
func (m *Metrics) CASConflict() {
	m.CASConflicts.Add(context.Background(), 1)
}

// ReconcileAction implements reconciler.Recorder.
func (m *Metrics) ReconcileAction(action string) {
	m.ReconcileActions.Add(context.Background(), 1, metric.WithAttributes(actionAttr(action)))
}

// RestartFinished implements restart.Recorder.
func (m *Metrics) RestartFinished(outcome string) {
	m.RestartsTotal.Add(context.Background(), 1, metric.WithAttributes(outcomeAttr(outcome)))
}
