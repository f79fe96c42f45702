package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/transitions"
)

// DefaultPollInterval is how often the watcher checks for an interruption.
const DefaultPollInterval = 5 * time.Second

// ReasonPreemptionDetected is recorded on the PREEMPTED transition.
const ReasonPreemptionDetected = "preemption_detected"

// Preemption sources reported to the handler.
const (
	SourceNotice    = "interruption_notice"
	SourceTrigger   = "trigger"
	SourceSimulated = "simulated_marker"
)

// Stopper is anything the handler shuts down after preemption.
type Stopper interface {
	Stop()
}

// PreemptionHandler records a preemption once per worker.
type PreemptionHandler struct {
	writer   *statewriter.Writer
	notifier notify.Notifier
	stoppers []Stopper
	logger   *zap.Logger

	once    sync.Once
	mu      sync.Mutex
	written bool
	err     error
}

// NewPreemptionHandler returns a handler writing through writer and stopping
// stoppers (typically the heartbeat reporter) after a successful write.
func NewPreemptionHandler(writer *statewriter.Writer, notifier notify.Notifier, logger *zap.Logger, stoppers ...Stopper) *PreemptionHandler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PreemptionHandler{
		writer:   writer,
		notifier: notifier,
		stoppers: stoppers,
		logger:   logger.With(zap.String("run_id", writer.RunID())),
	}
}

// Handle writes PREEMPTED as the vm actor. A rejected transition, such as a
// run that already finished, is not an error. Only the first call acts; later
// calls return the first result.
func (h *PreemptionHandler) Handle(ctx context.Context, source string) (bool, error) {
	h.once.Do(func() {
		written, err := h.handle(ctx, source)
		h.mu.Lock()
		h.written, h.err = written, err
		h.mu.Unlock()
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written, h.err
}

// Preempted reports whether this handler wrote PREEMPTED.
func (h *PreemptionHandler) Preempted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

func (h *PreemptionHandler) handle(ctx context.Context, source string) (bool, error) {
	logger := h.logger.With(zap.String("source", source))
	logger.Warn("Preemption detected")

	res, err := h.writer.WriteState(context.WithoutCancel(ctx), runstate.StatePreempted, ReasonPreemptionDetected, runstate.ActorVM)
	if err != nil {
		if transitions.IsRejected(err) {
			logger.Info("PREEMPTED not recorded; run already moved on", zap.Error(err))
			return false, nil
		}
		if errors.Is(err, statewriter.ErrCASExhausted) {
			logger.Error("PREEMPTED write lost every attempt", zap.Error(err))
		}
		return false, err
	}

	msg := notify.Warnf(h.writer.RunID(), "Preempted (%s) from %s, attempt %d.", source, res.From, res.Record.Attempt)
	if err := h.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
		logger.Debug("Notification not delivered", zap.Error(err))
	}
	for _, s := range h.stoppers {
		s.Stop()
	}
	return true, nil
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Source   fleet.InterruptionSource
	Runs     *runstore.Store
	RunID    string
	Handler  *PreemptionHandler
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Watcher polls for interruption notices and hands the first one to its
// handler.
type Watcher struct {
	cfg     WatcherConfig
	trigger chan struct{}
	logger  *zap.Logger
}

// NewWatcher returns a watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Watcher{
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		logger:  cfg.Logger.With(zap.String("run_id", cfg.RunID)),
	}
}

// Trigger simulates an interruption. It is observed on the next poll.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run polls until an interruption is seen or ctx is done. It returns the
// handler's error for a detected interruption and nil otherwise.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if source := w.poll(ctx); source != "" {
			_, err := w.cfg.Handler.Handle(ctx, source)
			return err
		}
		if err := w.cfg.Clock.Sleep(ctx, w.cfg.Interval); err != nil {
			return nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context) string {
	select {
	case <-w.trigger:
		return SourceTrigger
	default:
	}

	if w.cfg.Source != nil {
		notice, err := w.cfg.Source.InterruptionNotice(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Debug("Interruption check failed", zap.Error(err))
			}
		case notice != nil:
			w.logger.Warn("Interruption notice received",
				zap.String("action", notice.Action), zap.Time("time", notice.Time))
			return SourceNotice
		}
	}

	if w.cfg.Runs != nil {
		ok, err := w.cfg.Runs.HasMarker(ctx, w.cfg.RunID, runstore.MarkerSimulatePreemption)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("Simulation marker check failed", zap.Error(err))
			}
			return ""
		}
		if ok {
			if err := w.cfg.Runs.ClearMarker(ctx, w.cfg.RunID, runstore.MarkerSimulatePreemption); err != nil {
				w.logger.Warn("Failed to clear simulation marker", zap.Error(err))
			}
			return SourceSimulated
		}
	}
	return ""
}
