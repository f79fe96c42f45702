package worker

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/runstore"
)

// DefaultHeartbeatInterval is how often the reporter overwrites heartbeat.json.
const DefaultHeartbeatInterval = 60 * time.Second

// Sampler returns host CPU and memory utilization in percent.
type Sampler func() (cpuPercent, memPercent float64)

// HostSampler samples the local host. Failed samples report zero.
func HostSampler() Sampler {
	return func() (float64, float64) {
		var cpuPct, memPct float64
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			cpuPct = pcts[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			memPct = vm.UsedPercent
		}
		return cpuPct, memPct
	}
}

// ReporterConfig configures a heartbeat reporter.
type ReporterConfig struct {
	Interval time.Duration
	Instance string
	Zone     string
	Attempt  int
	Sampler  Sampler
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Reporter periodically writes the run heartbeat until stopped.
type Reporter struct {
	runs     *runstore.Store
	runID    string
	interval time.Duration
	sampler  Sampler
	clock    clock.Clock
	logger   *zap.Logger
	started  time.Time

	mu       sync.Mutex
	base     runstore.Heartbeat
	stopped  bool
	stopOnce sync.Once
	stop     chan struct{}
}

// NewReporter returns a reporter for runID.
func NewReporter(runs *runstore.Store, runID string, cfg ReporterConfig) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sampler == nil {
		cfg.Sampler = func() (float64, float64) { return 0, 0 }
	}
	return &Reporter{
		runs:     runs,
		runID:    runID,
		interval: cfg.Interval,
		sampler:  cfg.Sampler,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(zap.String("run_id", runID)),
		started:  cfg.Clock.Now(),
		base: runstore.Heartbeat{
			Phase:    runstore.PhaseStarting,
			Instance: cfg.Instance,
			Zone:     cfg.Zone,
			Attempt:  cfg.Attempt,
		},
		stop: make(chan struct{}),
	}
}

// SetPhase changes the phase reported by later beats.
func (r *Reporter) SetPhase(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base.Phase = phase
}

// Beat writes one heartbeat. It does nothing once the reporter is stopped.
func (r *Reporter) Beat(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	hb := r.base
	r.mu.Unlock()
	return r.write(ctx, hb)
}

// Final stops the reporter and writes a last heartbeat with phase and exit code.
func (r *Reporter) Final(ctx context.Context, phase string, exitCode *int) error {
	r.Stop()
	r.mu.Lock()
	hb := r.base
	r.mu.Unlock()
	hb.Phase = phase
	hb.ExitCode = exitCode
	return r.write(ctx, hb)
}

func (r *Reporter) write(ctx context.Context, hb runstore.Heartbeat) error {
	now := r.clock.Now()
	hb.Timestamp = now
	hb.UptimeSec = int64(now.Sub(r.started) / time.Second)
	hb.CPUPercent, hb.MemUsedPercent = r.sampler()
	return r.runs.WriteHeartbeat(ctx, r.runID, hb)
}

// Stop ends Run and suppresses later beats. It is safe to call repeatedly.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stop)
	})
}

// Stopped reports whether Stop has been called.
func (r *Reporter) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Run beats every interval until ctx is done or Stop is called. Write
// failures are logged and the loop continues.
func (r *Reporter) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := r.Beat(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Heartbeat write failed", zap.Error(err))
		}
		if err := r.clock.Sleep(ctx, r.interval); err != nil {
			return nil
		}
	}
}
