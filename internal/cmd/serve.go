package cmd

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/internal/server"
	"github.com/3leaps/spotguard/internal/server/handlers"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/preflight"
	"github.com/3leaps/spotguard/pkg/reconciler"
	"github.com/3leaps/spotguard/pkg/runstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciler periodically behind an HTTP server",
	Long: `Serve health, version and metrics endpoints and run a reconciliation
pass every reconciler.interval. With SPOTGUARD_ADMIN_TOKEN set, POST
/admin/reconcile triggers a pass on demand.

Examples:
  spotguard serve --bucket my-training-bucket
  SPOTGUARD_RECONCILE_INTERVAL=1m spotguard serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default: server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default: server.port)")
	serveCmd.Flags().Bool("no-loop", false, "Disable the periodic pass; only serve HTTP triggers")
}

// passRunner serializes reconciliation passes.
type passRunner struct {
	mu  sync.Mutex
	rec *reconciler.Reconciler
}

func (p *passRunner) run(ctx context.Context) (reconciler.Report, error) {
	if !p.mu.TryLock() {
		return reconciler.Report{}, handlers.ErrReconcileInProgress
	}
	defer p.mu.Unlock()
	return p.rec.ReconcileAll(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	noLoop, _ := cmd.Flags().GetBool("no-loop")

	if cfg.Metrics.Enabled {
		if err := observability.InitTelemetry(ctx); err != nil {
			observability.CLILogger.Warn("Metrics disabled", zap.Error(err))
		}
	}

	env, err := newReconcileEnv(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:            versionInfo.Version,
		Commit:             versionInfo.Commit,
		BuildDate:          versionInfo.BuildDate,
		TransitionsHash:    env.graph.Hash(),
		TransitionsVersion: env.graph.Version(),
	})
	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("run_store", storeHealthChecker{objects: env.objects})
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{identity: id})
	}

	passes := &passRunner{rec: env.rec}
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithReconcileFunc(passes.run),
		server.WithHealth(cfg.Health.Enabled),
		server.WithProfiler(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	observability.CLILogger.Info("Serving",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("interval", cfg.Reconciler.Interval),
		zap.Bool("dry_run", cfg.Reconciler.DryRun),
		zap.String("transitions_hash", env.graph.Hash()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cfg.Server.ShutdownTimeout)
	})
	if !noLoop {
		g.Go(func() error {
			reconcileLoop(gctx, passes, cfg.Reconciler.Interval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}

// reconcileLoop runs a pass immediately and then every interval until ctx
// is done.
func reconcileLoop(ctx context.Context, passes *passRunner, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := passes.run(ctx)
		switch {
		case errors.Is(err, handlers.ErrReconcileInProgress):
			observability.CLILogger.Debug("Skipping tick; pass already running")
		case err != nil:
			observability.CLILogger.Error("Reconcile pass failed", zap.Error(err))
		default:
			observability.CLILogger.Info("Reconcile pass finished",
				zap.Int("runs", report.Runs),
				zap.Int("actions", len(report.Actions)),
				zap.Int("errors", len(report.Errors)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// signalHealthChecker reports healthy while the process handles signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// storeHealthChecker fails when the run store cannot be listed.
type storeHealthChecker struct {
	objects objstore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := preflight.Run(ctx, c.objects, preflight.Spec{Mode: preflight.ModeReadSafe, RunsPrefix: runstore.RunsPrefix})
	return err
}

// telemetryHealthChecker fails until the metrics exporter is installed.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates the app identity used for config and env.
type identityHealthChecker struct {
	identity *config.Identity
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.identity == nil {
		return errors.New("app identity not set")
	}
	return appidentity.ValidateIdentity(ctx, c.identity)
}
