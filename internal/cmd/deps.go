package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/pkg/fleet"
	fleetec2 "github.com/3leaps/spotguard/pkg/fleet/ec2"
	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/objstore"
	filestore "github.com/3leaps/spotguard/pkg/objstore/file"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	s3store "github.com/3leaps/spotguard/pkg/objstore/s3"
	"github.com/3leaps/spotguard/pkg/restart"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/transitions"
)

// currentConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests calling run functions directly).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx, flagOverrides())
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// openStore builds the object store named by the store section.
func openStore(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	switch objstore.ProviderType(cfg.Store.Provider) {
	case objstore.ProviderS3:
		if cfg.Store.Bucket == "" {
			return nil, exitError(foundry.ExitInvalidArgument, "Missing bucket", fmt.Errorf("set --bucket or store.bucket"))
		}
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:         cfg.Store.Bucket,
			Region:         cfg.Store.Region,
			Endpoint:       cfg.Store.Endpoint,
			Profile:        cfg.Store.Profile,
			ForcePathStyle: cfg.Store.ForcePathStyle,
		})
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open S3 store", err)
		}
		return s, nil
	case objstore.ProviderFile:
		s, err := filestore.New(filestore.Config{BaseDir: cfg.Store.BaseDir})
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Failed to open file store", err)
		}
		return s, nil
	case objstore.ProviderMemory:
		observability.CLILogger.Warn("Using in-memory store; nothing outlives this process")
		return memstore.New(), nil
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown store provider", fmt.Errorf("provider %q", cfg.Store.Provider))
	}
}

// loadGraph loads the transition graph and logs its identity.
func loadGraph(cfg *config.Config) (*transitions.Graph, error) {
	g, err := transitions.Load(cfg.TransitionsFile)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid state transitions document", err)
	}
	observability.CLILogger.Debug("Transition graph loaded",
		zap.String("transitions_hash", g.Hash()),
		zap.String("transitions_version", g.Version()))
	return g, nil
}

// newFleet builds the EC2 controller. The fleet section falls back to the
// store's region and profile.
func newFleet(ctx context.Context, cfg *config.Config) (fleet.Controller, error) {
	fc := fleetec2.Config{
		Region:   firstNonEmpty(cfg.Fleet.Region, cfg.Store.Region),
		Profile:  firstNonEmpty(cfg.Fleet.Profile, cfg.Store.Profile),
		Endpoint: cfg.Fleet.Endpoint,
		Store: fleet.StoreLocation{
			Provider: cfg.Store.Provider,
			Bucket:   cfg.Store.Bucket,
			Region:   cfg.Store.Region,
			Endpoint: cfg.Store.Endpoint,
		},
	}
	c, err := fleetec2.New(ctx, fc)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to create fleet controller", err)
	}
	return c, nil
}

func newNotifier(cfg *config.Config) notify.Notifier {
	return notify.New(notify.WebhookConfig{
		URL:     cfg.Notify.WebhookURL,
		Timeout: cfg.Notify.Timeout,
		DryRun:  cfg.Reconciler.DryRun,
	}, observability.CLILogger)
}

// writerOptions attaches the process logger and, when telemetry is up, the
// metrics recorder.
func writerOptions() []statewriter.Option {
	opts := []statewriter.Option{statewriter.WithLogger(observability.CLILogger)}
	if observability.TelemetrySystem != nil {
		opts = append(opts, statewriter.WithRecorder(observability.TelemetrySystem))
	}
	return opts
}

func restartOptions(notifier notify.Notifier, dry bool) []restart.Option {
	opts := []restart.Option{
		restart.WithNotifier(notifier),
		restart.WithLogger(observability.CLILogger),
		restart.WithDryRun(dry),
		restart.WithWriterOptions(writerOptions()...),
	}
	if observability.TelemetrySystem != nil {
		opts = append(opts, restart.WithRecorder(observability.TelemetrySystem))
	}
	return opts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
