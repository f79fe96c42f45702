package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/fleet/imds"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run on the training instance",
}

var workerRunCmd = &cobra.Command{
	Use:   "run --run-id ID [flags] -- <command...>",
	Short: "Supervise one training attempt",
	Long: `Supervise one attempt of a training run on this instance.

The worker aborts if the run is already terminal, claims the run's owner
lock, records RUNNING, then runs the command while writing heartbeats and
watching for spot interruption notices. The exit code decides COMPLETE or
FAILED.

Examples:
  spotguard worker run --run-id exp-42 -- python train.py --epochs 10
  spotguard worker run --run-id exp-42 --runner container --image ghcr.io/acme/train:1.2 -- python train.py
  spotguard worker run --run-id dev-1 --local --provider file --base-dir /tmp/runs -- sleep 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkerRun,
}

var workerGuardCmd = &cobra.Command{
	Use:   "guard --run-id ID",
	Short: "Abort and self-terminate when the run is already terminal",
	Long: `Run the startup guard only. Exit code 0 means the worker may
proceed or the run was already finished; boot scripts chain it before the
training command.`,
	RunE: runWorkerGuard,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerGuardCmd)

	for _, c := range []*cobra.Command{workerRunCmd, workerGuardCmd} {
		c.Flags().String("run-id", "", "Run id (required)")
		c.Flags().Bool("local", false, "Run off-cloud: no instance metadata and no fleet control")
		c.Flags().String("instance-id", "", "Instance id override (default: instance metadata, or hostname with --local)")
		c.Flags().String("zone", "", "Zone override")
		c.Flags().String("imds-endpoint", "", "Instance metadata endpoint override")
		_ = c.MarkFlagRequired("run-id")
	}
	workerRunCmd.Flags().String("runner", "", "Runner kind: exec or container (default: worker.runner)")
	workerRunCmd.Flags().String("image", "", "Container image (default: worker.image)")
	workerRunCmd.Flags().Bool("gpus", false, "Request all GPUs for the container")
	workerRunCmd.Flags().StringArray("env", nil, "Extra KEY=VALUE environment for the job")
}

// workerSetup holds what both worker subcommands need.
type workerSetup struct {
	cfg      *config.Config
	deps     worker.Deps
	identity fleet.Identity
}

func newWorkerSetup(cmd *cobra.Command) (*workerSetup, error) {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	objs, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	graph, err := loadGraph(cfg)
	if err != nil {
		return nil, err
	}

	local, _ := cmd.Flags().GetBool("local")
	instanceID, _ := cmd.Flags().GetString("instance-id")
	zone, _ := cmd.Flags().GetString("zone")
	endpoint, _ := cmd.Flags().GetString("imds-endpoint")

	setup := &workerSetup{cfg: cfg}
	setup.deps = worker.Deps{
		Objects:    objs,
		Graph:      graph,
		Notifier:   newNotifier(cfg),
		Clock:      clock.Real{},
		Logger:     observability.CLILogger,
		WriterOpts: writerOptions(),
	}

	if local {
		if instanceID == "" {
			instanceID, _ = os.Hostname()
		}
		if zone == "" {
			zone = "local"
		}
		setup.identity = fleet.Identity{InstanceID: instanceID, Zone: zone}
		return setup, nil
	}

	source := imds.New(endpoint)
	id, err := source.Identity(ctx)
	if err != nil && instanceID == "" {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to read instance identity", err)
	}
	if instanceID != "" {
		id.InstanceID = instanceID
	}
	if zone != "" {
		id.Zone = zone
	}
	setup.identity = id

	ctrl, err := newFleet(ctx, cfg)
	if err != nil {
		return nil, err
	}
	setup.deps.Fleet = ctrl
	setup.deps.Interruptions = source
	return setup, nil
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	runID, _ := cmd.Flags().GetString("run-id")
	if err := runstore.ValidateRunID(runID); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	cmd.SetContext(ctx)

	setup, err := newWorkerSetup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = setup.deps.Objects.Close() }()

	job, err := buildJob(cmd, setup.cfg, runID, args)
	if err != nil {
		return err
	}

	sup, err := worker.NewSupervisor(setup.deps, worker.Config{
		RunID:             runID,
		Job:               job,
		Identity:          setup.identity,
		HeartbeatInterval: setup.cfg.Worker.HeartbeatInterval,
		PollInterval:      setup.cfg.Worker.PreemptionPollInterval,
		Sampler:           worker.HostSampler(),
		Version:           versionInfo.Version,
		DryRun:            setup.cfg.Reconciler.DryRun,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}

	out, err := sup.Run(ctx)
	logger := observability.CLILogger.With(zap.String("run_id", runID))
	switch {
	case errors.Is(err, worker.ErrAlreadyTerminal):
		logger.Info("Run already terminal; worker aborted", zap.String("state", out.State.String()))
		return nil
	case errors.Is(err, worker.ErrOwnerContended):
		return exitError(foundry.ExitInvalidArgument, "Run is owned by another live instance", err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Worker interrupted", err)
	case err != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker failed", err)
	}

	logger.Info("Worker finished",
		zap.String("state", out.State.String()),
		zap.Int("exit_code", out.ExitCode),
		zap.Bool("preempted", out.Preempted),
		zap.Bool("recorded", out.Recorded))
	if out.ExitCode != 0 {
		return exitError(out.ExitCode, "Training command failed", fmt.Errorf("exit code %d", out.ExitCode))
	}
	return nil
}

func buildJob(cmd *cobra.Command, cfg *config.Config, runID string, args []string) (worker.Job, error) {
	runner, _ := cmd.Flags().GetString("runner")
	if runner == "" {
		runner = cfg.Worker.Runner
	}
	env, _ := cmd.Flags().GetStringArray("env")
	env = append(env, "SPOTGUARD_RUN_ID="+runID)

	switch runner {
	case worker.RunnerExec:
		return &worker.ExecJob{
			Args:        args,
			Env:         append(os.Environ(), env...),
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			GracePeriod: cfg.Worker.GracePeriod,
		}, nil
	case worker.RunnerContainer:
		image, _ := cmd.Flags().GetString("image")
		if image == "" {
			image = cfg.Worker.Image
		}
		if image == "" {
			return nil, exitError(foundry.ExitInvalidArgument, "Container runner needs an image", errors.New("set --image or worker.image"))
		}
		gpus, _ := cmd.Flags().GetBool("gpus")
		api, err := worker.NewDockerAPI()
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to Docker", err)
		}
		return &worker.ContainerJob{
			API:       api,
			Ref:       image,
			Args:      args,
			Env:       env,
			Name:      "spotguard-" + runID,
			Labels:    map[string]string{"spotguard.run_id": runID},
			UseGPUs:   gpus,
			Stdout:    os.Stdout,
			Stderr:    os.Stderr,
			StopAfter: cfg.Worker.GracePeriod,
			Logger:    observability.CLILogger,
		}, nil
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown runner", fmt.Errorf("runner %q must be exec or container", runner))
	}
}

func runWorkerGuard(cmd *cobra.Command, _ []string) error {
	runID, _ := cmd.Flags().GetString("run-id")
	if err := runstore.ValidateRunID(runID); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
	}
	setup, err := newWorkerSetup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = setup.deps.Objects.Close() }()

	ctx := cmd.Context()
	dry := setup.cfg.Reconciler.DryRun
	opts := append([]statewriter.Option{statewriter.WithDryRun(dry)}, setup.deps.WriterOpts...)
	writer := statewriter.New(setup.deps.Objects, runID, setup.deps.Graph, opts...)
	runner := &worker.FleetRunner{
		Notifier: setup.deps.Notifier,
		Fleet:    setup.deps.Fleet,
		Identity: identitySource(setup.identity),
		DryRun:   dry,
		Logger:   observability.CLILogger,
	}

	rec, err := worker.NewGuard(writer, runner, setup.deps.Clock, observability.CLILogger).Check(ctx)
	switch {
	case errors.Is(err, worker.ErrAlreadyTerminal):
		observability.CLILogger.Info("Run already terminal; aborting", zap.String("run_id", runID), zap.String("state", rec.Current().String()))
		return nil
	case err != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Startup guard failed", err)
	}
	observability.CLILogger.Info("Run may proceed", zap.String("run_id", runID), zap.String("state", rec.Current().String()))
	return nil
}

type identitySource fleet.Identity

func (s identitySource) Identity(context.Context) (fleet.Identity, error) {
	return fleet.Identity(s), nil
}
