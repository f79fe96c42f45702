package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
)

var submitCmd = &cobra.Command{
	Use:   "submit --run-id ID -f restart.yaml",
	Short: "Validate and store the restart config of a run",
	Long: `Validate a restart config (YAML or JSON) against the embedded schema and
write it as runs/<run_id>/restart_config.json. Restarts read this document
to provision replacement workers.

Examples:
  spotguard submit --run-id exp-42 -f restart.yaml
  spotguard submit --run-id exp-42 -f restart.yaml --validate-only`,
	RunE: runSubmit,
}

var stopCmd = &cobra.Command{
	Use:   "stop --run-id ID",
	Short: "Stop a run and prevent further restarts",
	Long: `Write the .stop marker, which blocks every restart, then record STOPPED
as operator when the current state allows it.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(stopCmd)

	submitCmd.Flags().String("run-id", "", "Run id (required)")
	submitCmd.Flags().StringP("file", "f", "", "Restart config file (required)")
	submitCmd.Flags().Bool("validate-only", false, "Validate the file without writing it")
	submitCmd.Flags().Bool("force", false, "Replace an existing restart config")
	_ = submitCmd.MarkFlagRequired("run-id")
	_ = submitCmd.MarkFlagRequired("file")

	stopCmd.Flags().String("run-id", "", "Run id (required)")
	stopCmd.Flags().String("reason", "operator_stop", "Reason recorded with STOPPED")
	_ = stopCmd.MarkFlagRequired("run-id")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	runID, err := runIDFlag(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	rc, err := runstore.LoadRestartConfig(path)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid restart config", err)
	}
	out := cmd.OutOrStdout()
	if validateOnly, _ := cmd.Flags().GetBool("validate-only"); validateOnly {
		_, _ = fmt.Fprintf(out, "%s: restart config valid (zones=%v, max_restarts=%d)\n", runID, rc.Zones(), rc.MaxRestarts())
		return nil
	}

	ctx := cmd.Context()
	sess, err := openRunSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	force, _ := cmd.Flags().GetBool("force")
	existing, err := sess.runs.ReadRestartConfig(ctx, runID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read restart config", err)
	}
	if existing != nil && !force {
		return exitError(foundry.ExitInvalidArgument, "Restart config already exists",
			fmt.Errorf("run %s already has a restart config; use --force to replace it", runID))
	}
	if sess.cfg.Reconciler.DryRun {
		_, _ = fmt.Fprintf(out, "[DRY-RUN] would write restart config for %s\n", runID)
		return nil
	}
	if err := sess.runs.WriteRestartConfig(ctx, runID, *rc); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write restart config", err)
	}
	observability.CLILogger.Info("Restart config stored", zap.String("run_id", runID), zap.Strings("zones", rc.Zones()))
	_, _ = fmt.Fprintf(out, "%s: restart config stored\n", runID)
	return nil
}

func runStop(cmd *cobra.Command, _ []string) error {
	runID, err := runIDFlag(cmd)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")
	ctx := cmd.Context()
	sess, err := openRunSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	dry := sess.cfg.Reconciler.DryRun
	if dry {
		_, _ = fmt.Fprintf(out, "[DRY-RUN] would write .stop for %s\n", runID)
	} else if err := sess.runs.SetMarker(ctx, runID, runstore.MarkerStop, operatorName(), time.Now().UTC()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write stop marker", err)
	}

	w := sess.writer(runID)
	rec, _, err := w.ReadState(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read state", err)
	}
	if runstate.IsTerminal(rec.Current()) {
		_, _ = fmt.Fprintf(out, "%s: already %s; restarts blocked\n", runID, rec.Current())
		return nil
	}

	res, err := w.WriteState(ctx, runstate.StateStopped, reason, runstate.ActorOperator)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Stop marker written but STOPPED not recorded", err)
	}
	_, _ = fmt.Fprintf(out, "%s: %s -> %s\n", runID, res.From, res.Record.State)
	return nil
}
