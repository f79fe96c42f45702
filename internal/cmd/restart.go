package cmd

import (
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/spotguard/pkg/restart"
	"github.com/3leaps/spotguard/pkg/runstate"
)

var restartCmd = &cobra.Command{
	Use:   "restart --run-id ID",
	Short: "Restart a preempted or orphaned run through the restart lock",
	Long: `Restart a run as the local actor.

The run must be PREEMPTED or ORPHANED, have a restart config, no .stop
marker and restarts left. The restart lock serializes this with the
reconciler; a contended lock is reported and nothing is changed. This
command does not consult the bucket-level auto-restart flag.

Examples:
  spotguard restart --run-id exp-42
  spotguard restart --run-id exp-42 --check
  spotguard restart auto on`,
	RunE: runRestart,
}

var restartAutoCmd = &cobra.Command{
	Use:   "auto [on|off]",
	Short: "Show or set the bucket-level flag that lets the reconciler restart runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRestartAuto,
}

func init() {
	rootCmd.AddCommand(restartCmd)
	restartCmd.AddCommand(restartAutoCmd)
	restartCmd.Flags().String("run-id", "", "Run id")
	restartCmd.Flags().Bool("check", false, "Only report whether the run is eligible")
}

func runRestart(cmd *cobra.Command, _ []string) error {
	runID, err := runIDFlag(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := openRunSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctrl, err := newFleet(ctx, sess.cfg)
	if err != nil {
		return err
	}
	dry := sess.cfg.Reconciler.DryRun
	r := restart.New(sess.objects, sess.graph, ctrl, restartOptions(newNotifier(sess.cfg), dry)...)

	out := cmd.OutOrStdout()
	if check, _ := cmd.Flags().GetBool("check"); check {
		outcome, err := r.Eligible(ctx, runID)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Eligibility check failed", err)
		}
		if outcome == "" {
			_, _ = fmt.Fprintf(out, "%s: eligible\n", runID)
			return nil
		}
		_, _ = fmt.Fprintf(out, "%s: not eligible (%s)\n", runID, outcome)
		return nil
	}

	outcome, err := r.Restart(ctx, runID, runstate.ActorLocal)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Restart failed", err)
	}
	_, _ = fmt.Fprintf(out, "%s: %s\n", runID, outcome)
	switch outcome {
	case restart.OutcomeRestarted, restart.OutcomeDryRun:
		return nil
	default:
		return exitError(foundry.ExitInvalidArgument, "Run not restarted", fmt.Errorf("outcome %s", outcome))
	}
}

func runRestartAuto(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := openRunSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		enabled, err := sess.runs.RestartEnabled(ctx)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read restart flag", err)
		}
		_, _ = fmt.Fprintf(out, "auto_restart=%t\n", enabled)
		return nil
	}

	var enabled bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "enable":
		enabled = true
	case "off", "false", "disable":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid argument", fmt.Errorf("expected on or off, got %q", args[0]))
	}
	if sess.cfg.Reconciler.DryRun {
		_, _ = fmt.Fprintf(out, "[DRY-RUN] would set auto_restart=%t\n", enabled)
		return nil
	}
	if err := sess.runs.SetRestartEnabled(ctx, enabled, operatorName(), time.Now().UTC()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write restart flag", err)
	}
	_, _ = fmt.Fprintf(out, "auto_restart=%t\n", enabled)
	return nil
}

// operatorName identifies the local user in markers.
func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return string(runstate.ActorOperator)
}
