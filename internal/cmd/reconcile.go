package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/output"
	"github.com/3leaps/spotguard/pkg/reconciler"
	"github.com/3leaps/spotguard/pkg/transitions"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over every run",
	Long: `Reconcile recorded run state against heartbeats and the fleet.

For each run under runs/ the pass repairs status.txt drift, recovers runs
stuck in RESTARTING, tracks stale heartbeats across passes, confirms dead
workers against the compute API, and restarts eligible runs when the
bucket-level restart flag is set.

Examples:
  spotguard reconcile --dry-run
  spotguard reconcile --run 'exp-*' --json`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringArray("run", nil, "Only reconcile run ids matching this glob (repeatable)")
	reconcileCmd.Flags().Bool("json", false, "Print the report as JSONL records")
}

// reconcileEnv is a reconciler with the store it owns.
type reconcileEnv struct {
	objects objstore.Store
	graph   *transitions.Graph
	fleet   fleet.Controller
	rec     *reconciler.Reconciler
}

func (e *reconcileEnv) Close() {
	_ = e.objects.Close()
}

func newReconcileEnv(ctx context.Context, cfg *config.Config, globs []string) (*reconcileEnv, error) {
	objs, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	graph, err := loadGraph(cfg)
	if err != nil {
		_ = objs.Close()
		return nil, err
	}
	ctrl, err := newFleet(ctx, cfg)
	if err != nil {
		_ = objs.Close()
		return nil, err
	}
	if len(globs) == 0 {
		globs = cfg.Reconciler.RunGlobs
	}

	notifier := newNotifier(cfg)
	opts := reconciler.Options{
		Config:        cfg.ReconcilerSettings(),
		DryRun:        cfg.Reconciler.DryRun,
		RunGlobs:      globs,
		RatePerSecond: cfg.Reconciler.RateLimit,
		Logger:        observability.CLILogger,
		Notifier:      notifier,
		WriterOpts:    writerOptions(),
		RestartOpts:   restartOptions(notifier, cfg.Reconciler.DryRun),
	}
	if observability.TelemetrySystem != nil {
		opts.Recorder = observability.TelemetrySystem
	}
	rec, err := reconciler.New(objs, graph, ctrl, opts)
	if err != nil {
		_ = objs.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid reconciler configuration", err)
	}
	return &reconcileEnv{objects: objs, graph: graph, fleet: ctrl, rec: rec}, nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	globs, _ := cmd.Flags().GetStringArray("run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	env, err := newReconcileEnv(ctx, cfg, globs)
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := env.rec.ReconcileAll(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Reconcile pass failed", err)
	}
	observability.CLILogger.Info("Reconcile pass finished",
		zap.Int("runs", report.Runs),
		zap.Int("actions", len(report.Actions)),
		zap.Int("errors", len(report.Errors)),
		zap.Bool("dry_run", report.DryRun))

	if jsonOutput {
		if err := writeReportJSONL(ctx, cmd.OutOrStdout(), cfg.Store.Provider, report); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write report", err)
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}

	if len(report.Errors) > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Some runs failed to reconcile",
			fmt.Errorf("%d of %d runs failed", len(report.Errors), report.Runs))
	}
	return nil
}

func printReport(w io.Writer, report reconciler.Report) {
	if w == nil {
		w = os.Stdout
	}
	if report.DryRun {
		_, _ = fmt.Fprintln(w, "[DRY-RUN] no changes were written")
	}
	_, _ = fmt.Fprintf(w, "runs=%d transitions_hash=%s\n", report.Runs, report.TransitionsHash)
	if len(report.Results) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("RUN", "ACTION", "RESTART", "DRIFT", "ERROR")
	for _, r := range report.Results {
		action := string(r.Action)
		if action == "" {
			action = "-"
		}
		drift := ""
		if r.DriftDetected {
			drift = "yes"
		}
		table.Append(r.RunID, action, string(r.Restart), drift, r.Error)
	}
	table.Render()
}

// writeReportJSONL emits one action record per run, an error record per
// failed run and a closing summary.
func writeReportJSONL(ctx context.Context, w io.Writer, provider string, report reconciler.Report) error {
	jw := output.NewJSONLWriter(w, uuid.NewString(), provider)
	defer func() { _ = jw.Close() }()

	for _, r := range report.Results {
		if err := jw.WriteAction(ctx, &output.ActionRecord{
			RunID:   r.RunID,
			Action:  string(r.Action),
			Restart: string(r.Restart),
			Drift:   r.DriftDetected,
			Error:   r.Error,
		}); err != nil {
			return err
		}
	}

	failed := make([]string, 0, len(report.Errors))
	for id := range report.Errors {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		if err := jw.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeReconcile,
			Message: report.Errors[id],
			RunID:   id,
		}); err != nil {
			return err
		}
	}

	counts := make(map[string]int, len(report.Actions))
	for _, a := range report.Actions {
		counts[string(a)]++
	}
	elapsed := report.FinishedAt.Sub(report.StartedAt)
	return jw.WriteSummary(ctx, &output.SummaryRecord{
		Runs:            report.Runs,
		Actions:         counts,
		Errors:          len(report.Errors),
		DryRun:          report.DryRun,
		TransitionsHash: report.TransitionsHash,
		Duration:        elapsed,
		DurationHuman:   elapsed.String(),
	})
}
