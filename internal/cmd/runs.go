package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/spotguard/pkg/output"
	"github.com/3leaps/spotguard/pkg/runstate"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Work with the runs in the bucket",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs with state, status and heartbeat age",
	Long: `List every run under runs/ with its recorded state, status.txt value,
attempt, instance and heartbeat age.

Examples:
  spotguard runs list
  spotguard runs list --match 'exp-*' --json`,
	RunE: runRunsList,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsListCmd.Flags().String("match", "", "Only list run ids matching this glob")
	runsListCmd.Flags().Bool("json", false, "Output as JSONL records")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sess, err := openRunSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	match, _ := cmd.Flags().GetString("match")
	if match != "" && !doublestar.ValidatePattern(match) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match", fmt.Errorf("bad glob %q", match))
	}

	ids, err := sess.runs.ListRuns(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list runs", err)
	}
	if match != "" {
		kept := ids[:0]
		for _, id := range ids {
			if ok, _ := doublestar.Match(match, id); ok {
				kept = append(kept, id)
			}
		}
		ids = kept
	}

	rows := make([]output.RunRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, sess.cfg.Workers))
	now := time.Now()
	for i, id := range ids {
		g.Go(func() error {
			rows[i] = summarizeRun(gctx, sess, id, now)
			return nil
		})
	}
	_ = g.Wait()

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		w := output.NewJSONLWriter(out, uuid.NewString(), sess.cfg.Store.Provider)
		defer func() { _ = w.Close() }()
		for i := range rows {
			if err := w.WriteRun(ctx, &rows[i]); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return nil
	}

	if len(rows) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("RUN", "STATE", "STATUS", "ATTEMPT", "INSTANCE", "ZONE", "HEARTBEAT")
	for _, r := range rows {
		state := r.State
		if r.Error != "" {
			state = "error: " + r.Error
		}
		status := r.Status
		if r.Drift {
			status += " (drift)"
		}
		table.Append(r.RunID, state, status, fmt.Sprintf("%d", r.Attempt), r.Instance, r.Zone, r.HeartbeatAge)
	}
	table.Render()
	return nil
}

func summarizeRun(ctx context.Context, sess *runSession, runID string, now time.Time) output.RunRecord {
	row := output.RunRecord{RunID: runID}
	rec, _, err := sess.writer(runID).ReadState(ctx)
	if err != nil {
		row.Error = err.Error()
		return row
	}
	row.State = rec.Current().String()
	if rec != nil {
		row.Attempt = rec.Attempt
		row.Instance = rec.InstanceName
		row.Zone = rec.Zone
	}

	if status, ok, err := sess.runs.ReadStatus(ctx, runID); err == nil && ok {
		row.Status = status
		row.Drift = rec != nil && status != runstate.StatusCompat(rec.Current())
	}
	if hb, err := sess.runs.ReadHeartbeat(ctx, runID); err == nil && hb != nil {
		row.HeartbeatAge = hb.Age(now).Truncate(time.Second).String()
	}
	return row
}
