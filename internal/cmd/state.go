package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
	"github.com/3leaps/spotguard/pkg/statewriter"
	"github.com/3leaps/spotguard/pkg/transitions"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and write run state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show --run-id ID",
	Short: "Show the current state record of a run",
	RunE:  runStateShow,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history --run-id ID",
	Short: "Show the transition history of a run",
	Long: `Show the bounded history kept in state.json, or with --events the
full event projection under events/.`,
	RunE: runStateHistory,
}

var stateWriteCmd = &cobra.Command{
	Use:   "write --run-id ID --to STATE --reason REASON",
	Short: "Record a transition as operator or local actor",
	Long: `Write a state transition through the validated CAS writer.

Only the operator and local actors may be used from the command line; the
vm and reconciler actors belong to the worker and the reconciler.

Examples:
  spotguard state write --run-id exp-42 --to STOPPED --reason "budget exhausted"
  spotguard state write --run-id exp-42 --to RUNNING --actor local --reason manual_resume`,
	RunE: runStateWrite,
}

var stateHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the transition graph hash, version and edges",
	RunE:  runStateHash,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd, stateHistoryCmd, stateWriteCmd, stateHashCmd)

	for _, c := range []*cobra.Command{stateShowCmd, stateHistoryCmd, stateWriteCmd} {
		c.Flags().String("run-id", "", "Run id (required)")
		_ = c.MarkFlagRequired("run-id")
	}
	stateShowCmd.Flags().Bool("json", false, "Print the record as JSON")
	stateHistoryCmd.Flags().Bool("events", false, "List the events/ projection instead of the bounded history")
	stateWriteCmd.Flags().String("to", "", "Target state (required)")
	stateWriteCmd.Flags().String("reason", "", "Reason recorded with the transition (required)")
	stateWriteCmd.Flags().String("actor", string(runstate.ActorOperator), "Actor: operator or local")
	_ = stateWriteCmd.MarkFlagRequired("to")
	_ = stateWriteCmd.MarkFlagRequired("reason")
	stateHashCmd.Flags().Bool("edges", false, "Also list every allowed edge")
}

// runSession is an opened store plus graph for one run-scoped command.
type runSession struct {
	cfg     *config.Config
	objects objstore.Store
	runs    *runstore.Store
	graph   *transitions.Graph
}

func (s *runSession) Close() {
	_ = s.objects.Close()
}

func (s *runSession) writer(runID string) *statewriter.Writer {
	opts := append([]statewriter.Option{statewriter.WithDryRun(s.cfg.Reconciler.DryRun)}, writerOptions()...)
	return statewriter.New(s.objects, runID, s.graph, opts...)
}

func openRunSession(ctx context.Context) (*runSession, error) {
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
		_ = objs.Close()
		return nil, err
	}
	return &runSession{cfg: cfg, objects: objs, runs: runstore.New(objs), graph: graph}, nil
}

func runIDFlag(cmd *cobra.Command) (string, error) {
	runID, _ := cmd.Flags().GetString("run-id")
	runID = strings.TrimSpace(runID)
	if err := runstore.ValidateRunID(runID); err != nil {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
	}
	return runID, nil
}

func runStateShow(cmd *cobra.Command, _ []string) error {
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

	rec, gen, err := sess.writer(runID).ReadState(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read state", err)
	}
	if rec == nil {
		return exitError(foundry.ExitFileNotFound, "Run has no recorded state", fmt.Errorf("run %s", runID))
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	status, _, err := sess.runs.ReadStatus(ctx, runID)
	if err != nil {
		status = "?"
	}
	hbAge := "-"
	if hb, err := sess.runs.ReadHeartbeat(ctx, runID); err == nil && hb != nil {
		hbAge = fmt.Sprintf("%s (%s)", hb.Age(time.Now()).Truncate(time.Second), hb.Phase)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Field", "Value")
	table.Append([]string{"run_id", runID})
	table.Append([]string{"state", rec.State.String()})
	table.Append([]string{"prev_state", rec.PrevState.String()})
	table.Append([]string{"status.txt", status})
	table.Append([]string{"attempt", fmt.Sprintf("%d", rec.Attempt)})
	table.Append([]string{"instance", rec.InstanceName})
	table.Append([]string{"zone", rec.Zone})
	table.Append([]string{"updated_at", rec.UpdatedAt.Format(time.RFC3339)})
	table.Append([]string{"updated_by", string(rec.UpdatedBy)})
	table.Append([]string{"reason", rec.Reason})
	table.Append([]string{"state_version", fmt.Sprintf("%d", rec.StateVersion)})
	table.Append([]string{"generation", string(gen)})
	table.Append([]string{"heartbeat_age", hbAge})
	table.Render()
	return nil
}

func runStateHistory(cmd *cobra.Command, _ []string) error {
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

	w := sess.writer(runID)
	events, _ := cmd.Flags().GetBool("events")
	if events {
		list, err := w.Events(ctx)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list events", err)
		}
		printEvents(cmd.OutOrStdout(), list)
		return nil
	}

	rec, _, err := w.ReadState(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read state", err)
	}
	if rec == nil {
		return exitError(foundry.ExitFileNotFound, "Run has no recorded state", fmt.Errorf("run %s", runID))
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("AT", "FROM", "TO", "BY", "REASON")
	for _, h := range rec.History {
		table.Append(h.At.Format(time.RFC3339), h.From.String(), h.To.String(), string(h.By), h.Reason)
	}
	table.Render()
	return nil
}

func printEvents(w io.Writer, events []statewriter.Event) {
	table := tablewriter.NewWriter(w)
	table.Header("AT", "FROM", "TO", "ACTOR", "ATTEMPT", "VERSION", "REASON")
	for _, e := range events {
		table.Append(e.At.Format(time.RFC3339), e.From.String(), e.To.String(), string(e.Actor),
			fmt.Sprintf("%d", e.Attempt), fmt.Sprintf("%d", e.StateVersion), e.Reason)
	}
	table.Render()
}

func runStateWrite(cmd *cobra.Command, _ []string) error {
	runID, err := runIDFlag(cmd)
	if err != nil {
		return err
	}
	toName, _ := cmd.Flags().GetString("to")
	reason, _ := cmd.Flags().GetString("reason")
	actorName, _ := cmd.Flags().GetString("actor")

	to, err := runstate.ParseState(toName)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --to", err)
	}
	actor, err := runstate.ParseActor(actorName)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --actor", err)
	}
	if actor != runstate.ActorOperator && actor != runstate.ActorLocal {
		return exitError(foundry.ExitInvalidArgument, "Invalid --actor",
			fmt.Errorf("actor %q is reserved; use operator or local", actor))
	}
	if strings.TrimSpace(reason) == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --reason", fmt.Errorf("reason is required"))
	}

	ctx := cmd.Context()
	sess, err := openRunSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := sess.writer(runID).WriteState(ctx, to, reason, actor)
	if err != nil {
		if transitions.IsRejected(err) {
			return exitError(foundry.ExitInvalidArgument, "Transition rejected", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to write state", err)
	}
	prefix := ""
	if res.DryRun {
		prefix = "[DRY-RUN] "
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s%s: %s -> %s (actor=%s, attempt=%d)\n",
		prefix, runID, res.From, res.Record.State, actor, res.Record.Attempt)
	return nil
}

func runStateHash(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	graph, err := loadGraph(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "version=%s hash=%s\n", graph.Version(), graph.Hash())

	if edges, _ := cmd.Flags().GetBool("edges"); edges {
		table := tablewriter.NewWriter(out)
		table.Header("FROM", "TO", "ACTORS")
		for _, e := range graph.Edges() {
			who := "any"
			if actors, guarded := graph.Guard(e.From, e.To); guarded {
				names := make([]string, 0, len(actors))
				for _, a := range actors {
					names = append(names, string(a))
				}
				who = strings.Join(names, ",")
			}
			table.Append(e.From.String(), e.To.String(), who)
		}
		table.Render()
	}
	return nil
}
