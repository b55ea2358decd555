package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BaSui01/dagflow/resume"
	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"github.com/BaSui01/dagflow/trace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// reindexer is implemented by stores with a rebuildable secondary index
type reindexer interface {
	Reindex(ctx context.Context) (int, error)
}

// withStore opens the run store for the duration of fn
func (a *app) withStore(fn func(st store.RunStore) error) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(st)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func newListCmd(a *app) *cobra.Command {
	var (
		dagID  string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.RunFilter{DagID: dagID, Status: run.Status(strings.ToLower(status)), Limit: limit}
			return a.withStore(func(st store.RunStore) error {
				runs, err := st.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), runs, a.jsonOut)
			})
		},
	}
	cmd.Flags().StringVar(&dagID, "dag", "", "only runs of this dag")
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs, 0 for all")
	return cmd
}

func printSummaries(w io.Writer, runs []store.RunSummary, asJSON bool) error {
	if asJSON {
		if runs == nil {
			runs = []store.RunSummary{}
		}
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tDAG\tSTATUS\tCREATED\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.DagID, r.Status, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	}
	return tw.Flush()
}

func newShowCmd(a *app) *cobra.Command {
	var withTrace bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run, its steps and optionally its trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			return a.withStore(func(st store.RunStore) error {
				r, ok := st.Get(cmd.Context(), runID)
				if !ok {
					return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
				}
				var t *run.Trace
				if withTrace {
					t, _ = st.GetTrace(cmd.Context(), runID)
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, struct {
						Run   *run.Run   `json:"run"`
						Trace *run.Trace `json:"trace,omitempty"`
					}{r, t})
				}
				if err := printRun(out, r); err != nil {
					return err
				}
				if withTrace {
					return printTrace(out, t)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withTrace, "trace", false, "include the execution trace")
	return cmd
}

func printRun(w io.Writer, r *run.Run) error {
	c := r.Counts()
	fmt.Fprintf(w, "Run:       %s\n", r.RunID)
	fmt.Fprintf(w, "DAG:       %s\n", r.DagID)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Created:   %s\n", formatTime(r.CreatedAt))
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "Retries:   %d\n", r.RetryCount)
	fmt.Fprintf(w, "Resumes:   %d\n", r.Metadata.ResumeCount)
	fmt.Fprintf(w, "Steps:     %d total, %d success, %d failed, %d skipped, %d pending\n",
		c.Total, c.Success, c.Failed, c.Skipped, c.Pending)
	if r.Metadata.FailureReason != "" {
		fmt.Fprintf(w, "Failure:   %s\n", r.Metadata.FailureReason)
	}

	if r.Len() == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tRETRIES\tDURATION\tDETAIL")
	for _, s := range r.Steps() {
		detail := s.Error
		if s.Status == run.StepSkipped {
			detail = s.Metadata.SkipReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.Status, s.RetryCount, s.MaxRetries, s.Duration().Round(time.Millisecond), detail)
	}
	return tw.Flush()
}

func printTrace(w io.Writer, t *run.Trace) error {
	fmt.Fprintln(w)
	if t == nil {
		fmt.Fprintln(w, "No trace recorded.")
		return nil
	}
	if t.Summary != nil {
		fmt.Fprintf(w, "Trace: %s\n", t.Summary.ExecutionSummary)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTEP\tEVENT\tATTEMPT\tDETAIL")
	for _, e := range t.Entries {
		detail := e.ErrorSummary
		if detail == "" {
			detail = e.OutputSummary
		}
		attempt := ""
		if e.Attempt > 0 {
			attempt = fmt.Sprint(e.Attempt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("15:04:05.000"), e.StepID, e.Event, attempt, detail)
	}
	return tw.Flush()
}

func newIncompleteCmd(a *app) *cobra.Command {
	var dagID string
	cmd := &cobra.Command{
		Use:   "incomplete",
		Short: "List runs with failed or unfinished steps and whether they can be resumed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st store.RunStore) error {
				mgr := resume.NewManager(st, trace.NewCollector(a.logger), a.logger)
				runs, err := mgr.FindIncompleteRuns(cmd.Context(), dagID)
				if err != nil {
					return err
				}

				states := make([]*resume.State, 0, len(runs))
				for _, r := range runs {
					s, err := mgr.ResumeState(cmd.Context(), r.RunID)
					if err != nil {
						a.logger.Warn("resume state unavailable", zap.String("run_id", r.RunID), zap.Error(err))
						continue
					}
					states = append(states, s)
				}
				return printStates(cmd.OutOrStdout(), states, a.jsonOut)
			})
		},
	}
	cmd.Flags().StringVar(&dagID, "dag", "", "only runs of this dag")
	return cmd
}

func printStates(w io.Writer, states []*resume.State, asJSON bool) error {
	if asJSON {
		return writeJSON(w, states)
	}
	if len(states) == 0 {
		fmt.Fprintln(w, "No incomplete runs.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tDAG\tSTATUS\tDONE\tFAILED\tPENDING\tRESUME AT\tRESUMABLE")
	for _, s := range states {
		resumable := "yes"
		if !s.CanResume {
			resumable = "no: " + s.Reason
		}
		point := s.ResumePoint
		if point == "" {
			point = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			s.RunID, s.DagID, s.Status, len(s.Completed), len(s.Failed), len(s.Pending), point, resumable)
	}
	return tw.Flush()
}

func newStatsCmd(a *app) *cobra.Command {
	var dagID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate run statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st store.RunStore) error {
				stats, err := st.Statistics(cmd.Context(), dagID)
				if err != nil {
					return err
				}
				mgr := resume.NewManager(st, trace.NewCollector(a.logger), a.logger)
				rs, err := mgr.Statistics(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, struct {
						Runs   *store.Statistics  `json:"runs"`
						Resume *resume.Statistics `json:"resume"`
					}{stats, rs})
				}
				return printStatistics(out, stats, rs)
			})
		},
	}
	cmd.Flags().StringVar(&dagID, "dag", "", "only runs of this dag")
	return cmd
}

func printStatistics(w io.Writer, s *store.Statistics, rs *resume.Statistics) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if s.DagID != "" {
		fmt.Fprintf(tw, "DAG:\t%s\n", s.DagID)
	}
	fmt.Fprintf(tw, "Total runs:\t%d\n", s.TotalRuns)
	fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(tw, "Average duration:\t%s\n", s.AverageDuration.Round(time.Millisecond))
	fmt.Fprintf(tw, "Total retries:\t%d\n", s.TotalRetries)
	for _, st := range []run.Status{
		run.StatusCreated, run.StatusRunning, run.StatusRetry, run.StatusSuccess,
		run.StatusPartialSuccess, run.StatusFailed, run.StatusCancelled,
	} {
		if n := s.StatusCounts[st]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", st, n)
		}
	}
	if rs != nil {
		fmt.Fprintf(tw, "Resumable (last %d):\t%d\n", rs.Scanned, rs.Resumable)
		fmt.Fprintf(tw, "Total resumes:\t%d\n", rs.TotalResumes)
	}
	return tw.Flush()
}

func newCleanupCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished runs older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.Store.Cleanup.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention must be positive, got %d day(s)", days)
			}
			return a.withStore(func(st store.RunStore) error {
				n, err := st.CleanupOlderThan(cmd.Context(), days)
				if err != nil {
					return err
				}
				a.logger.Info("cleanup finished", zap.Int("removed", n), zap.Int("days", days))
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run(s) older than %d day(s).\n", n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: store.cleanup.retention_days)")
	return cmd
}

func newReindexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the run index from the primary run records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st store.RunStore) error {
				ri, ok := st.(reindexer)
				if !ok {
					return fmt.Errorf("%s store keeps no rebuildable index", a.cfg.Store.Type)
				}
				n, err := ri.Reindex(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d run(s).\n", n)
				return nil
			})
		},
	}
}
