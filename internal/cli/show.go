package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/report"
	"github.com/lemon07r/aweval/internal/result"
)

var (
	showJSON   bool
	showEvents bool
)

var showCmd = &cobra.Command{
	Use:   "show <run-dir> [task-type]",
	Short: "Display run results or one task's trace",
	Long: `Shows the summary of a previous run, or, given a task type, the recorded
steps of that task.

Examples:
  aweval show eval_log/glm-0911
  aweval show eval_log/glm-0911 ContactsAddContact
  aweval show eval_log/glm-0911 --json
  aweval show eval_log/glm-0911 --events`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		dir := args[0]

		if len(args) == 2 {
			return showTask(out, result.NewStore(dir), args[1])
		}
		if showEvents {
			return showJournal(out, dir)
		}

		sum, err := result.LoadSummary(dir)
		if err != nil {
			return err
		}
		if showJSON {
			return outputJSON(out, sum)
		}
		displaySummary(out, sum, dir)
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "output as JSON")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "print the scheduler journal")
}

func displaySummary(w io.Writer, sum *result.Summary, dir string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, " RUN: %s (%s)\n", sum.ExpName, sum.ID)
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	counts := sum.Counts()
	for _, st := range []result.Status{result.StatusPass, result.StatusFail, result.StatusUnscored, result.StatusAbandoned, result.StatusIncomplete} {
		fmt.Fprintf(w, " %s %-11s %d\n", result.StatusEmoji[st], st, counts[st])
	}
	if sum.MeanScore != nil {
		fmt.Fprintf(w, " Mean score:    %.2f%%\n", *sum.MeanScore)
	}
	fmt.Fprintf(w, " Duration:      %s\n", sum.TotalTime.Round(1e6))
	fmt.Fprintf(w, " Started:       %s\n", sum.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w)

	fmt.Fprint(w, report.Table(sum.Outcomes))
	fmt.Fprintln(w)

	if len(sum.Abandoned) > 0 {
		fmt.Fprintln(w, " Abandoned:")
		for _, id := range sum.Abandoned {
			reason := ""
			if rs := sum.AbortReasons[id]; len(rs) > 0 {
				reason = rs[len(rs)-1]
			}
			fmt.Fprintf(w, "   • task %d after %d failures: %s\n", id, sum.FailureCounts[id], reason)
		}
	}
	if len(sum.Incomplete) > 0 {
		fmt.Fprintf(w, " Incomplete: %v\n", sum.Incomplete)
	}

	fmt.Fprintln(w, " Workers:")
	for _, wk := range sum.Workers {
		fmt.Fprintf(w, "   env %d: %d completed, %s\n", wk.Worker, wk.Completed, wk.Reason)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, " Report:    %s\n", filepath.Join(dir, result.ReportFile))
	fmt.Fprintf(w, " Journal:   %s\n", filepath.Join(dir, result.JournalFile))
	fmt.Fprintln(w)
}

func showTask(w io.Writer, store *result.Store, taskType string) error {
	steps, err := store.LoadSteps(taskType)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("no steps recorded for %s in %s", taskType, store.Root())
	}
	score, err := store.ReadScore(taskType)
	if err != nil {
		score = nil
	}

	if showJSON {
		return outputJSON(w, steps)
	}

	fmt.Fprintf(w, "%s: %d steps, score %s\n", taskType, len(steps), result.FormatScore(score))
	fmt.Fprintf(w, "Goal: %s\n\n", steps[0].Instruction)
	for i, s := range steps {
		fmt.Fprintf(w, "Step %d\n", i)
		fmt.Fprintf(w, "  Memory: %s\n", deref(s.Parsed.Memory))
		fmt.Fprintf(w, "  Reason: %s\n", deref(s.Parsed.Reason))
		fmt.Fprintf(w, "  Action: %s\n", deref(s.Parsed.Action))
		if s.EnvAction != nil {
			data, _ := json.Marshal(s.EnvAction)
			fmt.Fprintf(w, "  Executed: %s\n", data)
		}
	}
	return nil
}

// showJournal prints the scheduler events of a run, one per line.
func showJournal(w io.Writer, dir string) error {
	events, err := result.ReadJournal(dir)
	if err != nil {
		return err
	}
	if showJSON {
		return outputJSON(w, events)
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  env %-3d %-11s", e.Time.Format("15:04:05.000"), e.Worker, e.Kind)
		if e.TaskID != nil {
			fmt.Fprintf(w, " task %d", *e.TaskID)
		}
		if e.TaskType != "" {
			fmt.Fprintf(w, " (%s)", e.TaskType)
		}
		if e.Score != nil {
			fmt.Fprintf(w, " score %s", result.FormatScore(e.Score))
		}
		if e.Failures > 0 {
			fmt.Fprintf(w, " failures %d", e.Failures)
		}
		if e.Reason != "" {
			fmt.Fprintf(w, ": %s", e.Reason)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "None"
	}
	return strings.TrimSpace(*s)
}
