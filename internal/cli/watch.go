package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/report"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/runner"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <run-dir>",
	Short: "Follow a run's progress as scores are written",
	Long: `Prints the run's score statistics every time a task finishes, until
interrupted or the run's summary is written.

Example:
  aweval watch eval_log/glm-0911`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		out := cmd.OutOrStdout()

		ctx, cancel := signalContext(out)
		defer cancel()

		printProgress(out, dir)
		w := runner.NewWatcher(dir, watchDebounce, func() {
			if printProgress(out, dir) {
				cancel()
			}
		}, logger)

		err := w.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "wait for writes to settle before refreshing")
}

// printProgress prints one progress line and reports whether the run is
// finished.
func printProgress(w io.Writer, dir string) bool {
	st, err := report.Stat(dir)
	if err != nil {
		fmt.Fprintf(w, "%s  waiting: %v\n", time.Now().Format("15:04:05"), err)
		return false
	}
	fmt.Fprintf(w, "%s  %s\n", time.Now().Format("15:04:05"), st)

	sum, err := result.LoadSummary(dir)
	if err != nil {
		return false
	}
	fmt.Fprint(w, result.FormatFinalResult(sum))
	return true
}
