package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/report"
	"github.com/lemon07r/aweval/internal/result"
)

var compareCmd = &cobra.Command{
	Use:   "compare <dir> [dir...]",
	Short: "Compare multiple runs side-by-side",
	Long: `Compare two or more run directories and print a table of per-task scores,
one column per run, with each run's mean score.`,
	Example: `  aweval compare eval_log/glm-0911 eval_log/qwen-0911
  aweval compare eval_log/*-0911`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		names := make([]string, 0, len(args))
		runs := make([]*result.Summary, 0, len(args))
		for _, dir := range args {
			s, err := result.LoadSummary(dir)
			if err != nil {
				return fmt.Errorf("loading summary from %s: %w", dir, err)
			}
			name := s.ExpName
			if name == "" {
				name = filepath.Base(dir)
			}
			names = append(names, name)
			runs = append(runs, s)
		}

		fmt.Fprint(cmd.OutOrStdout(), report.Compare(names, runs))
		return nil
	},
}
