package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/report"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats <run-dir>",
	Short: "Aggregate the score files of a run",
	Long: `Reads score.txt in every task directory of a run and prints the number of
tasks, the total score and the success rate. Task directories without a score
count toward the total with no score.

Example:
  aweval stats eval_log/glm-0911`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := report.Stat(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statsJSON {
			return outputJSON(out, struct {
				report.DirStats
				SuccessRate float64 `json:"success_rate"`
			}{st, st.SuccessRate()})
		}

		fmt.Fprintln(out, st.String())
		if len(st.Unscored) > 0 {
			fmt.Fprintf(out, "Unscored: %s\n", strings.Join(st.Unscored, ", "))
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
}
