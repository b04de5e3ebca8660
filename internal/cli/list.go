package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/runner"
)

var listJSON bool

// listedTask is one row of `aweval list`.
type listedTask struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the suite task types",
	Long: `Lists the task types of the suite served by environment 0, with the task
id that selects each one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.EnvTimeout())
		defer cancel()

		types, err := runner.New(cfg, logger).TaskTypes(ctx)
		if err != nil {
			return err
		}

		tasks := make([]listedTask, len(types))
		for i, t := range types {
			tasks[i] = listedTask{ID: i, Type: t}
		}

		if listJSON {
			return outputJSON(cmd.OutOrStdout(), tasks)
		}
		return outputTable(cmd.OutOrStdout(), tasks)
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputTable(w io.Writer, tasks []listedTask) error {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK TYPE")
	fmt.Fprintln(tw, "--\t---------")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\n", t.ID, t.Type)
	}
	return tw.Flush()
}
