package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/env"
	"github.com/lemon07r/aweval/internal/runner"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print the step budget of every task type",
	Long: `Resets environment 0 and asks it for the max steps of every task type in
its suite. Task types whose budget cannot be read fall back to the configured
max_steps during eval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.ErrOrStderr())
		defer cancel()

		results, err := runner.New(cfg, logger).Probe(ctx)
		if err != nil {
			return err
		}
		printProbe(cmd.OutOrStdout(), results, cfg.Harness.MaxSteps)
		return nil
	},
}

func printProbe(w io.Writer, results []runner.ProbeResult, fallback int) {
	for _, r := range results {
		switch {
		case r.Err == nil:
			fmt.Fprintf(w, "%s: %d\n", r.TaskType, r.MaxSteps)
		case errors.Is(r.Err, env.ErrUnsupported):
			fmt.Fprintf(w, "%s: unsupported (fallback %d)\n", r.TaskType, fallback)
		default:
			fmt.Fprintf(w, "%s: error: %v\n", r.TaskType, r.Err)
		}
	}
}
