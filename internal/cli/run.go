package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/env"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/runner"
	"github.com/lemon07r/aweval/internal/task"
)

var (
	runEnv      int
	runExpName  string
	runMaxSteps int
)

var runCmd = &cobra.Command{
	Use:   "run <task>...",
	Short: "Run tasks one after another on one environment",
	Long: `Plays the given tasks on one environment and prints their trace locations
and scores. Useful for checking an environment or a prompt change before a
full eval.

A task is a suite index, a task type name, or a unique prefix of one.

Examples:
  aweval run 12
  aweval run ContactsAddContact
  aweval run clock contacts 40 --env 3`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if runEnv < 0 {
			return fmt.Errorf("--env must be non-negative")
		}
		cfg.Env.BasePort += runEnv
		if runMaxSteps > 0 {
			cfg.Harness.MaxSteps = runMaxSteps
		}
		if runExpName != "" {
			cfg.Harness.ExpName = runExpName
		}

		r := runner.New(cfg, logger)

		lookupCtx, cancelLookup := context.WithTimeout(context.Background(), cfg.EnvTimeout())
		types, err := r.TaskTypes(lookupCtx)
		cancelLookup()
		if err != nil {
			return err
		}
		ids, err := task.ResolveRefs(types, args)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		ctx, cancel := signalContext(out)
		defer cancel()

		addr := env.Addr(cfg.Env.Host, cfg.Env.BasePort, 0)
		for _, id := range ids {
			fmt.Fprintf(out, "Running task %d (%s) on %s\n", id, types[id], addr)
		}
		sum, err := r.Run(ctx, runner.Options{IDs: ids, Workers: 1, Version: Version})
		if sum != nil {
			fmt.Fprint(out, result.FormatFinalResult(sum))
			store := result.NewStore(r.RunDir(sum.ExpName))
			for _, o := range sum.Outcomes {
				fmt.Fprintf(out, " %s: %s  %s\n", o.TaskType, result.FormatScore(o.Score), store.TaskDir(o.TaskType))
			}
			fmt.Fprintln(out)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // Graceful shutdown
			}
			return err
		}

		if len(sum.Outcomes) < len(ids) {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runEnv, "env", 0, "environment index")
	runCmd.Flags().StringVar(&runExpName, "exp-name", "", "experiment name (default: aw-<timestamp>)")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "step budget when the environment reports none")
}
