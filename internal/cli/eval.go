package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lemon07r/aweval/internal/config"
	"github.com/lemon07r/aweval/internal/env"
	"github.com/lemon07r/aweval/internal/report"
	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/runner"
)

var (
	evalNumWorlds    int
	evalNumTasks     int
	evalTasks        string
	evalMaxSteps     int
	evalSeed         int64
	evalInferenceURL string
	evalModel        string
	evalOutput       string
	evalExpName      string
	evalPromptsDir   string
	evalBackend      string
	evalProvision    bool
	evalDryRun       bool
	evalJoin         bool
	evalStrict       bool
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate the agent on the task suite",
	Long: `Runs the selected tasks on num_worlds environments in parallel and reports
the score of every task.

Environment i is expected at http://<env.host>:<env.base_port+i>, or is
started in Docker with --provision. Results are written under
<result_dir>/<exp_name>/, one directory per task type.

Examples:
  aweval eval
  aweval eval --num-worlds 8 --tasks 0-19
  aweval eval --inference-url http://10.0.0.2:5002/v1/chat/completions --exp-name glm-local
  aweval eval --provision --num-worlds 4
  aweval eval --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyEvalFlags(cmd.Flags(), cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ids, err := runner.SelectIDs(cfg)
		if err != nil {
			return err
		}

		var opts []runner.Option
		if cfg.Docker.Provision && !evalDryRun {
			p, err := runner.NewProvisioner(provisionConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()
			opts = append(opts, runner.WithProvisioner(p))
		}
		r := runner.New(cfg, logger, opts...)

		out := cmd.OutOrStdout()
		if evalDryRun {
			printPlan(out, cfg, r, ids)
			return nil
		}

		ctx, cancel := signalContext(out)
		defer cancel()

		sum, err := r.Run(ctx, runner.Options{IDs: ids, Join: evalJoin, Version: Version})
		if sum != nil {
			printRunReport(out, sum, r.RunDir(sum.ExpName))
		}
		if err != nil {
			return err
		}

		if evalStrict && (len(sum.Abandoned) > 0 || len(sum.Incomplete) > 0) {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	f := evalCmd.Flags()
	f.IntVar(&evalNumWorlds, "num-worlds", 0, "number of environments (default from config)")
	f.IntVar(&evalNumTasks, "num-tasks", 0, "evaluate task ids 0..n-1 (default from config)")
	f.StringVar(&evalTasks, "tasks", "", "task id selection, e.g. 0-9,12 (overrides --num-tasks)")
	f.IntVar(&evalMaxSteps, "max-steps", 0, "step budget when the environment reports none")
	f.Int64Var(&evalSeed, "seed", 0, "suite seed, -1 for random (default from config)")
	f.StringVar(&evalInferenceURL, "inference-url", "", "chat completions endpoint")
	f.StringVar(&evalModel, "model", "", "model name sent to the hosted endpoint")
	f.StringVarP(&evalOutput, "output", "o", "", "result directory (default from config)")
	f.StringVar(&evalExpName, "exp-name", "", "experiment name (default: aw-<timestamp>)")
	f.StringVar(&evalPromptsDir, "prompts-dir", "", "directory with prompt template overrides")
	f.StringVar(&evalBackend, "backend", "", "scheduler backend: memory or redis")
	f.BoolVar(&evalProvision, "provision", false, "start the environments in Docker")
	f.BoolVar(&evalDryRun, "dry-run", false, "print the plan without contacting anything")
	f.BoolVar(&evalJoin, "join", false, "join a run another process enqueued (redis backend; needs --exp-name and a fixed --seed)")
	f.BoolVar(&evalStrict, "strict", false, "exit non-zero when a task is abandoned or incomplete")
}

// applyEvalFlags overrides cfg with the flags the user set.
func applyEvalFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	set := func(name string) bool { return flags.Changed(name) }

	if set("num-worlds") {
		if evalNumWorlds <= 0 {
			return fmt.Errorf("--num-worlds must be positive")
		}
		cfg.Harness.NumWorlds = evalNumWorlds
	}
	if set("num-tasks") {
		if evalNumTasks <= 0 {
			return fmt.Errorf("--num-tasks must be positive")
		}
		cfg.Harness.NumTasks = evalNumTasks
		cfg.Harness.Tasks = ""
	}
	if set("tasks") {
		cfg.Harness.Tasks = evalTasks
	}
	if set("max-steps") {
		if evalMaxSteps <= 0 {
			return fmt.Errorf("--max-steps must be positive")
		}
		cfg.Harness.MaxSteps = evalMaxSteps
	}
	if set("seed") {
		if evalSeed < runner.RandomSeed {
			return fmt.Errorf("--seed must be -1 or non-negative")
		}
		cfg.Harness.Seed = evalSeed
	}
	if set("inference-url") {
		cfg.Inference.URL = evalInferenceURL
	}
	if set("model") {
		cfg.Inference.Model = evalModel
	}
	if set("output") {
		cfg.Harness.ResultDir = evalOutput
	}
	if set("exp-name") {
		cfg.Harness.ExpName = evalExpName
	}
	if set("prompts-dir") {
		cfg.Harness.PromptsDir = evalPromptsDir
	}
	if set("backend") {
		cfg.Scheduler.Backend = evalBackend
	}
	if set("provision") {
		cfg.Docker.Provision = evalProvision
	}
	return nil
}

func provisionConfig(cfg *config.Config) runner.ProvisionConfig {
	return runner.ProvisionConfig{
		Image:         cfg.Docker.Image,
		NamePrefix:    cfg.Docker.NamePrefix,
		ContainerPort: cfg.Docker.ContainerPort,
		BasePort:      cfg.Env.BasePort,
		Privileged:    cfg.Docker.Privileged,
		AutoPull:      cfg.Docker.AutoPull,
	}
}

// printPlan describes what eval would do.
func printPlan(w io.Writer, cfg *config.Config, r *runner.Runner, ids []int) {
	expName := r.ExpName()
	fmt.Fprintln(w, "Dry run: nothing is contacted.")
	fmt.Fprintln(w)
	fmt.Fprintf(w, " Tasks:      %d (%s)\n", len(ids), summarizeIDs(ids))
	fmt.Fprintf(w, " Workers:    %d\n", cfg.Harness.NumWorlds)
	fmt.Fprintf(w, " Max steps:  %d (fallback)\n", cfg.Harness.MaxSteps)
	if cfg.Harness.Seed == runner.RandomSeed {
		fmt.Fprintln(w, " Seed:       random")
	} else {
		fmt.Fprintf(w, " Seed:       %d\n", cfg.Harness.Seed)
	}
	fmt.Fprintf(w, " Inference:  %s (%s)\n", cfg.Inference.URL, cfg.Inference.Model)
	fmt.Fprintf(w, " Backend:    %s\n", cfg.Scheduler.Backend)
	fmt.Fprintf(w, " Output:     %s\n", r.RunDir(expName))
	if cfg.Docker.Provision {
		fmt.Fprintf(w, " Provision:  %d x %s\n", cfg.Harness.NumWorlds, cfg.Docker.Image)
	}
	fmt.Fprintln(w, " Environments:")
	for i := 0; i < cfg.Harness.NumWorlds; i++ {
		fmt.Fprintf(w, "   %d  %s\n", i, env.Addr(cfg.Env.Host, cfg.Env.BasePort, i))
	}
}

// summarizeIDs renders ids compactly, such as "0-9,12".
func summarizeIDs(ids []int) string {
	var parts []string
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, fmt.Sprint(ids[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", ids[i], ids[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// printRunReport prints the outcome table, the average score and the final
// summary.
func printRunReport(w io.Writer, sum *result.Summary, runDir string) {
	fmt.Fprintln(w)
	fmt.Fprint(w, report.Table(sum.Outcomes))
	if sum.MeanScore != nil {
		fmt.Fprintf(w, "\nAverage score: %.2f\n", *sum.MeanScore)
	}
	fmt.Fprint(w, result.FormatFinalResult(sum))
	fmt.Fprintf(w, " Results saved to: %s\n\n", runDir)
}
