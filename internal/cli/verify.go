package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/runner"
)

var verifyPromptsDir string

var verifyCmd = &cobra.Command{
	Use:   "verify <run-dir>",
	Short: "Verify the integrity of a run",
	Long: `Verifies a run directory against its attestation.json.

This command checks:
  1. Outcomes hash - summary.json outcomes were not modified after the run
  2. Task hashes - every scored task's score file and step payloads are intact
  3. Prompt hash - the run used the same prompt templates as this harness
  4. Harness version

Nothing is re-run; this only validates hashes.

Examples:
  aweval verify eval_log/glm-0911
  aweval verify eval_log/glm-0911 --prompts-dir ./my-prompts`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		out := cmd.OutOrStdout()

		promptsDir := verifyPromptsDir
		if promptsDir == "" {
			promptsDir = cfg.Harness.PromptsDir
		}
		promptHash, err := runner.PromptHash(promptsDir)
		if err != nil {
			return fmt.Errorf("hashing prompts: %w", err)
		}

		checks, err := result.NewStore(dir).Verify(Version, promptHash)
		if err != nil {
			return err
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Fprintln(out, " AWEVAL - Run Verification")
		fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Fprintln(out)

		passed, failed, warnings := 0, 0, 0
		for _, c := range checks {
			switch {
			case c.OK:
				fmt.Fprintf(out, " ✓ %s\n", c.Name)
				passed++
			case c.Warn:
				fmt.Fprintf(out, " ! %s (%s)\n", c.Name, c.Detail)
				warnings++
			default:
				fmt.Fprintf(out, " ✗ %s (%s)\n", c.Name, c.Detail)
				failed++
			}
		}
		fmt.Fprintln(out)

		if failed == 0 {
			fmt.Fprintf(out, " ✓ PASSED: %d checks passed", passed)
			if warnings > 0 {
				fmt.Fprintf(out, ", %d warnings", warnings)
			}
			fmt.Fprintln(out)
			return nil
		}

		fmt.Fprintf(out, " ✗ FAILED: %d checks failed, %d passed", failed, passed)
		if warnings > 0 {
			fmt.Fprintf(out, ", %d warnings", warnings)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, " The run directory was modified after the run finished.")
		return &exitError{code: 1}
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPromptsDir, "prompts-dir", "", "prompt templates the run used (default from config)")
}
