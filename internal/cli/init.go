package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/config"
)

var (
	initOutput string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Writes the default configuration to aweval.toml so it can be edited.

Example:
  aweval init
  aweval init -o ~/.config/aweval/config.toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := writeDefaultConfig(initOutput, initForce); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Wrote default configuration to %s\n", initOutput)
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintf(out, "  1. Set [inference] url and export %s if the endpoint needs a key\n", config.Default.Inference.APIKeyEnv)
		fmt.Fprintln(out, "  2. Check the environments: aweval probe")
		fmt.Fprintln(out, "  3. Run: aweval eval --dry-run, then aweval eval")
		return nil
	},
}

// writeDefaultConfig encodes config.Default to path.
func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fmt.Fprintln(f, "# aweval configuration. Unset fields take their defaults.")
	fmt.Fprintln(f)
	if err := toml.NewEncoder(f).Encode(config.Default); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return f.Close()
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "aweval.toml", "output file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}
