package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lemon07r/aweval/internal/result"
	"github.com/lemon07r/aweval/internal/runner"
)

var (
	cleanForce      bool
	cleanRuns       bool
	cleanContainers bool
	cleanAll        bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove run directories and leftover environment containers",
	Long: `Remove run directories under result_dir and environment containers left
behind by an interrupted 'aweval eval --provision'.

By default, shows what would be deleted and asks for confirmation.
Use --force to skip confirmation.

Examples:
  aweval clean                    # Interactive cleanup of run directories
  aweval clean --containers       # Remove managed environment containers
  aweval clean --all              # Clean everything
  aweval clean --force            # Skip confirmation prompts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to run directories if no specific flag is set
		if !cleanRuns && !cleanContainers && !cleanAll {
			cleanRuns = true
		}
		if cleanAll {
			cleanRuns = true
			cleanContainers = true
		}

		out := cmd.OutOrStdout()
		in := bufio.NewReader(cmd.InOrStdin())

		if cleanRuns {
			dirs, err := findRunDirectories(cfg.Harness.ResultDir)
			if err != nil {
				return fmt.Errorf("finding run directories: %w", err)
			}
			if err := removeDirs(out, in, dirs); err != nil {
				return err
			}
		}

		if cleanContainers {
			if err := removeContainers(cmd.Context(), out, in); err != nil {
				return err
			}
		}
		return nil
	},
}

// findRunDirectories returns the directories under root that hold a run
// summary or journal.
func findRunDirectories(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		for _, marker := range []string{result.SummaryFile, result.JournalFile} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				runs = append(runs, dir)
				break
			}
		}
	}
	return runs, nil
}

func removeDirs(out io.Writer, in *bufio.Reader, dirs []string) error {
	if len(dirs) == 0 {
		fmt.Fprintln(out, "No run directories to clean.")
		return nil
	}

	fmt.Fprintln(out, "The following run directories will be deleted:")
	fmt.Fprintln(out)
	for _, dir := range dirs {
		fmt.Fprintf(out, "  %s\n", dir)
	}
	fmt.Fprintln(out)

	ok, err := confirm(out, in, "Delete these directories?")
	if err != nil || !ok {
		return err
	}

	deleted := 0
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(out, "  Failed to delete %s: %v\n", dir, err)
		} else {
			fmt.Fprintf(out, "  Deleted %s\n", dir)
			deleted++
		}
	}
	fmt.Fprintf(out, "\nCleaned up %d directories.\n", deleted)
	return nil
}

func removeContainers(ctx context.Context, out io.Writer, in *bufio.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := runner.NewProvisioner(provisionConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	containers, err := p.List(ctx, "")
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Fprintln(out, "No environment containers to clean.")
		return nil
	}

	fmt.Fprintln(out, "The following containers will be removed:")
	fmt.Fprintln(out)
	for _, c := range containers {
		fmt.Fprintf(out, "  %s  port %d  %s\n", c.Name, c.HostPort, c.State)
	}
	fmt.Fprintln(out)

	ok, err := confirm(out, in, "Remove these containers?")
	if err != nil || !ok {
		return err
	}
	if err := p.Stop(ctx, containers); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nRemoved %d containers.\n", len(containers))
	return nil
}

// confirm asks a yes/no question unless --force is set.
func confirm(out io.Writer, in *bufio.Reader, question string) (bool, error) {
	if cleanForce {
		return true, nil
	}
	fmt.Fprintf(out, "%s [y/N] ", question)
	response, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading response: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	if response != "y" && response != "yes" {
		fmt.Fprintln(out, "Cancelled.")
		return false, nil
	}
	return true, nil
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "skip confirmation prompts")
	cleanCmd.Flags().BoolVar(&cleanRuns, "runs", false, "clean run directories under result_dir")
	cleanCmd.Flags().BoolVar(&cleanContainers, "containers", false, "remove managed environment containers")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "clean everything")
}
