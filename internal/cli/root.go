// Package cli provides the command-line interface for aweval.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lemon07r/aweval/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "aweval",
	Short: "Resilient evaluation harness for Android GUI agents",
	Long: `aweval evaluates a vision-language GUI agent against the Android World
task suite.

Each worker drives one Android environment runtime: it resets the device,
initializes a task, and then loops screenshot -> model -> action until the
agent declares the task done or runs out of steps. Workers share a task
queue; failed tasks are retried on other environments and abandoned after
repeated failures, so flaky emulators and a flaky inference service do not
stall the run.

Features:
  - One worker per environment, shared retry budget per task
  - In-memory or Redis task queue (several processes can join one run)
  - Optional Docker provisioning of the environment containers
  - Per-step screenshots and payloads, run summary and attestation`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadEnvFiles(".env"); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(logWriter(cfg.Log), &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	},
}

// logWriter returns stderr, teed into a size-rotated file when one is
// configured.
func logWriter(lc config.LogConfig) io.Writer {
	if lc.File == "" {
		return os.Stderr
	}
	rotated := &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
	}
	logFile = rotated
	return io.MultiWriter(os.Stderr, rotated)
}

// signalContext returns a context cancelled on the first interrupt or
// SIGTERM.
func signalContext(w io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Fprintln(w, "\nReceived interrupt, stopping after the current episodes...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// exitError is a sentinel error for non-zero exit codes.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aweval.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version information (set by build flags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "aweval version %s\n", Version)
		fmt.Fprintf(out, "  commit: %s\n", Commit)
		fmt.Fprintf(out, "  built:  %s\n", BuildDate)
	},
}
