// Package cli implements the agentpipe command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/logging"
	"github.com/FRE-Studios/agentpipe/internal/pipeline"
)

// Exit codes per the CLI contract.
const (
	exitOK         = 0
	exitUserError  = 1
	exitRunFailure = 2
	exitCancelled  = 130
)

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagDir     string
	flagNoColor bool
)

// userError marks failures caused by the invocation rather than the run
// (unknown pipeline, missing config). They exit with code 1.
type userError struct{ err error }

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

// usererrf builds a userError.
func usererrf(format string, args ...any) error {
	return &userError{err: fmt.Errorf(format, args...)}
}

// rootCmd is the base command for agentpipe.
var rootCmd = &cobra.Command{
	Use:   "agentpipe",
	Short: "Multi-stage AI agent pipelines over a git working copy",
	Long: `agentpipe orchestrates multi-stage agent pipelines against a
source-controlled working copy. Each stage invokes an external AI agent that
may read and modify files on a dedicated branch; agentpipe plans the stage
DAG, drives it with retries, timeouts, and failure policies, commits results,
and keeps a durable record of every run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// RunE shows full help when invoked with no subcommand. Without RunE,
	// Cobra only prints the Long description (omitting Usage and Flags).
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Check env vars for flags not explicitly set on the command line.
		if !cmd.Flags().Changed("verbose") && os.Getenv("AGENTPIPE_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("AGENTPIPE_QUIET") != "" {
			flagQuiet = true
		}
		if !cmd.Flags().Changed("no-color") && (os.Getenv("NO_COLOR") != "" || os.Getenv("AGENTPIPE_NO_COLOR") != "") {
			flagNoColor = true
		}

		jsonFormat := os.Getenv("AGENTPIPE_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)

		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return fmt.Errorf("changing directory to %s: %w", flagDir, err)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: AGENTPIPE_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: AGENTPIPE_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "Override working directory")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output (env: AGENTPIPE_NO_COLOR, NO_COLOR)")
}

// Execute runs the root command and returns the process exit code:
// 0 success, 1 user or validation error, 2 runtime failure, 130 cancellation.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, err)
	return exitCodeFor(err)
}

// exitCodeFor maps an error to the CLI exit code contract.
func exitCodeFor(err error) int {
	var vErr *pipeline.ValidationError
	var uErr *userError
	switch {
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.As(err, &vErr), errors.As(err, &uErr):
		return exitUserError
	default:
		return exitRunFailure
	}
}
