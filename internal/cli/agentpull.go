package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

// agentPullFlags holds the flag values for "agent pull".
type agentPullFlags struct {
	All    bool
	Source string
}

// newAgentCmd creates the "agentpipe agent" command group.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent instruction files",
	}
	cmd.AddCommand(newAgentPullCmd())
	return cmd
}

// newAgentPullCmd creates the "agentpipe agent pull" command.
func newAgentPullCmd() *cobra.Command {
	var flags agentPullFlags

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Copy agent markdown files from a source directory",
		Long: `Copy every agent instructions file (matching **/*.md) from the
source directory into the project agents directory. Existing files are kept
unless --all is passed, in which case they are overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentPull(flags)
		},
	}

	cmd.Flags().BoolVar(&flags.All, "all", false, "Overwrite agent files that already exist")
	cmd.Flags().StringVar(&flags.Source, "source", "", "Directory to pull agent files from (required)")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func init() {
	rootCmd.AddCommand(newAgentCmd())
}

func runAgentPull(flags agentPullFlags) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	srcInfo, err := os.Stat(flags.Source)
	if err != nil || !srcInfo.IsDir() {
		return usererrf("source %q is not a directory", flags.Source)
	}

	matches, err := doublestar.Glob(os.DirFS(flags.Source), "**/*.md")
	if err != nil {
		return fmt.Errorf("globbing %s: %w", flags.Source, err)
	}
	if len(matches) == 0 {
		fmt.Println("no agent files found")
		return nil
	}

	destDir := d.agentsDir()
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	pulled := 0
	for _, rel := range matches {
		dest := filepath.Join(destDir, filepath.Base(rel))
		if _, err := os.Stat(dest); err == nil && !flags.All {
			fmt.Printf("exists, skipping: %s\n", filepath.Base(rel))
			continue
		}
		data, err := fs.ReadFile(os.DirFS(flags.Source), rel)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		fmt.Printf("pulled: %s\n", filepath.Base(rel))
		pulled++
	}
	fmt.Printf("%d agent files pulled into %s\n", pulled, destDir)
	return nil
}
