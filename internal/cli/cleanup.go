package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// cleanupFlags holds the flag values for the cleanup command.
type cleanupFlags struct {
	Force        bool
	Pipeline     string
	Worktrees    bool
	All          bool
	DeleteRemote bool
	DeleteLogs   bool
}

// newCleanupCmd creates the "agentpipe cleanup" command.
func newCleanupCmd() *cobra.Command {
	var flags cleanupFlags

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove run records, pipeline branches, and logs",
		Long: `Delete the artifacts a pipeline leaves behind: stored run records,
local (and optionally remote) pipeline branches, and log files. Without
--force nothing is deleted; the command prints what it would remove.`,
		Example: `  # Preview what would be removed for one pipeline
  agentpipe cleanup --pipeline review

  # Delete records and local branches for one pipeline
  agentpipe cleanup --pipeline review --worktrees --force

  # Full cleanup including remote branches and logs
  agentpipe cleanup --all --delete-remote --delete-logs --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.Force, "force", false, "Actually delete (default is a dry-run preview)")
	cmd.Flags().StringVar(&flags.Pipeline, "pipeline", "", "Restrict cleanup to this pipeline")
	cmd.Flags().BoolVar(&flags.Worktrees, "worktrees", false, "Delete local pipeline branches")
	cmd.Flags().BoolVar(&flags.All, "all", false, "Clean every pipeline's records and branches")
	cmd.Flags().BoolVar(&flags.DeleteRemote, "delete-remote", false, "Also delete matching remote branches")
	cmd.Flags().BoolVar(&flags.DeleteLogs, "delete-logs", false, "Also delete log files")

	return cmd
}

func init() {
	rootCmd.AddCommand(newCleanupCmd())
}

func runCleanup(ctx context.Context, flags cleanupFlags) error {
	if flags.Pipeline == "" && !flags.All {
		return usererrf("cleanup requires --pipeline <name> or --all")
	}

	d, err := buildDeps()
	if err != nil {
		return err
	}

	names, err := cleanupTargets(d, flags)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("nothing to clean")
		return nil
	}

	for _, name := range names {
		if err := cleanupPipeline(ctx, d, name, flags); err != nil {
			return err
		}
	}

	if flags.DeleteLogs {
		if err := cleanupLogs(d, flags.Force); err != nil {
			return err
		}
	}

	if !flags.Force {
		fmt.Println("\ndry run; pass --force to delete")
	}
	return nil
}

// cleanupTargets resolves which pipeline names are in scope.
func cleanupTargets(d *deps, flags cleanupFlags) ([]string, error) {
	if flags.Pipeline != "" {
		return []string{flags.Pipeline}, nil
	}

	seen := map[string]bool{}
	var names []string

	loads, err := config.LoadAllPipelines(d.pipelinesDir())
	if err != nil {
		return nil, err
	}
	for _, l := range loads {
		if l.Config != nil && !seen[l.Config.Name] {
			seen[l.Config.Name] = true
			names = append(names, l.Config.Name)
		}
	}

	// Stored runs may reference pipelines whose definitions are gone.
	runs, err := d.store.All()
	if err != nil {
		return nil, err
	}
	for _, ps := range runs {
		if ps.PipelineConfig != nil && !seen[ps.PipelineConfig.Name] {
			seen[ps.PipelineConfig.Name] = true
			names = append(names, ps.PipelineConfig.Name)
		}
	}
	return names, nil
}

// cleanupPipeline removes one pipeline's records and branches.
func cleanupPipeline(ctx context.Context, d *deps, name string, flags cleanupFlags) error {
	if flags.Force {
		n, err := d.store.DeleteByPipeline(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s: deleted %d run records\n", name, n)
	} else {
		runs, err := d.store.All()
		if err != nil {
			return err
		}
		count := 0
		for _, ps := range runs {
			if ps.PipelineConfig != nil && ps.PipelineConfig.Name == name {
				count++
			}
		}
		fmt.Printf("%s: would delete %d run records\n", name, count)
	}

	if !flags.Worktrees && !flags.DeleteRemote {
		return nil
	}

	coord, err := d.coordinator()
	if err != nil {
		return err
	}
	prefix := config.DefaultBranchPrefix

	if flags.Worktrees {
		branches, err := coord.ListPipelineBranches(ctx, prefix)
		if err != nil {
			return err
		}
		for _, br := range branchesForPipeline(branches, prefix, name) {
			if !flags.Force {
				fmt.Printf("%s: would delete branch %s\n", name, br)
				continue
			}
			if err := coord.Delete(ctx, br, true); err != nil {
				d.logger.Warn("branch deletion failed", "branch", br, "error", err)
				continue
			}
			fmt.Printf("%s: deleted branch %s\n", name, br)
		}
	}

	if flags.DeleteRemote {
		branches, err := coord.ListRemotePipelineBranches(ctx, prefix, "")
		if err != nil {
			return err
		}
		for _, br := range branchesForPipeline(branches, prefix, name) {
			if !flags.Force {
				fmt.Printf("%s: would delete remote branch %s\n", name, br)
				continue
			}
			if err := coord.DeleteRemote(ctx, br, ""); err != nil {
				d.logger.Warn("remote branch deletion failed", "branch", br, "error", err)
				continue
			}
			fmt.Printf("%s: deleted remote branch %s\n", name, br)
		}
	}
	return nil
}

// branchesForPipeline filters branch names belonging to one pipeline:
// {prefix}/{name} and {prefix}/{name}/{runId}.
func branchesForPipeline(branches []string, prefix, name string) []string {
	exact := prefix + "/" + name
	sub := exact + "/"
	var out []string
	for _, br := range branches {
		if br == exact || strings.HasPrefix(br, sub) {
			out = append(out, br)
		}
	}
	return out
}

// cleanupLogs removes log files under the configured log directory.
func cleanupLogs(d *deps, force bool) error {
	logDir := d.logDir()
	matches, err := doublestar.FilepathGlob(logDir + "/**/*.log")
	if err != nil {
		return fmt.Errorf("globbing logs: %w", err)
	}
	for _, path := range matches {
		if !force {
			fmt.Printf("would delete log %s\n", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			d.logger.Warn("log deletion failed", "path", path, "error", err)
			continue
		}
		fmt.Printf("deleted log %s\n", path)
	}
	return nil
}
