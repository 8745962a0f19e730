package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// hookMarker identifies the section agentpipe manages inside the hook file.
const hookMarker = "# agentpipe managed hook"

// newHooksCmd creates the "agentpipe hooks" command.
func newHooksCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Install the git post-commit hook for post-commit pipelines",
		Long: `Write a .git/hooks/post-commit hook that runs every pipeline whose
trigger is "post-commit" after each commit. An existing hook written by
agentpipe is replaced; a foreign hook is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHooks(remove)
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the managed hook instead of installing it")

	return cmd
}

func init() {
	rootCmd.AddCommand(newHooksCmd())
}

func runHooks(remove bool) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	hookPath := filepath.Join(d.workDir, ".git", "hooks", "post-commit")

	existing, err := os.ReadFile(hookPath)
	foreign := err == nil && !strings.Contains(string(existing), hookMarker)
	if foreign {
		return usererrf("%s exists and was not written by agentpipe; remove it manually", hookPath)
	}

	if remove {
		if err == nil {
			if rmErr := os.Remove(hookPath); rmErr != nil {
				return rmErr
			}
			fmt.Printf("removed %s\n", hookPath)
		} else {
			fmt.Println("no managed hook installed")
		}
		return nil
	}

	loads, err := config.LoadAllPipelines(d.pipelinesDir())
	if err != nil {
		return err
	}
	var names []string
	for _, l := range loads {
		if l.Config != nil && l.Config.Trigger == config.TriggerPostCommit {
			names = append(names, l.Config.Name)
		}
	}
	if len(names) == 0 {
		return usererrf("no pipeline declares trigger: post-commit")
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(hookMarker + "\n")
	for _, name := range names {
		fmt.Fprintf(&b, "agentpipe run %s --quiet &\n", name)
	}

	if err := os.MkdirAll(filepath.Dir(hookPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(hookPath, []byte(b.String()), 0o755); err != nil {
		return err
	}
	fmt.Printf("installed %s for: %s\n", hookPath, strings.Join(names, ", "))
	return nil
}
