package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// newInitCmd creates the "agentpipe init" command.
func newInitCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold agentpipe configuration in the current repository",
		Long: `Create the .agentpipe directory layout, a starter pipeline
definition, a sample agent instructions file, and agentpipe.toml. Prompts
for the pipeline name and runtime; --yes accepts the defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Accept defaults without prompting")

	return cmd
}

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func runInit(yes bool) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	pipelineName := "review"
	runtimeType := config.DefaultRuntimeType

	if !yes {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Pipeline name").
					Value(&pipelineName),
				huh.NewSelect[string]().
					Title("Default runtime").
					Options(
						huh.NewOption("claude CLI (full tool access)", "claude-cli"),
						huh.NewOption("Anthropic SDK (in-process, no tools)", "anthropic-sdk"),
					).
					Value(&runtimeType),
			),
		)
		if err := form.Run(); err != nil {
			return usererrf("init aborted: %v", err)
		}
	}
	if pipelineName == "" {
		return usererrf("pipeline name must not be empty")
	}

	tool := config.DefaultToolConfig()
	dirs := []string{
		resolveDir(workDir, tool.Project.PipelinesDir, ""),
		resolveDir(workDir, tool.Project.AgentsDir, ""),
		resolveDir(workDir, tool.Project.StateDir, ""),
		resolveDir(workDir, tool.Project.LogDir, ""),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	files := map[string]string{
		filepath.Join(workDir, config.ToolConfigFileName): toolConfigTemplate(runtimeType),
		filepath.Join(dirs[0], pipelineName+".yaml"):      pipelineTemplate(pipelineName, runtimeType),
		filepath.Join(dirs[1], pipelineName+".md"):        agentTemplate(pipelineName),
	}
	for path, content := range files {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("exists, skipping: %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("created: %s\n", path)
	}

	if err := ensureGitignore(workDir); err != nil {
		fmt.Printf("warning: %v\n", err)
	}

	fmt.Printf("\nrun it with: agentpipe run %s\n", pipelineName)
	return nil
}

// ensureGitignore keeps run state and logs out of auto-commits.
func ensureGitignore(workDir string) error {
	const entries = ".agentpipe/state/\n.agentpipe/logs/\n"
	path := filepath.Join(workDir, ".gitignore")

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(data), ".agentpipe/state/") {
		return nil
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content+entries), 0o644)
}

func toolConfigTemplate(runtimeType string) string {
	return fmt.Sprintf(`[project]
pipelines_dir = ".agentpipe/pipelines"
agents_dir = ".agentpipe/agents"
state_dir = ".agentpipe/state"
log_dir = ".agentpipe/logs"

[git]
remote = "origin"
base_branch = "main"
author_name = "agentpipe"
author_email = "agentpipe@localhost"

[runtime]
type = %q
`, runtimeType)
}

func pipelineTemplate(name, runtimeType string) string {
	return fmt.Sprintf(`name: %s
trigger: manual

runtime:
  type: %s

settings:
  autoCommit: true
  commitPrefix: "pipeline({{stage}}):"
  failureStrategy: stop

git:
  branchStrategy: reusable
  branchPrefix: agents

agents:
  - name: %s
    agent: .agentpipe/agents/%s.md
    timeoutSeconds: 600
    retry:
      maxAttempts: 2
      delaySeconds: 10
    outputs: [summary]
`, name, runtimeType, name, name)
}

func agentTemplate(name string) string {
	return fmt.Sprintf(`# %s agent

You are the %q stage of an automated pipeline running in this repository.

Review the working tree, do your work, and finish with your findings in a
`+"```"+`json code block containing a "summary" key.
`, name, name)
}
