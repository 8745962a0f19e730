package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/FRE-Studios/agentpipe/internal/branch"
	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/git"
	"github.com/FRE-Studios/agentpipe/internal/logging"
	"github.com/FRE-Studios/agentpipe/internal/metrics"
	"github.com/FRE-Studios/agentpipe/internal/runtime"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// deps bundles the collaborators the subcommands assemble. Construction is
// cheap; the git client is built lazily because several commands (history,
// analytics) work outside a repository.
type deps struct {
	workDir  string
	tool     *config.ToolConfig
	store    *state.Store
	registry *runtime.Registry
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// buildDeps resolves the working directory, tool configuration, state store,
// and runtime registry.
func buildDeps() (*deps, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	logger := logging.New("cli")

	tool, warnings, err := config.LoadToolConfigOrDefault(workDir)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w.Message, "field", w.Field)
	}

	store := state.NewStore(resolveDir(workDir, tool.Project.StateDir, "runs")).
		WithLogger(logging.New("state"))

	return &deps{
		workDir:  workDir,
		tool:     tool,
		store:    store,
		registry: runtime.DefaultRegistry(),
		metrics:  metrics.New(),
		logger:   logger,
	}, nil
}

// coordinator builds the branch coordinator over a git client rooted at the
// working directory. Fails when not inside a git repository.
func (d *deps) coordinator() (*branch.Coordinator, error) {
	gitClient, err := git.NewClient(d.workDir)
	if err != nil {
		return nil, err
	}
	return branch.NewCoordinator(gitClient, d.tool.Git.Remote).
		WithLogger(logging.New("branch")), nil
}

// pipelinesDir returns the absolute pipelines directory.
func (d *deps) pipelinesDir() string {
	return resolveDir(d.workDir, d.tool.Project.PipelinesDir, "")
}

// agentsDir returns the absolute agents directory.
func (d *deps) agentsDir() string {
	return resolveDir(d.workDir, d.tool.Project.AgentsDir, "")
}

// logDir returns the absolute log directory.
func (d *deps) logDir() string {
	return resolveDir(d.workDir, d.tool.Project.LogDir, "")
}

// loadPipeline locates and loads the named pipeline plus its siblings for
// cross-pipeline validation.
func (d *deps) loadPipeline(name string) (*config.LoadResult, []*config.LoadResult, error) {
	dir := d.pipelinesDir()
	path, err := config.FindPipeline(dir, name)
	if err != nil {
		return nil, nil, usererrf("%v", err)
	}
	load, err := config.LoadPipeline(path)
	if err != nil {
		return nil, nil, err
	}

	siblings, err := config.LoadAllPipelines(dir)
	if err != nil {
		return nil, nil, err
	}
	return load, siblings, nil
}

// resolveDir anchors dir at base when relative, optionally appending a
// trailing element.
func resolveDir(base, dir, sub string) string {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(base, dir)
	}
	if sub != "" {
		dir = filepath.Join(dir, sub)
	}
	return dir
}
