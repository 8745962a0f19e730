package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePipeline = `name: review
trigger: manual

runtime:
  type: claude-cli
  options:
    model: claude-sonnet-4-20250514

settings:
  autoCommit: true
  failureStrategy: warn
  contextReduction:
    enabled: true
    agent: agents/reduce.md
    maxTokens: 100000

git:
  branchStrategy: unique-per-run

agents:
  - name: lint
    agent: agents/lint.md
    outputs: [issues]
  - name: fix
    agent: agents/fix.md
    dependsOn: [lint]
    onFail: continue
    retry:
      maxAttempts: 3
      delaySeconds: 5
      backoff: true
`

func writePipeline(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPipeline_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "review.yaml", samplePipeline)

	res, err := LoadPipeline(path)
	require.NoError(t, err)
	require.NoError(t, res.ParseErr)
	require.NotNil(t, res.Config)

	cfg := res.Config
	assert.Equal(t, "review", cfg.Name)
	assert.Equal(t, "warn", cfg.Settings.FailureStrategy)
	assert.Equal(t, DefaultCommitPrefix, cfg.Settings.CommitPrefix)
	assert.Equal(t, DefaultBranchPrefix, cfg.Git.BranchPrefix)
	assert.Equal(t, DefaultBaseBranch, cfg.Git.BaseBranch)

	// Stage-level defaults.
	assert.Equal(t, 1, cfg.Agents[0].Retry.MaxAttempts)
	assert.Equal(t, "warn", cfg.Agents[0].OnFail, "onFail inherits failureStrategy")
	assert.Equal(t, "continue", cfg.Agents[1].OnFail, "explicit onFail preserved")
	assert.Equal(t, 3, cfg.Agents[1].Retry.MaxAttempts)

	// Reduction defaults.
	require.NotNil(t, cfg.Settings.ContextReduction)
	assert.Equal(t, DefaultContextWindow, cfg.Settings.ContextReduction.ContextWindow)
	assert.Equal(t, 90000, cfg.Settings.ContextReduction.TriggerThreshold)
}

func TestLoadPipeline_ParseErrorIsSoft(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "broken.yaml", "name: [unclosed")

	res, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Error(t, res.ParseErr)
	assert.Nil(t, res.Config)
}

func TestLoadPipeline_UnknownFieldIsSoft(t *testing.T) {
	dir := t.TempDir()
	path := writePipeline(t, dir, "odd.yaml", "name: x\nfrobnicate: true\n")

	res, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Error(t, res.ParseErr, "unknown fields are parse errors for the structure validator")
}

func TestLoadPipeline_MissingFile(t *testing.T) {
	_, err := LoadPipeline(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFindPipeline_ByFileName(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "review.yaml", samplePipeline)

	path, err := FindPipeline(dir, "review")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "review.yaml"), path)
}

func TestFindPipeline_ByNameField(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "anything.yaml", samplePipeline)

	path, err := FindPipeline(dir, "review")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "anything.yaml"), path)
}

func TestFindPipeline_NotFound(t *testing.T) {
	_, err := FindPipeline(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestLoadAllPipelines(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "a.yaml", "name: a\n")
	writePipeline(t, dir, "b.yml", "name: b\n")
	writePipeline(t, dir, "notes.txt", "not a pipeline")

	results, err := LoadAllPipelines(dir)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestLoadAllPipelines_MissingDir(t *testing.T) {
	results, err := LoadAllPipelines(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLoadToolConfigOrDefault(t *testing.T) {
	dir := t.TempDir()
	toml := `[project]
name = "demo"

[git]
base_branch = "trunk"

[future]
unknown = 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ToolConfigFileName), []byte(toml), 0o644))

	cfg, warnings, err := LoadToolConfigOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "trunk", cfg.Git.BaseBranch)
	// Defaults survive partial files.
	assert.Equal(t, "origin", cfg.Git.Remote)
	// Unknown keys warn.
	assert.NotEmpty(t, warnings)
}

func TestLoadToolConfigOrDefault_NoFile(t *testing.T) {
	cfg, warnings, err := LoadToolConfigOrDefault(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, DefaultRuntimeType, cfg.Runtime.Type)
}

func TestRuntimeFor_MergesStageOverride(t *testing.T) {
	cfg := &PipelineConfig{
		Runtime: RuntimeConfig{
			Type: "claude-cli",
			Options: RuntimeOptions{
				Model:          "claude-sonnet-4-20250514",
				PermissionMode: PermissionAcceptEdits,
				Args:           []string{"--base"},
			},
		},
		Agents: []StageConfig{
			{
				Name: "fast",
				Runtime: &RuntimeConfig{
					Options: RuntimeOptions{Model: "claude-3-5-haiku-20241022", Args: []string{"--extra"}},
				},
			},
		},
	}

	rc := cfg.RuntimeFor(&cfg.Agents[0])
	assert.Equal(t, "claude-cli", rc.Type, "type inherits pipeline default")
	assert.Equal(t, "claude-3-5-haiku-20241022", rc.Options.Model)
	assert.Equal(t, PermissionAcceptEdits, rc.Options.PermissionMode, "unset options inherit")
	assert.Equal(t, []string{"--base", "--extra"}, rc.Options.Args, "args append")
}
