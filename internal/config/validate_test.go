package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProbes returns hermetic probes: every file exists, every binary is on
// PATH, and the given runtimes are registered.
func testProbes() Probes {
	return Probes{
		FileExists:    func(string) bool { return true },
		LookPath:      func(string) bool { return true },
		KnownRuntimes: []string{"claude-cli", "anthropic-sdk"},
	}
}

// validConfig builds a minimal pipeline that passes every validator.
func validConfig() *PipelineConfig {
	cfg := &PipelineConfig{
		Name: "review",
		Agents: []StageConfig{
			{Name: "lint", Agent: "agents/lint.md"},
			{Name: "fix", Agent: "agents/fix.md", DependsOn: []string{"lint"}},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func validateCfg(t *testing.T, cfg *PipelineConfig) *Result {
	t.Helper()
	return Validate(&Context{
		Load:   &LoadResult{Path: "review.yaml", Config: cfg},
		Probes: testProbes(),
	})
}

func TestValidate_ValidConfig(t *testing.T) {
	res := validateCfg(t, validConfig())
	assert.False(t, res.HasErrors(), "unexpected errors: %+v", res.Errors())
}

func TestValidate_ParseErrorShortCircuits(t *testing.T) {
	res := Validate(&Context{
		Load:   &LoadResult{Path: "broken.yaml", ParseErr: assert.AnError},
		Probes: testProbes(),
	})
	require.True(t, res.HasErrors())
	// The structure validator must be the only one that ran.
	assert.Len(t, res.Issues, 1)
}

func TestValidate_NilLoad(t *testing.T) {
	res := Validate(&Context{Probes: testProbes()})
	assert.True(t, res.HasErrors())
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineConfig)
		field  string
	}{
		{
			name:   "empty name",
			mutate: func(c *PipelineConfig) { c.Name = "" },
			field:  "name",
		},
		{
			name:   "bad trigger",
			mutate: func(c *PipelineConfig) { c.Trigger = "hourly" },
			field:  "trigger",
		},
		{
			name:   "no stages",
			mutate: func(c *PipelineConfig) { c.Agents = nil },
			field:  "agents",
		},
		{
			name: "duplicate stage name",
			mutate: func(c *PipelineConfig) {
				c.Agents = append(c.Agents, StageConfig{Name: "lint", Agent: "a.md", Retry: RetryConfig{MaxAttempts: 1}})
			},
			field: "agents[2].name",
		},
		{
			name: "missing agent file reference",
			mutate: func(c *PipelineConfig) {
				c.Agents[0].Agent = ""
			},
			field: "agents[0].agent",
		},
		{
			name: "unknown dependency",
			mutate: func(c *PipelineConfig) {
				c.Agents[1].DependsOn = []string{"ghost"}
			},
			field: "agents[1].dependsOn",
		},
		{
			name: "self dependency",
			mutate: func(c *PipelineConfig) {
				c.Agents[0].DependsOn = []string{"lint"}
			},
			field: "agents[0].dependsOn",
		},
		{
			name: "negative delay",
			mutate: func(c *PipelineConfig) {
				c.Agents[0].Retry.DelaySeconds = -1
			},
			field: "agents[0].retry.delaySeconds",
		},
		{
			name: "negative timeout",
			mutate: func(c *PipelineConfig) {
				c.Agents[0].TimeoutSeconds = -5
			},
			field: "agents[0].timeoutSeconds",
		},
		{
			name: "commit prefix without placeholder",
			mutate: func(c *PipelineConfig) {
				c.Settings.CommitPrefix = "chore:"
			},
			field: "settings.commitPrefix",
		},
		{
			name: "bad failure strategy",
			mutate: func(c *PipelineConfig) {
				c.Settings.FailureStrategy = "retry"
			},
			field: "settings.failureStrategy",
		},
		{
			name: "bad onFail",
			mutate: func(c *PipelineConfig) {
				c.Agents[0].OnFail = "ignore"
			},
			field: "agents[0].onFail",
		},
		{
			name: "bad permission mode",
			mutate: func(c *PipelineConfig) {
				c.Settings.PermissionMode = "yolo"
			},
			field: "settings.permissionMode",
		},
		{
			name: "bad system prompt mode",
			mutate: func(c *PipelineConfig) {
				c.Runtime.Options.SystemPromptMode = "merge"
			},
			field: "runtime.options.systemPromptMode",
		},
		{
			name: "bad branch strategy",
			mutate: func(c *PipelineConfig) {
				c.Git.BranchStrategy = "per-day"
			},
			field: "git.branchStrategy",
		},
		{
			name: "reduction enabled without budget",
			mutate: func(c *PipelineConfig) {
				c.Settings.ContextReduction = &ReductionConfig{Enabled: true, Agent: "r.md", ContextWindow: 3}
			},
			field: "settings.contextReduction.maxTokens",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			res := validateCfg(t, cfg)

			require.True(t, res.HasErrors(), "expected errors")
			found := false
			for _, issue := range res.Errors() {
				if issue.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "no error on field %q; got %+v", tt.field, res.Errors())
		})
	}
}

func TestValidate_CycleDetected(t *testing.T) {
	cfg := validConfig()
	cfg.Agents[0].DependsOn = []string{"fix"}

	res := validateCfg(t, cfg)
	require.True(t, res.HasErrors())

	found := false
	for _, issue := range res.Errors() {
		if issue.Field == "agents" {
			assert.Contains(t, issue.Message, "cycle")
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_ScheduleCollision(t *testing.T) {
	cfg := validConfig()
	sibling := validConfig()
	sibling.Git.BranchStrategy = BranchUniquePerRun

	res := Validate(&Context{
		Load:     &LoadResult{Path: "review.yaml", Config: cfg},
		Siblings: []*LoadResult{{Path: "review-2.yaml", Config: sibling}},
		Probes:   testProbes(),
	})
	require.True(t, res.HasErrors())
	assert.Equal(t, "git.branchStrategy", res.Errors()[0].Field)
}

func TestValidate_EnvironmentProbes(t *testing.T) {
	probes := testProbes()
	probes.FileExists = func(string) bool { return false }

	res := Validate(&Context{
		Load:   &LoadResult{Path: "review.yaml", Config: validConfig()},
		Probes: probes,
	})
	require.True(t, res.HasErrors())
	assert.Contains(t, res.Errors()[0].Message, "does not exist")
}

func TestValidate_MissingGitIsError(t *testing.T) {
	probes := testProbes()
	probes.LookPath = func(bin string) bool { return bin != "git" }

	res := Validate(&Context{
		Load:   &LoadResult{Path: "review.yaml", Config: validConfig()},
		Probes: probes,
	})
	require.True(t, res.HasErrors())
}

func TestValidate_UnknownRuntimeWarns(t *testing.T) {
	cfg := validConfig()
	cfg.Runtime.Type = "gpt-cli"

	res := validateCfg(t, cfg)
	assert.False(t, res.HasErrors())

	found := false
	for _, w := range res.Warnings() {
		if w.Field == "runtime.type" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_HighRetryWarns(t *testing.T) {
	cfg := validConfig()
	cfg.Agents[0].Retry.MaxAttempts = 50

	res := validateCfg(t, cfg)
	assert.False(t, res.HasErrors())
	assert.NotEmpty(t, res.Warnings())
}
