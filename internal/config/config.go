// Package config defines the pipeline configuration model, its YAML loader,
// the tool-level TOML configuration, and the validator pipeline that gates
// every run.
package config

// Trigger values for PipelineConfig.Trigger.
const (
	TriggerManual     = "manual"
	TriggerPostCommit = "post-commit"
)

// Failure strategy values shared by Settings.FailureStrategy and
// StageConfig.OnFail.
const (
	FailureStop     = "stop"
	FailureContinue = "continue"
	FailureWarn     = "warn"
)

// Permission modes accepted by Settings.PermissionMode and
// RuntimeOptions.PermissionMode.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionBypass      = "bypassPermissions"
	PermissionPlan        = "plan"
)

// Branch strategies for GitConfig.BranchStrategy.
const (
	BranchReusable     = "reusable"
	BranchUniquePerRun = "unique-per-run"
)

// System prompt merge modes for RuntimeOptions.SystemPromptMode.
const (
	SystemPromptReplace = "replace"
	SystemPromptAppend  = "append"
)

// PipelineConfig is the root of a pipeline definition file. Each file under
// the pipelines directory declares one pipeline.
type PipelineConfig struct {
	Name    string        `yaml:"name" json:"name"`
	Trigger string        `yaml:"trigger" json:"trigger"`
	Agents  []StageConfig `yaml:"agents" json:"agents"`
	Settings Settings     `yaml:"settings" json:"settings"`
	Runtime  RuntimeConfig `yaml:"runtime" json:"runtime"`
	Git      GitConfig    `yaml:"git" json:"git"`
}

// StageConfig declares one agent invocation within a pipeline.
type StageConfig struct {
	// Name uniquely identifies the stage within the pipeline.
	Name string `yaml:"name" json:"name"`

	// Agent is the path to the instructions file (typically Markdown) whose
	// content becomes the stage's system prompt baseline.
	Agent string `yaml:"agent" json:"agent"`

	// DependsOn lists stages that must finish before this one starts.
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// TimeoutSeconds bounds one attempt of this stage. Zero means no deadline.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`

	// Retry governs re-execution after a failed or timed-out attempt.
	Retry RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// OnFail overrides the pipeline-wide failure strategy for this stage.
	// Empty inherits Settings.FailureStrategy.
	OnFail string `yaml:"onFail,omitempty" json:"onFail,omitempty"`

	// Outputs names the keys the output extractor should recover from the
	// agent's reply.
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Condition gates the stage on prior stage outputs. Expressions look like
	// "{{ stages.lint.outputs.issues == 0 }}"; an empty condition always runs.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Runtime overrides the pipeline-level runtime for this stage only.
	Runtime *RuntimeConfig `yaml:"runtime,omitempty" json:"runtime,omitempty"`
}

// RetryConfig controls the retry policy for a stage.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are normalized to 1.
	MaxAttempts int `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`

	// DelaySeconds is the pause between attempts.
	DelaySeconds int `yaml:"delaySeconds,omitempty" json:"delaySeconds,omitempty"`

	// Backoff doubles the delay after each failed attempt when true.
	Backoff bool `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// Settings carries pipeline-wide execution knobs.
type Settings struct {
	// AutoCommit commits staged changes after each successful stage.
	AutoCommit bool `yaml:"autoCommit" json:"autoCommit"`

	// CommitPrefix is the commit message prefix. It must contain the literal
	// "{{stage}}" placeholder, substituted with the stage name per commit.
	CommitPrefix string `yaml:"commitPrefix,omitempty" json:"commitPrefix,omitempty"`

	// FailureStrategy is the run-wide failure policy: stop, continue, or warn.
	FailureStrategy string `yaml:"failureStrategy,omitempty" json:"failureStrategy,omitempty"`

	// PreserveWorkingTree keeps the run branch checked out after the run so
	// the caller can inspect or push it.
	PreserveWorkingTree bool `yaml:"preserveWorkingTree,omitempty" json:"preserveWorkingTree,omitempty"`

	// PermissionMode is the default agent permission mode for all stages.
	PermissionMode string `yaml:"permissionMode,omitempty" json:"permissionMode,omitempty"`

	// ContextReduction configures history summarization between levels.
	ContextReduction *ReductionConfig `yaml:"contextReduction,omitempty" json:"contextReduction,omitempty"`
}

// ReductionConfig configures the context reducer.
type ReductionConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Agent is the path to the reducer agent's instructions file.
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`

	// MaxTokens is the token budget for accumulated stage history.
	MaxTokens int `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`

	// TriggerThreshold fires reduction when total usage crosses it.
	// Zero defaults to 90% of MaxTokens.
	TriggerThreshold int `yaml:"triggerThreshold,omitempty" json:"triggerThreshold,omitempty"`

	// ContextWindow is how many trailing stages survive a reduction.
	ContextWindow int `yaml:"contextWindow,omitempty" json:"contextWindow,omitempty"`
}

// RuntimeConfig selects and configures an agent runtime.
type RuntimeConfig struct {
	// Type names the runtime in the registry (e.g. "claude-cli",
	// "anthropic-sdk").
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	Options RuntimeOptions `yaml:"options,omitempty" json:"options,omitempty"`
}

// RuntimeOptions are the transport knobs merged from pipeline to stage level.
type RuntimeOptions struct {
	Model            string   `yaml:"model,omitempty" json:"model,omitempty"`
	PermissionMode   string   `yaml:"permissionMode,omitempty" json:"permissionMode,omitempty"`
	MaxTurns         int      `yaml:"maxTurns,omitempty" json:"maxTurns,omitempty"`
	Thinking         bool     `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	Tools            []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	NoTools          bool     `yaml:"noTools,omitempty" json:"noTools,omitempty"`
	SystemPromptMode string   `yaml:"systemPromptMode,omitempty" json:"systemPromptMode,omitempty"`
	APIKey           string   `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	APIKeyEnv        string   `yaml:"apiKeyEnv,omitempty" json:"apiKeyEnv,omitempty"`
	Provider         string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Args             []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// GitConfig carries branch and remote policy for a pipeline.
type GitConfig struct {
	// BaseBranch is the branch runs start from. Empty inherits the tool
	// config's base branch, ultimately defaulting to "main".
	BaseBranch string `yaml:"baseBranch,omitempty" json:"baseBranch,omitempty"`

	// BranchStrategy is "reusable" (one long-lived branch per pipeline) or
	// "unique-per-run" (a fresh branch keyed by run ID).
	BranchStrategy string `yaml:"branchStrategy,omitempty" json:"branchStrategy,omitempty"`

	// BranchPrefix namespaces pipeline branches (default "agents").
	BranchPrefix string `yaml:"branchPrefix,omitempty" json:"branchPrefix,omitempty"`

	// Push pushes the run branch to the remote after a successful run.
	Push bool `yaml:"push,omitempty" json:"push,omitempty"`

	// PullRequest configures post-run PR creation.
	PullRequest PullRequestConfig `yaml:"pullRequest,omitempty" json:"pullRequest,omitempty"`
}

// PullRequestConfig controls post-run pull request creation.
type PullRequestConfig struct {
	AutoCreate bool `yaml:"autoCreate" json:"autoCreate"`
}

// StageByName returns the stage with the given name, or nil.
func (pc *PipelineConfig) StageByName(name string) *StageConfig {
	for i := range pc.Agents {
		if pc.Agents[i].Name == name {
			return &pc.Agents[i]
		}
	}
	return nil
}

// RuntimeFor resolves the effective runtime configuration for a stage:
// stage override first, then the pipeline default. The returned value is a
// copy; mutating it does not affect the config.
func (pc *PipelineConfig) RuntimeFor(stage *StageConfig) RuntimeConfig {
	if stage != nil && stage.Runtime != nil {
		rc := *stage.Runtime
		if rc.Type == "" {
			rc.Type = pc.Runtime.Type
		}
		rc.Options = mergeOptions(pc.Runtime.Options, stage.Runtime.Options)
		return rc
	}
	return pc.Runtime
}

// mergeOptions overlays stage-level options onto pipeline-level options.
// Zero values at the stage level inherit the pipeline value.
func mergeOptions(base, over RuntimeOptions) RuntimeOptions {
	out := base
	if over.Model != "" {
		out.Model = over.Model
	}
	if over.PermissionMode != "" {
		out.PermissionMode = over.PermissionMode
	}
	if over.MaxTurns != 0 {
		out.MaxTurns = over.MaxTurns
	}
	if over.Thinking {
		out.Thinking = true
	}
	if len(over.Tools) > 0 {
		out.Tools = over.Tools
	}
	if over.NoTools {
		out.NoTools = true
	}
	if over.SystemPromptMode != "" {
		out.SystemPromptMode = over.SystemPromptMode
	}
	if over.APIKey != "" {
		out.APIKey = over.APIKey
	}
	if over.APIKeyEnv != "" {
		out.APIKeyEnv = over.APIKeyEnv
	}
	if over.Provider != "" {
		out.Provider = over.Provider
	}
	if len(over.Args) > 0 {
		out.Args = append(append([]string{}, base.Args...), over.Args...)
	}
	return out
}
