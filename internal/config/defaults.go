package config

// Defaults applied to a pipeline configuration after loading. Values live
// here rather than scattered through the executor so that a loaded config is
// fully resolved before validation runs.
const (
	// DefaultCommitPrefix is used when settings.commitPrefix is empty.
	DefaultCommitPrefix = "pipeline({{stage}}):"

	// DefaultBranchPrefix namespaces pipeline branches.
	DefaultBranchPrefix = "agents"

	// DefaultBaseBranch is the branch runs start from.
	DefaultBaseBranch = "main"

	// DefaultRuntimeType selects the runtime when none is configured.
	DefaultRuntimeType = "claude-cli"

	// DefaultContextWindow is how many trailing stages survive a reduction.
	DefaultContextWindow = 3

	// DefaultMaxAttempts is the attempt count when retry is unconfigured.
	DefaultMaxAttempts = 1
)

// ApplyDefaults resolves zero values in-place. It is idempotent.
func ApplyDefaults(pc *PipelineConfig) {
	if pc.Trigger == "" {
		pc.Trigger = TriggerManual
	}
	if pc.Settings.CommitPrefix == "" {
		pc.Settings.CommitPrefix = DefaultCommitPrefix
	}
	if pc.Settings.FailureStrategy == "" {
		pc.Settings.FailureStrategy = FailureStop
	}
	if pc.Settings.PermissionMode == "" {
		pc.Settings.PermissionMode = PermissionDefault
	}
	if pc.Runtime.Type == "" {
		pc.Runtime.Type = DefaultRuntimeType
	}
	if pc.Runtime.Options.SystemPromptMode == "" {
		pc.Runtime.Options.SystemPromptMode = SystemPromptAppend
	}
	if pc.Git.BranchStrategy == "" {
		pc.Git.BranchStrategy = BranchReusable
	}
	if pc.Git.BranchPrefix == "" {
		pc.Git.BranchPrefix = DefaultBranchPrefix
	}
	if pc.Git.BaseBranch == "" {
		pc.Git.BaseBranch = DefaultBaseBranch
	}

	for i := range pc.Agents {
		st := &pc.Agents[i]
		if st.Retry.MaxAttempts < 1 {
			st.Retry.MaxAttempts = DefaultMaxAttempts
		}
		if st.OnFail == "" {
			st.OnFail = pc.Settings.FailureStrategy
		}
	}

	if cr := pc.Settings.ContextReduction; cr != nil {
		if cr.ContextWindow <= 0 {
			cr.ContextWindow = DefaultContextWindow
		}
		if cr.TriggerThreshold <= 0 && cr.MaxTokens > 0 {
			cr.TriggerThreshold = cr.MaxTokens * 9 / 10
		}
	}
}
