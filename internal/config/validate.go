package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Severity indicates whether a validation issue is fatal or informational.
type Severity string

const (
	// SeverityError marks a fatal issue; the configuration is unusable.
	SeverityError Severity = "error"
	// SeverityWarning marks an informational issue; the configuration works
	// but may have problems.
	SeverityWarning Severity = "warning"
)

// Issue represents a single validation finding.
type Issue struct {
	Severity Severity
	Field    string // dotted path, e.g. "agents[2].retry.maxAttempts"
	Message  string
}

// Result accumulates all validation findings. The configuration is valid iff
// no error-severity issue is present.
type Result struct {
	Issues []Issue
}

// HasErrors returns true if any issue has error severity.
func (r *Result) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only error-severity issues.
func (r *Result) Errors() []Issue {
	var errs []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	return errs
}

// Warnings returns only warning-severity issues.
func (r *Result) Warnings() []Issue {
	var warns []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}
	return warns
}

func (r *Result) addError(field, message string) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityError, Field: field, Message: message})
}

func (r *Result) addWarning(field, message string) {
	r.Issues = append(r.Issues, Issue{Severity: SeverityWarning, Field: field, Message: message})
}

// Probes are the side-effect checks validators may perform. Tests substitute
// their own to keep validation hermetic.
type Probes struct {
	// FileExists reports whether a path exists on disk.
	FileExists func(path string) bool

	// LookPath reports whether an executable is present on PATH.
	LookPath func(bin string) bool

	// KnownRuntimes lists the runtime types the registry can serve.
	KnownRuntimes []string
}

// DefaultProbes returns probes backed by the real filesystem and PATH.
func DefaultProbes(knownRuntimes []string) Probes {
	return Probes{
		FileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		LookPath: func(bin string) bool {
			_, err := exec.LookPath(bin)
			return err == nil
		},
		KnownRuntimes: knownRuntimes,
	}
}

// Context is the input to each validator.
type Context struct {
	// Load is the pipeline under validation, including any parse error.
	Load *LoadResult

	// Siblings are the other pipeline definitions in the same project, used
	// for cross-pipeline checks such as branch-strategy collisions.
	Siblings []*LoadResult

	// WorkDir anchors relative paths in the config.
	WorkDir string

	Probes Probes

	// skipRemaining short-circuits the validator pipeline when set.
	skipRemaining bool
}

// SkipRemaining stops the orchestrator from running any later validator.
// The structure validator uses it when the config is unparseable.
func (c *Context) SkipRemaining() { c.skipRemaining = true }

// resolve anchors a possibly-relative path at the context's working directory.
func (c *Context) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.WorkDir == "" {
		return path
	}
	return filepath.Join(c.WorkDir, path)
}

// Validator is one named check over a pipeline configuration. Validators are
// registered in a stable order and executed by ascending priority tier.
type Validator struct {
	Name     string
	Priority int
	ShouldRun func(*Context) bool
	Check    func(*Context, *Result)
}

// stageNameRe validates stage and pipeline names: alphanumerics, hyphens, and
// underscores.
var stageNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// hasConfig is the ShouldRun predicate shared by every validator that needs a
// parsed configuration.
func hasConfig(c *Context) bool { return c.Load != nil && c.Load.Config != nil }

// Validate runs the full validator pipeline over ctx and returns the
// accumulated result. Validators execute in priority order (tier 0 first);
// within a tier, registration order is preserved. A validator may call
// ctx.SkipRemaining to short-circuit.
func Validate(ctx *Context) *Result {
	res := &Result{}
	validators := defaultValidators()

	sort.SliceStable(validators, func(i, j int) bool {
		return validators[i].Priority < validators[j].Priority
	})

	for _, v := range validators {
		if ctx.skipRemaining {
			break
		}
		if v.ShouldRun != nil && !v.ShouldRun(ctx) {
			continue
		}
		v.Check(ctx, res)
	}
	return res
}

// defaultValidators returns the fixed validator set in registration order.
func defaultValidators() []Validator {
	return []Validator{
		{Name: "structure", Priority: 0, Check: validateStructure},
		{Name: "name", Priority: 1, ShouldRun: hasConfig, Check: validateName},
		{Name: "trigger", Priority: 1, ShouldRun: hasConfig, Check: validateTrigger},
		{Name: "stages", Priority: 1, ShouldRun: hasConfig, Check: validateStages},
		{Name: "dependencies", Priority: 1, ShouldRun: hasConfig, Check: validateDependencies},
		{Name: "retry", Priority: 1, ShouldRun: hasConfig, Check: validateRetry},
		{Name: "settings", Priority: 1, ShouldRun: hasConfig, Check: validateSettings},
		{Name: "runtime", Priority: 1, ShouldRun: hasConfig, Check: validateRuntime},
		{Name: "schedule", Priority: 2, ShouldRun: hasConfig, Check: validateSchedule},
		{Name: "environment", Priority: 2, ShouldRun: hasConfig, Check: validateEnvironment},
	}
}

// validateStructure rejects unparseable or absent configurations and stops
// the pipeline: later validators would only dereference nil.
func validateStructure(c *Context, r *Result) {
	if c.Load == nil {
		r.addError("", "no configuration loaded")
		c.SkipRemaining()
		return
	}
	if c.Load.ParseErr != nil {
		r.addError("", c.Load.ParseErr.Error())
		c.SkipRemaining()
		return
	}
	if c.Load.Config == nil {
		r.addError("", "configuration is empty")
		c.SkipRemaining()
	}
}

func validateName(c *Context, r *Result) {
	name := c.Load.Config.Name
	if name == "" {
		r.addError("name", "must not be empty")
		return
	}
	if !stageNameRe.MatchString(name) {
		r.addError("name", fmt.Sprintf("invalid pipeline name %q; use alphanumerics, hyphens, underscores", name))
	}
}

func validateTrigger(c *Context, r *Result) {
	switch c.Load.Config.Trigger {
	case TriggerManual, TriggerPostCommit:
	default:
		r.addError("trigger", fmt.Sprintf("unrecognized trigger %q; must be %q or %q",
			c.Load.Config.Trigger, TriggerManual, TriggerPostCommit))
	}
}

func validateStages(c *Context, r *Result) {
	cfg := c.Load.Config
	if len(cfg.Agents) == 0 {
		r.addError("agents", "pipeline declares no stages")
		return
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for i, st := range cfg.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if st.Name == "" {
			r.addError(field+".name", "must not be empty")
			continue
		}
		if !stageNameRe.MatchString(st.Name) {
			r.addError(field+".name", fmt.Sprintf("invalid stage name %q", st.Name))
		}
		if seen[st.Name] {
			r.addError(field+".name", fmt.Sprintf("duplicate stage name %q", st.Name))
		}
		seen[st.Name] = true

		if st.Agent == "" {
			r.addError(field+".agent", "must reference an agent instructions file")
		}
	}
}

func validateDependencies(c *Context, r *Result) {
	cfg := c.Load.Config

	names := make(map[string]bool, len(cfg.Agents))
	for _, st := range cfg.Agents {
		names[st.Name] = true
	}

	// Unknown references and self-dependencies.
	for i, st := range cfg.Agents {
		for _, dep := range st.DependsOn {
			field := fmt.Sprintf("agents[%d].dependsOn", i)
			if dep == st.Name {
				r.addError(field, fmt.Sprintf("stage %q depends on itself", st.Name))
				continue
			}
			if !names[dep] {
				r.addError(field, fmt.Sprintf("unknown dependency %q", dep))
			}
		}
	}
	if r.HasErrors() {
		// Cycle detection over a broken edge set produces noise.
		return
	}

	// Kahn's algorithm; whatever cannot be peeled participates in a cycle.
	indeg := make(map[string]int, len(cfg.Agents))
	dependents := make(map[string][]string, len(cfg.Agents))
	for _, st := range cfg.Agents {
		indeg[st.Name] += 0
		for _, dep := range st.DependsOn {
			indeg[st.Name]++
			dependents[dep] = append(dependents[dep], st.Name)
		}
	}

	var queue []string
	for _, st := range cfg.Agents {
		if indeg[st.Name] == 0 {
			queue = append(queue, st.Name)
		}
	}
	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if processed != len(cfg.Agents) {
		var cyclic []string
		for _, st := range cfg.Agents {
			if indeg[st.Name] > 0 {
				cyclic = append(cyclic, st.Name)
			}
		}
		sort.Strings(cyclic)
		r.addError("agents", fmt.Sprintf("dependency cycle involving: %s", strings.Join(cyclic, ", ")))
	}
}

func validateRetry(c *Context, r *Result) {
	for i, st := range c.Load.Config.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if st.Retry.MaxAttempts < 1 {
			r.addError(field+".retry.maxAttempts", "must be at least 1")
		}
		if st.Retry.MaxAttempts > 10 {
			r.addWarning(field+".retry.maxAttempts",
				fmt.Sprintf("%d attempts is unusually high", st.Retry.MaxAttempts))
		}
		if st.Retry.DelaySeconds < 0 {
			r.addError(field+".retry.delaySeconds", "must not be negative")
		}
		if st.TimeoutSeconds < 0 {
			r.addError(field+".timeoutSeconds", "must not be negative")
		}
	}
}

func validateSettings(c *Context, r *Result) {
	s := c.Load.Config.Settings

	if !strings.Contains(s.CommitPrefix, "{{stage}}") {
		r.addError("settings.commitPrefix", `must contain the "{{stage}}" placeholder`)
	}

	switch s.FailureStrategy {
	case FailureStop, FailureContinue, FailureWarn:
	default:
		r.addError("settings.failureStrategy",
			fmt.Sprintf("unrecognized strategy %q; must be stop, continue, or warn", s.FailureStrategy))
	}

	switch s.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
	default:
		r.addError("settings.permissionMode", fmt.Sprintf("unrecognized permission mode %q", s.PermissionMode))
	}

	for i, st := range c.Load.Config.Agents {
		switch st.OnFail {
		case "", FailureStop, FailureContinue, FailureWarn:
		default:
			r.addError(fmt.Sprintf("agents[%d].onFail", i),
				fmt.Sprintf("unrecognized strategy %q; must be stop, continue, or warn", st.OnFail))
		}
	}

	if cr := s.ContextReduction; cr != nil && cr.Enabled {
		if cr.MaxTokens <= 0 {
			r.addError("settings.contextReduction.maxTokens", "must be positive when reduction is enabled")
		}
		if cr.Agent == "" {
			r.addError("settings.contextReduction.agent", "must reference a reducer agent file")
		}
		if cr.ContextWindow < 1 {
			r.addError("settings.contextReduction.contextWindow", "must be at least 1")
		}
	}
}

func validateRuntime(c *Context, r *Result) {
	cfg := c.Load.Config

	check := func(field string, rc RuntimeConfig) {
		if len(c.Probes.KnownRuntimes) > 0 && rc.Type != "" {
			known := false
			for _, t := range c.Probes.KnownRuntimes {
				if t == rc.Type {
					known = true
					break
				}
			}
			if !known {
				r.addWarning(field+".type",
					fmt.Sprintf("runtime %q is not registered; a fallback will be selected", rc.Type))
			}
		}
		switch rc.Options.SystemPromptMode {
		case "", SystemPromptReplace, SystemPromptAppend:
		default:
			r.addError(field+".options.systemPromptMode",
				fmt.Sprintf("unrecognized mode %q; must be replace or append", rc.Options.SystemPromptMode))
		}
		if rc.Options.MaxTurns < 0 {
			r.addError(field+".options.maxTurns", "must not be negative")
		}
		if rc.Options.APIKey != "" && rc.Options.APIKeyEnv != "" {
			r.addWarning(field+".options", "both apiKey and apiKeyEnv set; apiKey wins")
		}
	}

	check("runtime", cfg.Runtime)
	for i, st := range cfg.Agents {
		if st.Runtime != nil {
			check(fmt.Sprintf("agents[%d].runtime", i), *st.Runtime)
		}
	}
}

// validateSchedule enforces the branch naming invariant: a reusable branch
// {prefix}/{name} and per-run branches {prefix}/{name}/{runId} must never
// coexist for the same pipeline name.
func validateSchedule(c *Context, r *Result) {
	cfg := c.Load.Config

	switch cfg.Git.BranchStrategy {
	case BranchReusable, BranchUniquePerRun:
	default:
		r.addError("git.branchStrategy",
			fmt.Sprintf("unrecognized strategy %q; must be %q or %q",
				cfg.Git.BranchStrategy, BranchReusable, BranchUniquePerRun))
		return
	}

	for _, sib := range c.Siblings {
		if sib.Config == nil || sib.Path == c.Load.Path {
			continue
		}
		if sib.Config.Name != cfg.Name {
			continue
		}
		if sib.Config.Git.BranchStrategy != cfg.Git.BranchStrategy {
			r.addError("git.branchStrategy",
				fmt.Sprintf("pipeline %q is declared with strategy %q in %s; branch names would collide",
					cfg.Name, sib.Config.Git.BranchStrategy, sib.Path))
		}
	}
}

// validateEnvironment performs the side-effect probes: agent files on disk,
// git on PATH, and the runtime CLI when an external runtime is selected.
func validateEnvironment(c *Context, r *Result) {
	cfg := c.Load.Config

	if c.Probes.FileExists != nil {
		for i, st := range cfg.Agents {
			if st.Agent == "" {
				continue
			}
			if !c.Probes.FileExists(c.resolve(st.Agent)) {
				r.addError(fmt.Sprintf("agents[%d].agent", i),
					fmt.Sprintf("agent file %q does not exist", st.Agent))
			}
		}
		if cr := cfg.Settings.ContextReduction; cr != nil && cr.Enabled && cr.Agent != "" {
			if !c.Probes.FileExists(c.resolve(cr.Agent)) {
				r.addError("settings.contextReduction.agent",
					fmt.Sprintf("reducer agent file %q does not exist", cr.Agent))
			}
		}
	}

	if c.Probes.LookPath != nil {
		if !c.Probes.LookPath("git") {
			r.addError("", "git executable not found on PATH")
		}
		if cfg.Runtime.Type == "claude-cli" && !c.Probes.LookPath("claude") {
			r.addWarning("runtime.type", "claude CLI not found on PATH; runs will fail to spawn")
		}
	}
}
