// Package runtime abstracts the transport that executes one agent
// invocation. The scheduler talks to a Runtime interface; concrete
// implementations cover an external CLI speaking line-delimited JSON events
// and an in-process SDK call, with a mock for tests. A Registry selects
// runtimes by type name.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// runtimeNameRe validates runtime type names: alphanumerics and hyphens.
var runtimeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// ErrNotFound is returned by Registry.Get when no runtime with the requested
// type has been registered.
var ErrNotFound = errors.New("runtime not found")

// ErrDuplicateName is returned by Registry.Register when a runtime with the
// same type is already present.
var ErrDuplicateName = errors.New("runtime already registered")

// ErrInvalidName is returned by Registry.Register when the runtime type name
// is empty or contains invalid characters.
var ErrInvalidName = errors.New("invalid runtime name")

// Request describes one agent invocation.
type Request struct {
	// SystemPrompt is the agent instructions file body (merge mode applied by
	// the runtime per Options.SystemPromptMode).
	SystemPrompt string

	// UserPrompt is the task prompt built by the scheduler.
	UserPrompt string

	// OutputKeys hints which structured keys the caller will extract.
	OutputKeys []string

	// Options are the merged pipeline/stage runtime options.
	Options config.RuntimeOptions

	// WorkDir is the working directory for subprocess runtimes.
	WorkDir string

	// OnOutputUpdate, when non-nil, receives progress snippets. Runtimes must
	// coalesce tool-activity updates by tool-invocation id so a consumer never
	// sees the same invocation twice.
	OnOutputUpdate func(snippet string)
}

// Metadata describes how a result was produced.
type Metadata struct {
	Runtime    string `json:"runtime"`
	DurationMs int64  `json:"durationMs"`
	Model      string `json:"model,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
}

// Result is the outcome of a successful agent invocation.
type Result struct {
	// TextOutput is the concatenated assistant text.
	TextOutput string

	// TokenUsage is reported when the runtime supports token tracking.
	TokenUsage *state.TokenUsage

	Metadata Metadata
}

// Capabilities is the fixed feature record a runtime reports.
type Capabilities struct {
	SupportsStreaming        bool
	SupportsTokenTracking    bool
	SupportsMCP              bool
	SupportsContextReduction bool
	AvailableModels          []string
	PermissionModes          []string
}

// Runtime executes one agent invocation. Implementations must honour ctx for
// cancellation and deadlines and propagate it to any child process.
type Runtime interface {
	// Name returns the runtime's type identifier (e.g. "claude-cli").
	Name() string

	// Capabilities reports the runtime's fixed feature set.
	Capabilities() Capabilities

	// CheckAvailable verifies the runtime can execute on this host (binary on
	// PATH, credentials resolvable). The error describes what is missing.
	CheckAvailable() error

	// Execute runs the request to completion and returns the result. A
	// cancelled or expired ctx must terminate any child process (terminate,
	// then kill after a grace window) and return ctx's error.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry stores named runtimes for lookup. Register everything at startup;
// the registry is safe for concurrent reads afterwards. Model it as an
// explicit value handed to the executor so tests can substitute their own.
type Registry struct {
	runtimes    map[string]Runtime
	defaultType string
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds a runtime under its Name. Returns ErrInvalidName for a nil
// runtime or malformed name and ErrDuplicateName for a repeat registration.
// The first registered runtime becomes the registry default.
func (r *Registry) Register(rt Runtime) error {
	if rt == nil {
		return fmt.Errorf("register runtime: %w", ErrInvalidName)
	}
	name := rt.Name()
	if name == "" || !runtimeNameRe.MatchString(name) {
		return fmt.Errorf("register runtime %q: %w", name, ErrInvalidName)
	}
	if _, exists := r.runtimes[name]; exists {
		return fmt.Errorf("register runtime %q: %w", name, ErrDuplicateName)
	}
	r.runtimes[name] = rt
	if r.defaultType == "" {
		r.defaultType = name
	}
	return nil
}

// Get returns the runtime registered under the given type name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("get runtime %q: %w", name, ErrNotFound)
	}
	return rt, nil
}

// Has reports whether a runtime with the given type is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.runtimes[name]
	return ok
}

// AvailableTypes returns the registered type names, sorted alphabetically.
func (r *Registry) AvailableTypes() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultType returns the registry's default runtime type.
func (r *Registry) DefaultType() string { return r.defaultType }

// SetDefault overrides the registry default. The type must be registered.
func (r *Registry) SetDefault(name string) error {
	if !r.Has(name) {
		return fmt.Errorf("set default runtime %q: %w", name, ErrNotFound)
	}
	r.defaultType = name
	return nil
}

// Select resolves the runtime type to use from an ordered preference list
// over the available set. It is a pure function: the first preferred type
// present in available wins; when none match, the first available type is
// returned with ok=false so callers can warn about the fallback.
func Select(available []string, preference []string) (string, bool) {
	has := make(map[string]bool, len(available))
	for _, t := range available {
		has[t] = true
	}
	for _, p := range preference {
		if p != "" && has[p] {
			return p, true
		}
	}
	if len(available) > 0 {
		return available[0], false
	}
	return "", false
}

// DefaultRegistry builds the process-wide registry with the production
// runtimes registered. Call once at startup and pass the value down.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Registration order fixes the fallback default: the CLI transport first.
	_ = r.Register(NewClaudeCLI(nil))
	_ = r.Register(NewAnthropicSDK(nil))
	return r
}
