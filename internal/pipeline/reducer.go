package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/runtime"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// ReducerStageName is the synthetic stage the reducer inserts at the head of
// the shrunk history.
const ReducerStageName = "__context_reducer__"

// reducerOutputHead is how much of each stage's raw output is quoted in the
// reducer's prompt.
const reducerOutputHead = 500

// Reducer collapses accumulated stage history when the token budget is
// crossed. It runs a meta-agent through the same runtime abstraction as
// ordinary stages and is strictly best-effort: a reducer failure leaves the
// history unchanged and the run continues.
type Reducer struct {
	registry *runtime.Registry
	workDir  string
	logger   *log.Logger

	// LoadAgent reads the reducer agent's instructions file. Overridable for
	// tests; defaults to os.ReadFile.
	LoadAgent func(path string) (string, error)
}

// NewReducer creates a Reducer over the given registry. The logger may be
// nil.
func NewReducer(registry *runtime.Registry, workDir string, logger *log.Logger) *Reducer {
	return &Reducer{
		registry: registry,
		workDir:  workDir,
		logger:   logger,
		LoadAgent: func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

// MaybeReduce fires a reduction when enabled and the accumulated token usage
// has crossed the trigger threshold. Returns true when the history changed.
func (r *Reducer) MaybeReduce(ctx context.Context, cfg *config.PipelineConfig, ps *state.PipelineState) bool {
	cr := cfg.Settings.ContextReduction
	if cr == nil || !cr.Enabled {
		return false
	}

	threshold := cr.TriggerThreshold
	if threshold <= 0 {
		threshold = cr.MaxTokens * 9 / 10
	}
	if threshold <= 0 {
		return false
	}

	total := ps.TotalTokens()
	if total < threshold {
		return false
	}

	r.logInfo("token budget crossed, reducing context",
		"total", total, "threshold", threshold)

	if err := r.reduce(ctx, cfg, cr, ps); err != nil {
		r.logWarn("context reduction failed, keeping full history", "error", err)
		return false
	}
	return true
}

// reduce invokes the reducer agent and, on success, replaces the run's stage
// history with a synthetic summary record followed by the trailing
// contextWindow stages. Existing stage outputs are never modified; when
// fewer stages exist than the window, all of them are kept and the summary
// record is still inserted.
func (r *Reducer) reduce(ctx context.Context, cfg *config.PipelineConfig, cr *config.ReductionConfig, ps *state.PipelineState) error {
	systemPrompt, err := r.LoadAgent(r.resolvePath(cr.Agent))
	if err != nil {
		return fmt.Errorf("reducer: loading agent file %q: %w", cr.Agent, err)
	}

	rt, err := r.selectRuntime(cfg)
	if err != nil {
		return fmt.Errorf("reducer: %w", err)
	}

	started := time.Now()
	result, err := rt.Execute(ctx, runtime.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   r.buildPrompt(ps),
		Options:      cfg.Runtime.Options,
		WorkDir:      r.workDir,
	})
	if err != nil {
		return fmt.Errorf("reducer: %w", err)
	}

	now := time.Now()
	summary := state.StageExecution{
		StageName:     ReducerStageName,
		Status:        state.StageSuccess,
		StartTime:     started,
		EndTime:       now,
		Duration:      now.Sub(started),
		AgentOutput:   result.TextOutput,
		ExtractedData: ExtractOutputs(result.TextOutput, nil),
		TokenUsage:    result.TokenUsage,
		Attempt:       1,
	}

	window := cr.ContextWindow
	if window < 1 {
		window = config.DefaultContextWindow
	}
	tail := ps.Stages
	if len(tail) > window {
		tail = tail[len(tail)-window:]
	}

	stages := make([]state.StageExecution, 0, len(tail)+1)
	stages = append(stages, summary)
	stages = append(stages, tail...)
	ps.Stages = stages

	r.logInfo("context reduced", "kept", len(tail))
	return nil
}

// selectRuntime prefers a runtime that declares context-reduction support,
// starting from the pipeline's configured type.
func (r *Reducer) selectRuntime(cfg *config.PipelineConfig) (runtime.Runtime, error) {
	preference := []string{cfg.Runtime.Type, r.registry.DefaultType()}
	chosen, _ := runtime.Select(r.registry.AvailableTypes(), preference)
	if chosen == "" {
		return nil, fmt.Errorf("no runtimes registered")
	}
	rt, err := r.registry.Get(chosen)
	if err != nil {
		return nil, err
	}
	if !rt.Capabilities().SupportsContextReduction {
		for _, t := range r.registry.AvailableTypes() {
			alt, getErr := r.registry.Get(t)
			if getErr == nil && alt.Capabilities().SupportsContextReduction {
				return alt, nil
			}
		}
	}
	return rt, nil
}

// buildPrompt summarizes every completed stage for the reducer agent.
func (r *Reducer) buildPrompt(ps *state.PipelineState) string {
	var b strings.Builder
	b.WriteString("Summarize the following pipeline stage history. Preserve every fact a later stage could depend on, especially structured outputs.\n")

	for i := range ps.Stages {
		se := &ps.Stages[i]
		if !se.Status.Terminal() {
			continue
		}
		fmt.Fprintf(&b, "\n## Stage %s (%s)\n", se.StageName, se.Status)
		if len(se.ExtractedData) > 0 {
			if data, err := jsonCompact(se.ExtractedData); err == nil {
				fmt.Fprintf(&b, "Outputs: %s\n", data)
			}
		}
		if se.AgentOutput != "" {
			head := se.AgentOutput
			if len(head) > reducerOutputHead {
				head = head[:reducerOutputHead] + "…"
			}
			fmt.Fprintf(&b, "Output head:\n%s\n", head)
		}
	}
	return b.String()
}

func (r *Reducer) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || r.workDir == "" {
		return path
	}
	return filepath.Join(r.workDir, path)
}

func (r *Reducer) logInfo(msg string, kvs ...any) {
	if r.logger != nil {
		r.logger.Info(msg, kvs...)
	}
}

func (r *Reducer) logWarn(msg string, kvs ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, kvs...)
	}
}
