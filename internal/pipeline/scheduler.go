package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/FRE-Studios/agentpipe/internal/branch"
	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/git"
	"github.com/FRE-Studios/agentpipe/internal/metrics"
	"github.com/FRE-Studios/agentpipe/internal/runtime"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// commitSubjectLimit truncates the agent text used in commit subjects.
const commitSubjectLimit = 72

// Scheduler walks an execution plan level by level: stages within a level
// run concurrently, levels are strictly sequenced. It owns every mutation of
// the run's StageExecution records and checkpoints state after each
// transition.
type Scheduler struct {
	registry    *runtime.Registry
	coordinator *branch.Coordinator
	identity    git.Identity
	workDir     string
	logger      *log.Logger
	metrics     *metrics.Metrics
	reducer     *Reducer
	checkpoint  func(*state.PipelineState) error
	loadAgent   func(path string) (string, error)
	sleep       func(ctx context.Context, d time.Duration) error

	// mu guards the PipelineState while concurrent stage tasks report in.
	mu sync.Mutex
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCoordinator attaches the branch coordinator used for auto-commits.
// Without one, autoCommit is a no-op.
func WithCoordinator(c *branch.Coordinator) SchedulerOption {
	return func(s *Scheduler) { s.coordinator = c }
}

// WithIdentity sets the author identity for auto-commits.
func WithIdentity(id git.Identity) SchedulerOption {
	return func(s *Scheduler) { s.identity = id }
}

// WithWorkDir anchors relative agent file paths and subprocess working
// directories.
func WithWorkDir(dir string) SchedulerOption {
	return func(s *Scheduler) { s.workDir = dir }
}

// WithSchedulerLogger attaches a logger; nil keeps the scheduler silent.
func WithSchedulerLogger(logger *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics attaches the metrics bundle updated on stage transitions.
func WithMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithReducer attaches the context reducer consulted between levels.
func WithReducer(r *Reducer) SchedulerOption {
	return func(s *Scheduler) { s.reducer = r }
}

// WithCheckpoint sets the callback invoked after every state transition.
// Checkpoint failures are logged, never fatal: the scheduler still returns a
// coherent result when persistence is broken.
func WithCheckpoint(fn func(*state.PipelineState) error) SchedulerOption {
	return func(s *Scheduler) { s.checkpoint = fn }
}

// WithAgentLoader overrides how agent instruction files are read. Tests use
// it to avoid touching the filesystem.
func WithAgentLoader(fn func(path string) (string, error)) SchedulerOption {
	return func(s *Scheduler) { s.loadAgent = fn }
}

// WithSleep overrides the retry-delay sleeper. Tests use it to skip real
// waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SchedulerOption {
	return func(s *Scheduler) { s.sleep = fn }
}

// NewScheduler creates a Scheduler over the given runtime registry.
func NewScheduler(registry *runtime.Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry: registry,
		loadAgent: func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome summarizes a completed walk of the plan.
type Outcome struct {
	// RunFailed is true when any stage failed whose effective policy is not
	// "continue". It drives the run's final status.
	RunFailed bool

	// Stopped is true when the stop policy cancelled remaining work.
	Stopped bool
}

// Run drives the plan to completion. It returns ctx's error when the run was
// cancelled; every other failure mode is captured in stage records and the
// returned Outcome.
func (s *Scheduler) Run(ctx context.Context, cfg *config.PipelineConfig, graph *ExecutionGraph, ps *state.PipelineState) (Outcome, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var outcome Outcome

	for lvl, group := range graph.LevelGroups {
		if runCtx.Err() != nil {
			break
		}

		toRun := s.filterByCondition(ps, graph, group)

		s.logDebug("starting level", "level", lvl, "stages", strings.Join(toRun, ","))

		// Launch the level's stages concurrently, in declaration order. Stage
		// failures are captured in the records, never returned, so the group
		// is a pure barrier.
		var tasks errgroup.Group
		for _, name := range toRun {
			st := graph.Nodes[name].Stage
			tasks.Go(func() error {
				s.runStage(runCtx, cfg, ps, st)
				return nil
			})
		}
		// Barrier: never advance to level N+1 while level N is running.
		_ = tasks.Wait()

		// Apply the failure policy for this level.
		stop := false
		for _, name := range group {
			se := s.stageRecord(ps, name)
			if se.Status != state.StageFailed {
				continue
			}
			switch effectiveOnFail(cfg, graph.Nodes[name].Stage) {
			case config.FailureStop:
				outcome.RunFailed = true
				stop = true
				s.logError("stage failed, stopping run", "stage", name)
			case config.FailureWarn:
				outcome.RunFailed = true
				s.logWarn("stage failed, continuing", "stage", name)
			case config.FailureContinue:
				s.logWarn("stage failed, continuing without affecting run status", "stage", name)
			}
		}
		if stop {
			outcome.Stopped = true
			cancelRun()
			s.cancelUnstarted(ps)
			break
		}

		// Consult the context reducer before the next level.
		if s.reducer != nil && lvl < len(graph.LevelGroups)-1 {
			if s.reducer.MaybeReduce(runCtx, cfg, ps) {
				if s.metrics != nil {
					s.metrics.ObserveReduction()
				}
				s.save(ps)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		s.cancelUnstarted(ps)
		return outcome, err
	}
	return outcome, nil
}

// filterByCondition evaluates stage conditions against the current stage
// document and immediately skips stages whose condition is false. Returns
// the names that should run.
func (s *Scheduler) filterByCondition(ps *state.PipelineState, graph *ExecutionGraph, group []string) []string {
	s.mu.Lock()
	doc := conditionDoc(ps.Stages)
	s.mu.Unlock()

	var toRun []string
	for _, name := range group {
		st := graph.Nodes[name].Stage
		if st.Condition == "" {
			toRun = append(toRun, name)
			continue
		}
		ok, warnings := EvalCondition(st.Condition, doc)
		for _, w := range warnings {
			s.logWarn(w, "stage", name)
		}
		if !ok {
			s.transition(ps, name, func(se *state.StageExecution) {
				se.Status = state.StageSkipped
			})
			s.observeStage(state.StageSkipped, 0)
			s.logDebug("stage skipped by condition", "stage", name, "condition", st.Condition)
			continue
		}
		toRun = append(toRun, name)
	}
	return toRun
}

// runStage executes one stage through its retry policy. Panics in runtime
// implementations are captured into the stage record rather than crashing
// the scheduler.
func (s *Scheduler) runStage(ctx context.Context, cfg *config.PipelineConfig, ps *state.PipelineState, st *config.StageConfig) {
	maxAttempts := st.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	started := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			s.finishCancelled(ps, st.Name, started)
			return
		}

		s.transition(ps, st.Name, func(se *state.StageExecution) {
			se.Status = state.StageRunning
			se.Attempt = attempt
			if se.StartTime.IsZero() {
				se.StartTime = started
			}
		})
		s.logInfo("stage started", "stage", st.Name, "attempt", attempt)

		stageCtx := ctx
		var cancel context.CancelFunc
		if st.TimeoutSeconds > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, time.Duration(st.TimeoutSeconds)*time.Second)
		}

		result, err := s.invokeSafely(stageCtx, cfg, ps, st)
		timedOut := stageCtx.Err() != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if cancel != nil {
			cancel()
		}

		if err == nil {
			s.finishSuccess(ctx, cfg, ps, st, result, started)
			return
		}

		if ctx.Err() != nil && !timedOut {
			// The run itself was cancelled mid-attempt.
			s.finishCancelled(ps, st.Name, started)
			return
		}

		message := err.Error()
		suggestion := ""
		if timedOut {
			message = fmt.Sprintf("timeout after %ds: %v", st.TimeoutSeconds, err)
			suggestion = "increase timeoutSeconds or reduce the stage's scope"
		}

		if attempt < maxAttempts {
			delay := retryDelay(st.Retry, attempt)
			s.logWarn("stage attempt failed, retrying",
				"stage", st.Name, "attempt", attempt, "delay", delay, "error", message)
			if s.metrics != nil {
				s.metrics.ObserveRetry()
			}
			s.transition(ps, st.Name, func(se *state.StageExecution) {
				se.Status = state.StagePending
				se.Error = &state.StageError{Message: message, Suggestion: suggestion}
			})
			if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
				s.finishCancelled(ps, st.Name, started)
				return
			}
			continue
		}

		s.transition(ps, st.Name, func(se *state.StageExecution) {
			se.Status = state.StageFailed
			se.EndTime = time.Now()
			se.Duration = time.Since(started)
			se.Error = &state.StageError{Message: message, Suggestion: suggestion}
		})
		s.observeStage(state.StageFailed, time.Since(started))
		s.logError("stage failed", "stage", st.Name, "attempts", attempt, "error", message)
		return
	}
}

// invokeSafely loads the agent file, selects the runtime, and executes the
// request, converting panics into errors.
func (s *Scheduler) invokeSafely(ctx context.Context, cfg *config.PipelineConfig, ps *state.PipelineState, st *config.StageConfig) (result *runtime.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("stage %q panicked: %v", st.Name, r)
		}
	}()

	systemPrompt, err := s.loadAgent(s.resolvePath(st.Agent))
	if err != nil {
		return nil, fmt.Errorf("loading agent file %q: %w", st.Agent, err)
	}

	rt, err := s.selectRuntime(cfg, st)
	if err != nil {
		return nil, err
	}

	rc := cfg.RuntimeFor(st)
	opts := rc.Options
	if opts.PermissionMode == "" {
		opts.PermissionMode = cfg.Settings.PermissionMode
	}

	req := runtime.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   s.buildUserPrompt(cfg, ps, st),
		OutputKeys:   st.Outputs,
		Options:      opts,
		WorkDir:      s.workDir,
		OnOutputUpdate: func(snippet string) {
			s.logInfo("stage progress", "stage", st.Name, "update", snippet)
		},
	}
	return rt.Execute(ctx, req)
}

// selectRuntime resolves the runtime for a stage: stage override first, then
// the pipeline default, then the registry default. When the preferred type
// is missing or unavailable the next available runtime is used with a
// warning.
func (s *Scheduler) selectRuntime(cfg *config.PipelineConfig, st *config.StageConfig) (runtime.Runtime, error) {
	var preference []string
	if st.Runtime != nil && st.Runtime.Type != "" {
		preference = append(preference, st.Runtime.Type)
	}
	preference = append(preference, cfg.Runtime.Type, s.registry.DefaultType())

	available := s.registry.AvailableTypes()
	chosen, ok := runtime.Select(available, preference)
	if chosen == "" {
		return nil, fmt.Errorf("no runtimes registered")
	}
	if !ok {
		s.logWarn("preferred runtime unavailable, falling back",
			"stage", st.Name, "fallback", chosen)
	}

	rt, err := s.registry.Get(chosen)
	if err != nil {
		return nil, err
	}
	if availErr := rt.CheckAvailable(); availErr != nil {
		// Walk the remaining runtimes for one that can execute.
		for _, t := range available {
			if t == chosen {
				continue
			}
			alt, getErr := s.registry.Get(t)
			if getErr != nil || alt.CheckAvailable() != nil {
				continue
			}
			s.logWarn("runtime unavailable, falling back",
				"stage", st.Name, "runtime", chosen, "fallback", t, "error", availErr)
			return alt, nil
		}
		return nil, fmt.Errorf("runtime %q unavailable: %w", chosen, availErr)
	}
	return rt, nil
}

// buildUserPrompt assembles the stage's task prompt: run context plus the
// visible history of prior stages. The context reducer shrinks this history
// when the token budget is crossed.
func (s *Scheduler) buildUserPrompt(cfg *config.PipelineConfig, ps *state.PipelineState, st *config.StageConfig) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "You are executing stage %q of pipeline %q.\n", st.Name, cfg.Name)

	var history []string
	for i := range ps.Stages {
		se := &ps.Stages[i]
		if se.StageName == st.Name || !se.Status.Terminal() {
			continue
		}
		entry := fmt.Sprintf("- %s: %s", se.StageName, se.Status)
		if len(se.ExtractedData) > 0 {
			if data, err := jsonCompact(se.ExtractedData); err == nil {
				entry += "; outputs: " + data
			}
		}
		history = append(history, entry)
	}
	if len(history) > 0 {
		b.WriteString("\nPrevious stage results:\n")
		b.WriteString(strings.Join(history, "\n"))
		b.WriteString("\n")
	}

	if len(st.Outputs) > 0 {
		fmt.Fprintf(&b, "\nReport the following outputs in a ```json code block: %s.\n",
			strings.Join(st.Outputs, ", "))
	}
	return b.String()
}

// finishSuccess records a successful stage: extraction, bookkeeping, metrics,
// and the auto-commit.
func (s *Scheduler) finishSuccess(ctx context.Context, cfg *config.PipelineConfig, ps *state.PipelineState, st *config.StageConfig, result *runtime.Result, started time.Time) {
	extracted := ExtractOutputs(result.TextOutput, st.Outputs)

	s.transition(ps, st.Name, func(se *state.StageExecution) {
		se.Status = state.StageSuccess
		se.EndTime = time.Now()
		se.Duration = time.Since(started)
		se.AgentOutput = result.TextOutput
		se.ExtractedData = extracted
		se.TokenUsage = result.TokenUsage
		se.Error = nil
	})
	s.observeStage(state.StageSuccess, time.Since(started))
	s.logInfo("stage succeeded", "stage", st.Name, "duration", time.Since(started).Round(time.Millisecond))

	if cfg.Settings.AutoCommit && s.coordinator != nil {
		sha, err := s.coordinator.Commit(ctx, commitMessage(cfg, st.Name, ps.RunID, result.TextOutput), s.identity)
		switch {
		case err != nil:
			s.logWarn("auto-commit failed", "stage", st.Name, "error", err)
		case sha != "":
			s.transition(ps, st.Name, func(se *state.StageExecution) {
				se.CommitSha = sha
			})
		}
	}
}

// finishCancelled marks a stage cancelled unless it already reached a
// terminal state.
func (s *Scheduler) finishCancelled(ps *state.PipelineState, name string, started time.Time) {
	s.transition(ps, name, func(se *state.StageExecution) {
		if se.Status.Terminal() {
			return
		}
		se.Status = state.StageCancelled
		se.EndTime = time.Now()
		if !se.StartTime.IsZero() {
			se.Duration = time.Since(started)
		}
	})
	s.observeStage(state.StageCancelled, 0)
}

// cancelUnstarted marks every pending stage cancelled. Used when the stop
// policy fires or the run is cancelled.
func (s *Scheduler) cancelUnstarted(ps *state.PipelineState) {
	s.mu.Lock()
	for i := range ps.Stages {
		if ps.Stages[i].Status == state.StagePending {
			ps.Stages[i].Status = state.StageCancelled
		}
	}
	s.mu.Unlock()
	s.save(ps)
}

// stageRecord returns the record for name under the scheduler lock.
func (s *Scheduler) stageRecord(ps *state.PipelineState, name string) state.StageExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if se := ps.Stage(name); se != nil {
		return *se
	}
	return state.StageExecution{StageName: name, Status: state.StagePending}
}

// transition mutates a stage record under the scheduler lock and checkpoints
// the run. A record dropped by a context reduction is re-appended, so late
// levels keep their accounting after the history shrank.
func (s *Scheduler) transition(ps *state.PipelineState, name string, mutate func(*state.StageExecution)) {
	s.mu.Lock()
	se := ps.Stage(name)
	if se == nil {
		ps.Stages = append(ps.Stages, state.StageExecution{StageName: name, Status: state.StagePending})
		se = &ps.Stages[len(ps.Stages)-1]
	}
	mutate(se)
	ps.RecalculateTotals()
	s.mu.Unlock()

	s.save(ps)
}

// save checkpoints the run. Persistence failures are logged, never fatal.
func (s *Scheduler) save(ps *state.PipelineState) {
	if s.checkpoint == nil {
		return
	}
	s.mu.Lock()
	err := s.checkpoint(ps)
	s.mu.Unlock()
	if err != nil {
		s.logError("state checkpoint failed", "run", ps.RunID, "error", err)
	}
}

func (s *Scheduler) observeStage(status state.StageStatus, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveStage(string(status), d)
	}
}

// resolvePath anchors a relative path at the scheduler's working directory.
func (s *Scheduler) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || s.workDir == "" {
		return path
	}
	return filepath.Join(s.workDir, path)
}

// effectiveOnFail resolves the failure policy for a stage: the per-stage
// onFail wins, the pipeline-wide strategy otherwise.
func effectiveOnFail(cfg *config.PipelineConfig, st *config.StageConfig) string {
	if st.OnFail != "" {
		return st.OnFail
	}
	return cfg.Settings.FailureStrategy
}

// retryDelay computes the pause before the next attempt, doubling per
// attempt when backoff is enabled.
func retryDelay(rc config.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(rc.DelaySeconds) * time.Second
	if !rc.Backoff {
		return delay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// commitMessage builds the auto-commit message: the commit prefix with
// {{stage}} substituted, the shortened run ID, and the first line of the
// agent's reply.
func commitMessage(cfg *config.PipelineConfig, stageName, runID, text string) string {
	prefix := strings.ReplaceAll(cfg.Settings.CommitPrefix, "{{stage}}", stageName)

	subject := strings.TrimSpace(firstLine(text))
	if len(subject) > commitSubjectLimit {
		subject = subject[:commitSubjectLimit]
	}
	if subject == "" {
		subject = "update"
	}
	return fmt.Sprintf("%s %s: %s", prefix, state.ShortID(runID), subject)
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// jsonCompact marshals v to a single-line JSON string.
func jsonCompact(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sleepCtx pauses for d, returning early with ctx's error on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) logDebug(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, kvs...)
	}
}

func (s *Scheduler) logInfo(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Info(msg, kvs...)
	}
}

func (s *Scheduler) logWarn(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, kvs...)
	}
}

func (s *Scheduler) logError(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Error(msg, kvs...)
	}
}
