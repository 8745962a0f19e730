package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/FRE-Studios/agentpipe/internal/branch"
	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/git"
	"github.com/FRE-Studios/agentpipe/internal/metrics"
	"github.com/FRE-Studios/agentpipe/internal/runtime"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// ErrRunFailed is returned by Executor.Run when the pipeline finished with
// failed stages under a stop or warn policy. The run record carries the
// per-stage details.
var ErrRunFailed = errors.New("pipeline run failed")

// ValidationError aborts a run before any side effect: no branch is created
// and no state is written.
type ValidationError struct {
	Issues []config.Issue
}

func (e *ValidationError) Error() string {
	var fields []string
	for _, issue := range e.Issues {
		if issue.Severity != config.SeverityError {
			continue
		}
		f := issue.Field
		if f == "" {
			f = "config"
		}
		fields = append(fields, fmt.Sprintf("%s: %s", f, issue.Message))
	}
	return "validation failed: " + strings.Join(fields, "; ")
}

// SetupError marks a failure preparing the run branch or working tree. The
// run record is written as failed with the message.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return "setup failed: " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// Event types delivered to the notifier collaborator.
const (
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventPRCreated    = "pr_created"
)

// Event is a lifecycle notification. Notification delivery is an external
// collaborator; failures there never fail the run.
type Event struct {
	Type  string
	State *state.PipelineState
	PRURL string
}

// Executor owns a pipeline run's lifecycle: validation, state creation,
// branch setup, planning, scheduling, and finalization.
type Executor struct {
	registry    *runtime.Registry
	store       *state.Store
	coordinator *branch.Coordinator
	tool        *config.ToolConfig
	logger      *log.Logger
	metrics     *metrics.Metrics
	workDir     string
	newRunID    func() string
	createPR    func(ctx context.Context, branchName string) (string, error)
	notify      func(Event)
	schedOpts   []SchedulerOption
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBranchCoordinator attaches the branch coordinator. Without one the run
// executes in the current working tree with no branch isolation (tests).
func WithBranchCoordinator(c *branch.Coordinator) ExecutorOption {
	return func(e *Executor) { e.coordinator = c }
}

// WithToolConfig supplies the tool-level configuration (author identity,
// remote, base branch fallback).
func WithToolConfig(tc *config.ToolConfig) ExecutorOption {
	return func(e *Executor) { e.tool = tc }
}

// WithExecutorLogger attaches a logger.
func WithExecutorLogger(logger *log.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorMetrics attaches the metrics bundle.
func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorWorkDir anchors relative paths for agent files and
// subprocesses.
func WithExecutorWorkDir(dir string) ExecutorOption {
	return func(e *Executor) { e.workDir = dir }
}

// WithRunIDGenerator overrides run ID generation. Tests use it for
// deterministic IDs.
func WithRunIDGenerator(fn func() string) ExecutorOption {
	return func(e *Executor) { e.newRunID = fn }
}

// WithPRCreator wires the out-of-scope pull request collaborator: a function
// returning the PR URL for a pushed branch.
func WithPRCreator(fn func(ctx context.Context, branchName string) (string, error)) ExecutorOption {
	return func(e *Executor) { e.createPR = fn }
}

// WithNotifier wires the out-of-scope notification collaborator.
func WithNotifier(fn func(Event)) ExecutorOption {
	return func(e *Executor) { e.notify = fn }
}

// WithSchedulerOptions passes extra options to the scheduler the executor
// builds (agent loader and sleep overrides in tests).
func WithSchedulerOptions(opts ...SchedulerOption) ExecutorOption {
	return func(e *Executor) { e.schedOpts = append(e.schedOpts, opts...) }
}

// NewExecutor creates an Executor over the runtime registry and state store.
func NewExecutor(registry *runtime.Registry, store *state.Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		store:    store,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tool == nil {
		e.tool = config.DefaultToolConfig()
	}
	return e
}

// Run executes the pipeline described by load to completion.
//
// Errors map to the CLI's exit codes: *ValidationError for rejected configs,
// context.Canceled (wrapped) for user cancellation, ErrRunFailed when stages
// failed, and *SetupError or I/O errors for everything that broke before the
// scheduler took over. Once the initial run record has been saved, the
// returned run record reflects what happened; before that it is nil.
func (e *Executor) Run(ctx context.Context, load *config.LoadResult, siblings []*config.LoadResult, trigger state.TriggerInfo) (*state.PipelineState, error) {
	// 1. Validation gates every side effect.
	vres := config.Validate(&config.Context{
		Load:     load,
		Siblings: siblings,
		WorkDir:  e.workDir,
		Probes:   config.DefaultProbes(e.registry.AvailableTypes()),
	})
	for _, w := range vres.Warnings() {
		e.logWarn("config warning", "field", w.Field, "message", w.Message)
	}
	if vres.HasErrors() {
		return nil, &ValidationError{Issues: vres.Issues}
	}
	cfg := load.Config

	// 2. Create and persist the run record.
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = time.Now()
	}
	ps := state.New(e.newRunID(), cfg, trigger)
	ps.Artifacts.ConfigDigest = configDigest(cfg)
	ps.Artifacts.HandoverDir = e.makeHandoverDir(ps.RunID)
	if err := e.store.Save(ps); err != nil {
		return nil, fmt.Errorf("executor: persisting run: %w", err)
	}
	e.logInfo("run started", "run", ps.ShortRunID(), "pipeline", cfg.Name)

	// 3. Branch setup.
	if e.coordinator != nil {
		branchName, err := e.coordinator.Prepare(ctx, branch.Opts{
			PipelineName: branch.SanitizeName(cfg.Name),
			RunID:        ps.RunID,
			BaseBranch:   e.baseBranch(cfg),
			Strategy:     cfg.Git.BranchStrategy,
			Prefix:       cfg.Git.BranchPrefix,
		})
		if err != nil {
			return e.failSetup(ps, err)
		}
		ps.Artifacts.Branch = branchName

		initial, err := e.coordinator.CurrentCommit(ctx)
		if err != nil {
			return e.failSetup(ps, err)
		}
		ps.Artifacts.InitialCommit = initial
		if err := e.store.Save(ps); err != nil {
			e.logError("state save failed", "run", ps.RunID, "error", err)
		}
	}

	// 4. Compile the plan.
	graph, err := BuildPlan(cfg)
	if err != nil {
		return e.failSetup(ps, err)
	}
	for _, w := range graph.Warnings {
		e.logWarn(w, "pipeline", cfg.Name)
	}

	// 5. Drive the scheduler.
	sched := e.buildScheduler(cfg)
	outcome, runErr := sched.Run(ctx, cfg, graph, ps)

	// 6. Finalize the record. Finalization still runs git commands after a
	// cancellation, so it gets a context detached from the run's.
	cancelled := runErr != nil
	finalCtx := context.WithoutCancel(ctx)
	e.finalize(finalCtx, cfg, ps, outcome, cancelled)

	// 7-8. Post-run collaborators. Never fail the run.
	if ps.Status == state.RunCompleted {
		e.pushAndCreatePR(finalCtx, cfg, ps)
	}
	e.emit(ps)

	switch {
	case cancelled:
		return ps, fmt.Errorf("executor: %w", runErr)
	case ps.Status == state.RunFailed:
		return ps, ErrRunFailed
	default:
		return ps, nil
	}
}

// buildScheduler assembles the scheduler with the executor's collaborators.
func (e *Executor) buildScheduler(cfg *config.PipelineConfig) *Scheduler {
	opts := []SchedulerOption{
		WithCoordinator(e.coordinator),
		WithIdentity(git.Identity{
			Name:  e.tool.Git.AuthorName,
			Email: e.tool.Git.AuthorEmail,
		}),
		WithWorkDir(e.workDir),
		WithSchedulerLogger(e.logger),
		WithMetrics(e.metrics),
		WithCheckpoint(e.store.Save),
	}
	if cr := cfg.Settings.ContextReduction; cr != nil && cr.Enabled {
		opts = append(opts, WithReducer(NewReducer(e.registry, e.workDir, e.logger)))
	}
	opts = append(opts, e.schedOpts...)
	return NewScheduler(e.registry, opts...)
}

// finalize computes the run's terminal status and artifacts and saves.
func (e *Executor) finalize(ctx context.Context, cfg *config.PipelineConfig, ps *state.PipelineState, outcome Outcome, cancelled bool) {
	switch {
	case cancelled:
		ps.Status = state.RunCancelled
	case outcome.RunFailed:
		ps.Status = state.RunFailed
	default:
		ps.Status = state.RunCompleted
	}

	if e.coordinator != nil {
		if final, err := e.coordinator.CurrentCommit(ctx); err == nil {
			ps.Artifacts.FinalCommit = final
		}
		files, err := e.coordinator.ChangedFiles(ctx, ps.Artifacts.InitialCommit, ps.Artifacts.FinalCommit)
		if err != nil {
			e.logWarn("changed-file listing failed", "error", err)
		} else {
			ps.Artifacts.ChangedFiles = files
		}
	}
	ps.RecalculateTotals()

	if err := e.store.Save(ps); err != nil {
		e.logError("final state save failed", "run", ps.RunID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(string(ps.Status))
	}
	e.logInfo("run finished", "run", ps.ShortRunID(), "status", ps.Status,
		"duration", ps.Artifacts.TotalDuration.Round(time.Millisecond))

	// Restore the base branch unless the caller wants the tree kept.
	if e.coordinator != nil && !cfg.Settings.PreserveWorkingTree {
		if err := e.coordinator.Checkout(ctx, e.baseBranch(cfg)); err != nil {
			e.logWarn("restoring base branch failed", "error", err)
		}
	}
}

// pushAndCreatePR pushes the run branch and invokes the PR collaborator when
// configured. Both are logged-only on failure.
func (e *Executor) pushAndCreatePR(ctx context.Context, cfg *config.PipelineConfig, ps *state.PipelineState) {
	if e.coordinator == nil || ps.Artifacts.Branch == "" {
		return
	}

	wantPush := cfg.Git.Push || cfg.Git.PullRequest.AutoCreate
	if wantPush {
		if err := e.coordinator.Push(ctx, ps.Artifacts.Branch); err != nil {
			e.logWarn("push failed", "branch", ps.Artifacts.Branch, "error", err)
			return
		}
	}

	if cfg.Git.PullRequest.AutoCreate && e.createPR != nil {
		url, err := e.createPR(ctx, ps.Artifacts.Branch)
		if err != nil {
			e.logWarn("pull request creation failed", "branch", ps.Artifacts.Branch, "error", err)
			return
		}
		e.logInfo("pull request created", "url", url)
		if e.notify != nil {
			e.notify(Event{Type: EventPRCreated, State: ps, PRURL: url})
		}
	}
}

// failSetup writes the run record as failed with the setup error and returns
// a SetupError.
func (e *Executor) failSetup(ps *state.PipelineState, err error) (*state.PipelineState, error) {
	ps.Status = state.RunFailed
	ps.RecalculateTotals()
	if saveErr := e.store.Save(ps); saveErr != nil {
		e.logError("state save failed", "run", ps.RunID, "error", saveErr)
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(string(state.RunFailed))
	}
	e.emit(ps)
	return ps, &SetupError{Err: err}
}

// emit delivers the terminal lifecycle event.
func (e *Executor) emit(ps *state.PipelineState) {
	if e.notify == nil {
		return
	}
	switch ps.Status {
	case state.RunCompleted:
		e.notify(Event{Type: EventRunCompleted, State: ps})
	case state.RunCancelled:
		e.notify(Event{Type: EventRunCancelled, State: ps})
	default:
		e.notify(Event{Type: EventRunFailed, State: ps})
	}
}

// makeHandoverDir creates the per-run scratch directory agents use to hand
// files between stages. Returns an empty string when no log dir is
// configured or creation fails.
func (e *Executor) makeHandoverDir(runID string) string {
	base := e.tool.Project.LogDir
	if base == "" {
		return ""
	}
	if !filepath.IsAbs(base) && e.workDir != "" {
		base = filepath.Join(e.workDir, base)
	}
	dir := filepath.Join(base, state.ShortID(runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logWarn("handover dir creation failed", "dir", dir, "error", err)
		return ""
	}
	return dir
}

// baseBranch resolves the base branch: pipeline config first, tool config
// next.
func (e *Executor) baseBranch(cfg *config.PipelineConfig) string {
	if cfg.Git.BaseBranch != "" {
		return cfg.Git.BaseBranch
	}
	if e.tool.Git.BaseBranch != "" {
		return e.tool.Git.BaseBranch
	}
	return config.DefaultBaseBranch
}

// configDigest fingerprints the config snapshot stored with the run, so
// drift between a stored run and the current definition is detectable.
func configDigest(cfg *config.PipelineConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func (e *Executor) logInfo(msg string, kvs ...any) {
	if e.logger != nil {
		e.logger.Info(msg, kvs...)
	}
}

func (e *Executor) logWarn(msg string, kvs ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, kvs...)
	}
}

func (e *Executor) logError(msg string, kvs ...any) {
	if e.logger != nil {
		e.logger.Error(msg, kvs...)
	}
}
