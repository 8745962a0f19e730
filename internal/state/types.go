// Package state defines the durable run record written after every stage
// transition and the store that persists it.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// RunStatus is the lifecycle status of a whole pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StageStatus is the lifecycle status of one stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSuccess   StageStatus = "success"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// Terminal reports whether the status will never change again.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSuccess, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// Satisfied reports whether a dependency in this status unblocks its
// dependents. Skipped stages count as satisfied so that continue/warn
// pipelines keep flowing.
func (s StageStatus) Satisfied() bool {
	return s == StageSuccess || s == StageSkipped
}

// TriggerInfo records what started the run.
type TriggerInfo struct {
	Type      string    `json:"type"`
	CommitSha string    `json:"commitSha,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage aggregates token counts reported by a runtime.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// StageError describes a terminal stage failure.
type StageError struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// StageExecution is the durable record of one stage. The scheduler is its
// only writer.
type StageExecution struct {
	StageName     string         `json:"stageName"`
	Status        StageStatus    `json:"status"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Duration      time.Duration  `json:"duration"`
	CommitSha     string         `json:"commitSha,omitempty"`
	ExtractedData map[string]any `json:"extractedData,omitempty"`
	AgentOutput   string         `json:"agentOutput,omitempty"`
	TokenUsage    *TokenUsage    `json:"tokenUsage,omitempty"`
	Error         *StageError    `json:"error,omitempty"`
	Attempt       int            `json:"attempt"`
}

// Artifacts captures run-level outputs.
type Artifacts struct {
	HandoverDir   string        `json:"handoverDir,omitempty"`
	InitialCommit string        `json:"initialCommit,omitempty"`
	FinalCommit   string        `json:"finalCommit,omitempty"`
	ChangedFiles  []string      `json:"changedFiles,omitempty"`
	TotalDuration time.Duration `json:"totalDuration"`
	ConfigDigest  string        `json:"configDigest,omitempty"`
	Branch        string        `json:"branch,omitempty"`
}

// PipelineState is the run record persisted after every state change.
// Unknown top-level fields from older or newer writers survive a
// load/save round-trip via the extra map.
type PipelineState struct {
	RunID          string                 `json:"runId"`
	PipelineConfig *config.PipelineConfig `json:"pipelineConfig"`
	Trigger        TriggerInfo            `json:"trigger"`
	Status         RunStatus              `json:"status"`
	Stages         []StageExecution       `json:"stages"`
	Artifacts      Artifacts              `json:"artifacts"`

	extra map[string]json.RawMessage
}

// knownStateFields are the top-level keys owned by this version of the
// schema. Everything else round-trips through the extra map.
var knownStateFields = map[string]bool{
	"runId": true, "pipelineConfig": true, "trigger": true,
	"status": true, "stages": true, "artifacts": true,
}

// stateAlias avoids recursive UnmarshalJSON/MarshalJSON calls.
type stateAlias PipelineState

// UnmarshalJSON decodes the known schema and captures unrecognized
// top-level fields so they are preserved on the next save.
func (ps *PipelineState) UnmarshalJSON(data []byte) error {
	var alias stateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownStateFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.extra = raw
	}

	*ps = PipelineState(alias)
	return nil
}

// MarshalJSON merges the known schema with any preserved unknown fields.
func (ps PipelineState) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(stateAlias(ps))
	if err != nil {
		return nil, err
	}
	if len(ps.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range ps.extra {
		if _, owned := merged[k]; !owned {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// New creates a run record with one pending StageExecution per configured
// stage, in config order.
func New(runID string, cfg *config.PipelineConfig, trigger TriggerInfo) *PipelineState {
	stages := make([]StageExecution, len(cfg.Agents))
	for i, st := range cfg.Agents {
		stages[i] = StageExecution{
			StageName: st.Name,
			Status:    StagePending,
		}
	}
	return &PipelineState{
		RunID:          runID,
		PipelineConfig: cfg,
		Trigger:        trigger,
		Status:         RunRunning,
		Stages:         stages,
	}
}

// Stage returns a pointer to the execution record for the named stage, or
// nil when the stage is unknown.
func (ps *PipelineState) Stage(name string) *StageExecution {
	for i := range ps.Stages {
		if ps.Stages[i].StageName == name {
			return &ps.Stages[i]
		}
	}
	return nil
}

// TotalTokens sums token usage across all stages that reported it.
func (ps *PipelineState) TotalTokens() int {
	total := 0
	for i := range ps.Stages {
		if u := ps.Stages[i].TokenUsage; u != nil {
			total += u.TotalTokens
		}
	}
	return total
}

// RecalculateTotals refreshes Artifacts.TotalDuration as the sum of the
// durations of stages that ran.
func (ps *PipelineState) RecalculateTotals() {
	var total time.Duration
	for i := range ps.Stages {
		total += ps.Stages[i].Duration
	}
	ps.Artifacts.TotalDuration = total
}

// ShortRunID returns the first eight characters of the run ID, the form used
// in branch names and commit messages.
func (ps *PipelineState) ShortRunID() string {
	return ShortID(ps.RunID)
}

// ShortID shortens a run ID to its first eight characters.
func ShortID(runID string) string {
	if len(runID) <= 8 {
		return runID
	}
	return runID[:8]
}

// DataString fetches a string value from a stage's extracted data.
func (se *StageExecution) DataString(key string) (string, error) {
	v, ok := se.ExtractedData[key]
	if !ok {
		return "", fmt.Errorf("state: stage %q has no output %q", se.StageName, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("state: stage %q output %q is %T, not string", se.StageName, key, v)
	}
	return s, nil
}

// DataNumber fetches a numeric value from a stage's extracted data.
func (se *StageExecution) DataNumber(key string) (float64, error) {
	v, ok := se.ExtractedData[key]
	if !ok {
		return 0, fmt.Errorf("state: stage %q has no output %q", se.StageName, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("state: stage %q output %q is %T, not number", se.StageName, key, v)
}

// DataBool fetches a boolean value from a stage's extracted data.
func (se *StageExecution) DataBool(key string) (bool, error) {
	v, ok := se.ExtractedData[key]
	if !ok {
		return false, fmt.Errorf("state: stage %q has no output %q", se.StageName, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("state: stage %q output %q is %T, not bool", se.StageName, key, v)
	}
	return b, nil
}
