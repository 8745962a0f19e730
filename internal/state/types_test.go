package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SeedsPendingStages(t *testing.T) {
	cfg := testConfig("review")
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	cfg.Agents[1].Name = "fix"

	ps := New("run-1", cfg, TriggerInfo{Type: "manual", Timestamp: time.Now()})

	require.Len(t, ps.Stages, 2)
	assert.Equal(t, RunRunning, ps.Status)
	assert.Equal(t, "lint", ps.Stages[0].StageName)
	assert.Equal(t, "fix", ps.Stages[1].StageName)
	for i := range ps.Stages {
		assert.Equal(t, StagePending, ps.Stages[i].Status)
	}
}

func TestStageStatus_TerminalAndSatisfied(t *testing.T) {
	assert.True(t, StageSuccess.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.True(t, StageSkipped.Terminal())
	assert.True(t, StageCancelled.Terminal())
	assert.False(t, StagePending.Terminal())
	assert.False(t, StageRunning.Terminal())

	assert.True(t, StageSuccess.Satisfied())
	assert.True(t, StageSkipped.Satisfied())
	assert.False(t, StageFailed.Satisfied())
}

func TestPipelineState_TotalTokens(t *testing.T) {
	ps := testState("run-1", "review", time.Now())
	ps.Stages[0].TokenUsage = &TokenUsage{TotalTokens: 1200}
	ps.Stages = append(ps.Stages, StageExecution{
		StageName:  "fix",
		TokenUsage: &TokenUsage{TotalTokens: 800},
	}, StageExecution{StageName: "untracked"})

	assert.Equal(t, 2000, ps.TotalTokens())
}

func TestPipelineState_RecalculateTotals(t *testing.T) {
	ps := testState("run-1", "review", time.Now())
	ps.Stages[0].Duration = 3 * time.Second
	ps.Stages = append(ps.Stages, StageExecution{StageName: "fix", Duration: 2 * time.Second})

	ps.RecalculateTotals()
	assert.Equal(t, 5*time.Second, ps.Artifacts.TotalDuration)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcd1234", ShortID("abcd1234-5678-90ef"))
	assert.Equal(t, "short", ShortID("short"))
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	ps := testState("run-1", "review", time.Now())
	data, err := json.Marshal(ps)
	require.NoError(t, err)

	// A future writer added a top-level field.
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["futureField"] = json.RawMessage(`{"x": 1}`)
	withExtra, err := json.Marshal(doc)
	require.NoError(t, err)

	var loaded PipelineState
	require.NoError(t, json.Unmarshal(withExtra, &loaded))

	out, err := json.Marshal(&loaded)
	require.NoError(t, err)
	assert.Contains(t, string(out), "futureField")
	// Known fields still decode normally.
	assert.Equal(t, "run-1", loaded.RunID)
}

func TestStageExecution_TypedAccessors(t *testing.T) {
	se := StageExecution{
		StageName: "lint",
		ExtractedData: map[string]any{
			"summary": "clean",
			"count":   float64(3),
			"ok":      true,
		},
	}

	s, err := se.DataString("summary")
	require.NoError(t, err)
	assert.Equal(t, "clean", s)

	n, err := se.DataNumber("count")
	require.NoError(t, err)
	assert.Equal(t, float64(3), n)

	b, err := se.DataBool("ok")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = se.DataString("count")
	assert.Error(t, err, "wrong kind errors")
	_, err = se.DataNumber("missing")
	assert.Error(t, err, "missing key errors")
}
