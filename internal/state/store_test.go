package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

func testConfig(name string) *config.PipelineConfig {
	cfg := &config.PipelineConfig{
		Name: name,
		Agents: []config.StageConfig{
			{Name: "lint", Agent: "agents/lint.md"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testState(runID, pipelineName string, triggeredAt time.Time) *PipelineState {
	ps := New(runID, testConfig(pipelineName), TriggerInfo{
		Type:      config.TriggerManual,
		Timestamp: triggeredAt,
	})
	return ps
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	ps := testState("run-1", "review", time.Now())
	ps.Stages[0].Status = StageSuccess
	ps.Stages[0].ExtractedData = map[string]any{"issues": float64(0)}
	require.NoError(t, store.Save(ps))

	loaded, err := store.Load("run-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "review", loaded.PipelineConfig.Name)
	assert.Equal(t, StageSuccess, loaded.Stages[0].Status)
	assert.Equal(t, float64(0), loaded.Stages[0].ExtractedData["issues"])
}

func TestStore_LoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())

	loaded, err := store.Load("ghost")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStore_SaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(testState("run-1", "review", time.Now())))

	// No temp files may survive a save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".agentpipe-tmp-"),
			"leftover temp file %s", e.Name())
	}

	// The record on disk is wholly valid JSON.
	data, err := os.ReadFile(filepath.Join(dir, "run-1.json"))
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestStore_ConcurrentSavesDistinctRuns(t *testing.T) {
	store := NewStore(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ps := testState("run-"+string(rune('a'+n)), "review", time.Now())
			assert.NoError(t, store.Save(ps))
		}(i)
	}
	wg.Wait()

	all, err := store.All()
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestStore_AllSortedByTriggerDescending(t *testing.T) {
	store := NewStore(t.TempDir())
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(testState("old", "review", base)))
	require.NoError(t, store.Save(testState("new", "review", base.Add(time.Hour))))
	require.NoError(t, store.Save(testState("mid", "review", base.Add(30*time.Minute))))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].RunID)
	assert.Equal(t, "mid", all[1].RunID)
	assert.Equal(t, "old", all[2].RunID)
}

func TestStore_AllSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(testState("good", "review", time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].RunID)
}

func TestStore_Latest(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(testState("first", "review", time.Now())))
	// Ensure a later mtime on the second record.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Save(testState("second", "review", time.Now())))

	latest, err := store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "second", latest.RunID)
}

func TestStore_LatestEmpty(t *testing.T) {
	latest, err := NewStore(t.TempDir()).Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_DeleteByPipeline(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Save(testState("r1", "review", time.Now())))
	require.NoError(t, store.Save(testState("r2", "review", time.Now())))
	require.NoError(t, store.Save(testState("d1", "deploy", time.Now())))

	n, err := store.DeleteByPipeline("review")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "d1", all[0].RunID)
}

func TestStore_SaveRequiresRunID(t *testing.T) {
	store := NewStore(t.TempDir())
	assert.Error(t, store.Save(&PipelineState{}))
	assert.Error(t, store.Save(nil))
}
