package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// planConfig builds a pipeline from (name, deps...) tuples.
func planConfig(stages ...[]string) *config.PipelineConfig {
	cfg := &config.PipelineConfig{Name: "p"}
	for _, s := range stages {
		cfg.Agents = append(cfg.Agents, config.StageConfig{
			Name:      s[0],
			Agent:     s[0] + ".md",
			DependsOn: s[1:],
		})
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestBuildPlan_DiamondLevels(t *testing.T) {
	cfg := planConfig(
		[]string{"a"},
		[]string{"b"},
		[]string{"c", "a", "b"},
	)

	graph, err := BuildPlan(cfg)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, graph.LevelGroups)
	assert.Equal(t, 2, graph.MaxParallelism)
	assert.Equal(t, 0, graph.Nodes["a"].Level)
	assert.Equal(t, 0, graph.Nodes["b"].Level)
	assert.Equal(t, 1, graph.Nodes["c"].Level)
}

func TestBuildPlan_LongestPathLevel(t *testing.T) {
	// d depends on both a root and a level-1 node: longest path wins.
	cfg := planConfig(
		[]string{"a"},
		[]string{"b", "a"},
		[]string{"c"},
		[]string{"d", "c", "b"},
	)

	graph, err := BuildPlan(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, graph.Nodes["d"].Level)
	assert.Equal(t, [][]string{{"a", "c"}, {"b"}, {"d"}}, graph.LevelGroups)
}

func TestBuildPlan_Deterministic(t *testing.T) {
	cfg := planConfig(
		[]string{"z"},
		[]string{"m"},
		[]string{"a"},
		[]string{"end", "z", "m", "a"},
	)

	first, err := BuildPlan(cfg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		next, err := BuildPlan(cfg)
		require.NoError(t, err)
		assert.Equal(t, first.LevelGroups, next.LevelGroups, "plan must be byte-identical for identical inputs")
	}
	// Config declaration order, not alphabetical order.
	assert.Equal(t, []string{"z", "m", "a"}, first.LevelGroups[0])
}

func TestBuildPlan_RejectsCycle(t *testing.T) {
	cfg := planConfig(
		[]string{"a", "c"},
		[]string{"b", "a"},
		[]string{"c", "b"},
	)

	_, err := BuildPlan(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
	assert.Contains(t, err.Error(), "c")
}

func TestBuildPlan_RejectsUnknownDependency(t *testing.T) {
	cfg := planConfig([]string{"a", "ghost"})

	_, err := BuildPlan(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuildPlan_RejectsDuplicateNames(t *testing.T) {
	cfg := planConfig([]string{"a"}, []string{"a"})

	_, err := BuildPlan(cfg)
	assert.Error(t, err)
}

func TestBuildPlan_RejectsEmpty(t *testing.T) {
	cfg := &config.PipelineConfig{Name: "p"}
	_, err := BuildPlan(cfg)
	assert.Error(t, err)
}

func TestBuildPlan_WideFanOutWarns(t *testing.T) {
	cfg := &config.PipelineConfig{Name: "p"}
	for i := 0; i < 12; i++ {
		cfg.Agents = append(cfg.Agents, config.StageConfig{
			Name:  fmt.Sprintf("s%d", i),
			Agent: "s.md",
		})
	}
	config.ApplyDefaults(cfg)

	graph, err := BuildPlan(cfg)
	require.NoError(t, err)
	assert.Equal(t, 12, graph.MaxParallelism)
	require.Len(t, graph.Warnings, 1)
	assert.Contains(t, graph.Warnings[0], "12")
}
