package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// fanOutWarnLimit is the level width above which the planner warns: a level
// with that many ready-to-run stages is usually a modeling error.
const fanOutWarnLimit = 10

// Node is one stage in the execution graph.
type Node struct {
	// Name is the stage name, unique within the graph.
	Name string

	// DependsOn lists prerequisite stage names.
	DependsOn []string

	// Level is the longest-path distance from any root (roots are level 0).
	// Stages sharing a level have no inter-dependencies and run concurrently.
	Level int

	// Stage points into the pipeline config.
	Stage *config.StageConfig
}

// ExecutionGraph is the compiled, topologically layered plan for one
// pipeline. The planner is pure: identical configs produce identical graphs.
type ExecutionGraph struct {
	// Nodes indexes stages by name.
	Nodes map[string]*Node

	// LevelGroups enumerates stage names per level, preserving config
	// declaration order within each level.
	LevelGroups [][]string

	// MaxParallelism is the width of the widest level.
	MaxParallelism int

	// Warnings carries non-fatal modeling concerns (e.g. excessive fan-out).
	Warnings []string
}

// BuildPlan compiles a validated pipeline configuration into an execution
// graph. Duplicate names, unknown dependency targets, and cycles are
// rejected; validation normally catches all three first, so an error here
// indicates the planner was handed an unvalidated config.
func BuildPlan(cfg *config.PipelineConfig) (*ExecutionGraph, error) {
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("plan: pipeline %q declares no stages", cfg.Name)
	}

	nodes := make(map[string]*Node, len(cfg.Agents))
	for i := range cfg.Agents {
		st := &cfg.Agents[i]
		if _, exists := nodes[st.Name]; exists {
			return nil, fmt.Errorf("plan: duplicate stage name %q", st.Name)
		}
		nodes[st.Name] = &Node{
			Name:      st.Name,
			DependsOn: st.DependsOn,
			Stage:     st,
		}
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return nil, fmt.Errorf("plan: stage %q depends on unknown stage %q", n.Name, dep)
			}
		}
	}

	if cyclic := findCycle(nodes); len(cyclic) > 0 {
		return nil, fmt.Errorf("plan: dependency cycle involving: %s", strings.Join(cyclic, ", "))
	}

	// Longest-path level per node. The graph is acyclic, so memoized DFS
	// terminates.
	levels := make(map[string]int, len(nodes))
	var levelOf func(name string) int
	levelOf = func(name string) int {
		if lvl, ok := levels[name]; ok {
			return lvl
		}
		n := nodes[name]
		lvl := 0
		for _, dep := range n.DependsOn {
			if d := levelOf(dep) + 1; d > lvl {
				lvl = d
			}
		}
		levels[name] = lvl
		return lvl
	}

	maxLevel := 0
	for name := range nodes {
		if lvl := levelOf(name); lvl > maxLevel {
			maxLevel = lvl
		}
	}
	for name, n := range nodes {
		n.Level = levels[name]
	}

	// Group by level in config declaration order.
	groups := make([][]string, maxLevel+1)
	for _, st := range cfg.Agents {
		lvl := levels[st.Name]
		groups[lvl] = append(groups[lvl], st.Name)
	}

	graph := &ExecutionGraph{
		Nodes:       nodes,
		LevelGroups: groups,
	}
	for lvl, group := range groups {
		if len(group) > graph.MaxParallelism {
			graph.MaxParallelism = len(group)
		}
		if len(group) > fanOutWarnLimit {
			graph.Warnings = append(graph.Warnings,
				fmt.Sprintf("level %d has %d concurrent stages; fan-out this wide is usually a modeling error", lvl, len(group)))
		}
	}

	return graph, nil
}

// findCycle returns the sorted names of stages participating in a dependency
// cycle, or nil for an acyclic graph. Kahn's algorithm: whatever cannot be
// peeled is cyclic.
func findCycle(nodes map[string]*Node) []string {
	indeg := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for name, n := range nodes {
		indeg[name] += 0
		for _, dep := range n.DependsOn {
			indeg[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, d := range indeg {
		if d == 0 {
			queue = append(queue, name)
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

	if processed == len(nodes) {
		return nil
	}
	var cyclic []string
	for name, d := range indeg {
		if d > 0 {
			cyclic = append(cyclic, name)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
