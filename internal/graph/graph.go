// Package graph orders the subtasks of a plan by their dependencies.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found among subtasks.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph over subtask indices.
// Edges point from a subtask to the subtasks it is blocked by.
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[int]models.SubtaskSpec
	edges map[int][]int
	// debugLog is an optional logging function.
	debugLog func(format string, args ...any)
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[int]models.SubtaskSpec),
		edges:    make(map[int][]int),
		debugLog: func(format string, args ...any) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from subtask specs. Explicit DependsOn entries
// become edges, and two subtasks claiming the same resource are serialized
// in index order. Unknown dependencies and cycles are errors.
func (g *DependencyGraph) Build(specs []models.SubtaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d subtasks", len(specs))

	for _, spec := range specs {
		if _, dup := g.nodes[spec.Index]; dup {
			return fmt.Errorf("duplicate subtask index %d", spec.Index)
		}
		g.nodes[spec.Index] = spec
		g.edges[spec.Index] = nil
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("subtask %d depends on unknown subtask %d", spec.Index, dep)
			}
			if dep == spec.Index {
				return fmt.Errorf("%w: subtask %d depends on itself", ErrCycleDetected, spec.Index)
			}
			g.addEdgeLocked(spec.Index, dep)
		}
	}

	claims := make(map[string]int)
	for _, spec := range sortedSpecs(specs) {
		for _, res := range spec.Resources {
			if prev, ok := claims[res]; ok {
				g.debugLog("[graph.Build] subtask %d waits for %d on resource %q", spec.Index, prev, res)
				g.addEdgeLocked(spec.Index, prev)
			}
			claims[res] = spec.Index
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

func (g *DependencyGraph) addEdgeLocked(from, to int) {
	if !slices.Contains(g.edges[from], to) {
		g.edges[from] = append(g.edges[from], to)
	}
}

func sortedSpecs(specs []models.SubtaskSpec) []models.SubtaskSpec {
	out := slices.Clone(specs)
	slices.SortFunc(out, func(a, b models.SubtaskSpec) int { return a.Index - b.Index })
	return out
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked colors nodes white/gray/black and reports a back edge.
func (g *DependencyGraph) hasCycleLocked() bool {
	colors := make(map[int]int, len(g.nodes))

	var visit func(id int) bool
	visit = func(id int) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.indicesLocked() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

func (g *DependencyGraph) indicesLocked() []int {
	ids := make([]int, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TopologicalSort returns indices with every dependency before its
// dependents. Ties resolve in index order.
func (g *DependencyGraph) TopologicalSort() ([]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[int]bool)
	var result []int
	var visit func(id int)
	visit = func(id int) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := slices.Clone(g.edges[id])
		slices.Sort(deps)
		for _, dep := range deps {
			visit(dep)
		}
		result = append(result, id)
	}
	for _, id := range g.indicesLocked() {
		visit(id)
	}
	return result, nil
}

// Ready returns, in index order, the subtasks not yet started whose
// dependencies are all done.
func (g *DependencyGraph) Ready(done, started map[int]bool) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []int
	for _, id := range g.indicesLocked() {
		if started[id] || done[id] {
			continue
		}
		blocked := false
		for _, dep := range g.edges[id] {
			if !done[dep] {
				g.debugLog("[graph.Ready] subtask %d blocked by %d", id, dep)
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// Spec returns the subtask at index and whether it exists.
func (g *DependencyGraph) Spec(index int) (models.SubtaskSpec, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	spec, ok := g.nodes[index]
	return spec, ok
}

// Size returns the number of subtasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the indices the given subtask waits for.
func (g *DependencyGraph) Dependencies(index int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.edges[index])
}

// Dependents returns the indices that wait for the given subtask.
func (g *DependencyGraph) Dependents(index int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []int
	for _, id := range g.indicesLocked() {
		if slices.Contains(g.edges[id], index) {
			dependents = append(dependents, id)
		}
	}
	return dependents
}
