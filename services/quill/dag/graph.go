// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag holds the static task graph for a manuscript run.
//
// A TaskGraph is populated with Register, checked once with Validate, and
// read-only afterwards. Scheduling helpers (Eligible, ParallelBatches,
// TopologicalOrder) refuse nothing at runtime; callers must not schedule
// against a graph whose Validate call failed.
package dag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// TaskGraph is a validated DAG of analysis tasks.
//
// Description:
//
//	Holds task definitions and dependency edges. Register adds tasks,
//	Validate checks dangling references and cycles and precomputes the
//	transitive ancestor sets used by ParallelBatches.
//
// Thread Safety:
//
//	Register and Validate are NOT safe for concurrent use. After Validate
//	returns nil, all read methods are safe for concurrent use.
type TaskGraph struct {
	name       string
	tasks      map[string]workflow.Task
	dependents map[string][]string // task → direct dependents
	ancestors  map[string]map[string]bool
	validated  bool
}

// New creates an empty graph.
//
// Inputs:
//
//	name - Graph name used in logs and spans.
//
// Outputs:
//
//	*TaskGraph - The empty graph.
func New(name string) *TaskGraph {
	return &TaskGraph{
		name:       name,
		tasks:      make(map[string]workflow.Task),
		dependents: make(map[string][]string),
	}
}

// Build registers every task and validates the graph.
//
// Outputs:
//
//	*TaskGraph - The validated graph.
//	error - The first registration or validation error.
func Build(name string, tasks ...workflow.Task) (*TaskGraph, error) {
	g := New(name)
	for _, t := range tasks {
		if err := g.Register(t); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Name returns the graph's name.
func (g *TaskGraph) Name() string {
	return g.name
}

// Register adds a task to the graph.
//
// Description:
//
//	Duplicate dependency IDs are collapsed. When Type is empty and the ID
//	names a known task type, the type is taken from the ID.
//
// Inputs:
//
//	task - The task definition.
//
// Outputs:
//
//	error - *workflow.DuplicateTaskError if the ID exists, ErrInvalidInput
//	        for malformed tasks or when the graph is already validated.
func (g *TaskGraph) Register(task workflow.Task) error {
	if g.validated {
		return fmt.Errorf("%w: graph %q is validated and immutable", workflow.ErrInvalidInput, g.name)
	}
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		return fmt.Errorf("%w: task id must not be empty", workflow.ErrInvalidInput)
	}
	if task.Type == "" && workflow.TaskType(task.ID).Valid() {
		task.Type = workflow.TaskType(task.ID)
	}
	if !task.Type.Valid() {
		return fmt.Errorf("%w: task %q has unknown type %q", workflow.ErrInvalidInput, task.ID, task.Type)
	}
	if task.Timeout < 0 || task.EstimatedDuration < 0 {
		return fmt.Errorf("%w: task %q has a negative duration", workflow.ErrInvalidInput, task.ID)
	}
	if _, exists := g.tasks[task.ID]; exists {
		return &workflow.DuplicateTaskError{TaskID: task.ID}
	}

	seen := make(map[string]bool, len(task.Dependencies))
	deps := make([]string, 0, len(task.Dependencies))
	for _, d := range task.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}
	sort.Strings(deps)
	task.Dependencies = deps

	g.tasks[task.ID] = task
	for _, d := range deps {
		g.dependents[d] = append(g.dependents[d], task.ID)
	}
	return nil
}

// Validate checks references and acyclicity.
//
// Description:
//
//	Every dependency must name a registered task, and the graph must have
//	no cycle (DFS with a recursion stack). On success the graph becomes
//	immutable and ancestor sets are precomputed. Calling Validate again on a
//	validated graph is a no-op.
//
// Outputs:
//
//	error - *workflow.DanglingDependencyError, *workflow.CycleError, or
//	        ErrInvalidInput for an empty graph.
func (g *TaskGraph) Validate() error {
	if g.validated {
		return nil
	}
	if len(g.tasks) == 0 {
		return fmt.Errorf("%w: graph %q has no tasks", workflow.ErrInvalidInput, g.name)
	}

	for _, id := range g.TaskIDs() {
		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return &workflow.DanglingDependencyError{TaskID: id, Dependency: dep}
			}
		}
	}

	if err := g.detectCycles(); err != nil {
		return err
	}

	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}
	g.ancestors = g.computeAncestors()
	g.validated = true
	return nil
}

// Validated reports whether Validate has succeeded.
func (g *TaskGraph) Validated() bool {
	return g.validated
}

// detectCycles uses DFS to detect cycles along dependency edges.
func (g *TaskGraph) detectCycles() error {
	visited := make(map[string]bool, len(g.tasks))
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return &workflow.CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		recStack[id] = false
		return nil
	}

	for _, id := range g.TaskIDs() {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeAncestors returns, per task, the set of direct and transitive dependencies.
func (g *TaskGraph) computeAncestors() map[string]map[string]bool {
	memo := make(map[string]map[string]bool, len(g.tasks))

	var visit func(id string) map[string]bool
	visit = func(id string) map[string]bool {
		if set, ok := memo[id]; ok {
			return set
		}
		set := make(map[string]bool)
		for _, dep := range g.tasks[id].Dependencies {
			set[dep] = true
			for a := range visit(dep) {
				set[a] = true
			}
		}
		memo[id] = set
		return set
	}

	for id := range g.tasks {
		visit(id)
	}
	return memo
}

// Task returns a task by ID.
func (g *TaskGraph) Task(id string) (workflow.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Len returns the number of registered tasks.
func (g *TaskGraph) Len() int {
	return len(g.tasks)
}

// TaskIDs returns all task IDs sorted.
func (g *TaskGraph) TaskIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependencies returns the direct dependencies of a task.
func (g *TaskGraph) Dependencies(id string) []string {
	return g.tasks[id].Dependencies
}

// Dependents returns the IDs of tasks that directly depend on id.
func (g *TaskGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Descendants returns every task that transitively depends on id, sorted.
func (g *TaskGraph) Descendants(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string{}, g.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsAncestor reports whether a is a direct or transitive dependency of b.
func (g *TaskGraph) IsAncestor(a, b string) bool {
	if g.ancestors != nil {
		return g.ancestors[b][a]
	}
	for _, d := range g.Descendants(a) {
		if d == b {
			return true
		}
	}
	return false
}

// RequiredTasks returns the IDs of tasks flagged Required, sorted.
func (g *TaskGraph) RequiredTasks() []string {
	var out []string
	for _, id := range g.TaskIDs() {
		if g.tasks[id].Required {
			out = append(out, id)
		}
	}
	return out
}

// MinimalRequiredSet returns the Required tasks plus any extra IDs that exist
// in the graph, de-duplicated and sorted. Unknown extra IDs are ignored.
func (g *TaskGraph) MinimalRequiredSet(extra []string) []string {
	set := make(map[string]bool)
	for _, id := range g.RequiredTasks() {
		set[id] = true
	}
	for _, id := range extra {
		if _, ok := g.tasks[id]; ok {
			set[id] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TasksInCategory returns the IDs of tasks whose type maps to c, sorted.
func (g *TaskGraph) TasksInCategory(c workflow.Category) []string {
	var out []string
	for _, id := range g.TaskIDs() {
		if g.tasks[id].Category() == c {
			out = append(out, id)
		}
	}
	return out
}

// TotalEstimatedDuration sums EstimatedDuration over all tasks.
func (g *TaskGraph) TotalEstimatedDuration() time.Duration {
	var total time.Duration
	for _, t := range g.tasks {
		total += t.EstimatedDuration
	}
	return total
}
