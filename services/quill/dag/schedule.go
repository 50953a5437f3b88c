// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"sort"
	"time"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// Eligible returns the tasks whose dependencies are all completed and which
// are not completed themselves.
//
// Description:
//
//	Failed tasks are eligible again (they are retry candidates); whether to
//	retry them is the decision engine's call. The result is sorted and never
//	contains an ID present in completed.
//
// Inputs:
//
//	completed - Set of completed task IDs. May be nil.
//
// Outputs:
//
//	[]string - Eligible task IDs, sorted.
func (g *TaskGraph) Eligible(completed map[string]bool) []string {
	out := make([]string, 0)
	for _, id := range g.TaskIDs() {
		if completed[id] {
			continue
		}
		ready := true
		for _, dep := range g.tasks[id].Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// ParallelBatches partitions ids into groups that may run concurrently.
//
// Description:
//
//	Two tasks share a group only if both are parallel-safe and neither is a
//	direct or transitive dependency of the other. Tasks that are not
//	parallel-safe, and IDs unknown to the graph, each form a singleton group.
//	Parallel groups come first in first-fit order over the sorted IDs,
//	followed by the singleton groups in sorted order. The result is an
//	exhaustive, non-overlapping partition of the de-duplicated input.
//
// Inputs:
//
//	ids - Task IDs to partition. Duplicates are ignored.
//
// Outputs:
//
//	[][]string - The groups.
func (g *TaskGraph) ParallelBatches(ids []string) [][]string {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	var parallel [][]string
	var sequential [][]string

	for _, id := range unique {
		task, ok := g.tasks[id]
		if !ok || !task.ParallelSafe {
			sequential = append(sequential, []string{id})
			continue
		}

		placed := false
		for i, group := range parallel {
			if g.independentOfAll(id, group) {
				parallel[i] = append(group, id)
				placed = true
				break
			}
		}
		if !placed {
			parallel = append(parallel, []string{id})
		}
	}

	return append(parallel, sequential...)
}

func (g *TaskGraph) independentOfAll(id string, group []string) bool {
	for _, other := range group {
		if g.IsAncestor(id, other) || g.IsAncestor(other, id) {
			return false
		}
	}
	return true
}

// TopologicalOrder returns a deterministic order consistent with dependencies.
//
// Description:
//
//	Kahn's algorithm with a lexicographically sorted ready set, so equal
//	graphs always produce the same order.
//
// Outputs:
//
//	[]string - Every task ID, dependencies before dependents.
//	error - *workflow.CycleError or *workflow.DanglingDependencyError if the
//	        graph is not a DAG.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	if !g.validated {
		for _, id := range g.TaskIDs() {
			for _, dep := range g.tasks[id].Dependencies {
				if _, ok := g.tasks[dep]; !ok {
					return nil, &workflow.DanglingDependencyError{TaskID: id, Dependency: dep}
				}
			}
		}
		if err := g.detectCycles(); err != nil {
			return nil, err
		}
	}

	indeg := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		indeg[id] = len(t.Dependencies)
	}

	ready := make([]string, 0)
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		dependents := append([]string{}, g.dependents[id]...)
		sort.Strings(dependents)
		for _, next := range dependents {
			indeg[next]--
			if indeg[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	return order, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// CriticalPath is the longest dependency chain by estimated duration.
type CriticalPath struct {
	// Tasks lists the chain from a zero-dependency task to a terminal task.
	Tasks []string `json:"tasks"`

	// Duration is the summed EstimatedDuration of the chain.
	Duration time.Duration `json:"duration"`
}

// CriticalPath returns the longest chain from a zero-dependency task to a
// task with no dependents, weighted by EstimatedDuration.
//
// Description:
//
//	Diagnostic only; scheduling never consults it. Ties between chains of
//	equal length resolve to the lexicographically smallest IDs.
//
// Outputs:
//
//	CriticalPath - The chain and its duration.
//	error - Non-nil if the graph is cyclic.
func (g *TaskGraph) CriticalPath() (CriticalPath, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return CriticalPath{}, err
	}

	best := make(map[string]time.Duration, len(order))
	pred := make(map[string]string, len(order))
	for _, id := range order {
		t := g.tasks[id]
		var longest time.Duration
		from := ""
		for _, dep := range t.Dependencies { // sorted at Register
			if from == "" || best[dep] > longest {
				longest = best[dep]
				from = dep
			}
		}
		best[id] = longest + t.EstimatedDuration
		pred[id] = from
	}

	end := ""
	for _, id := range order {
		if len(g.dependents[id]) > 0 {
			continue
		}
		if end == "" || best[id] > best[end] || (best[id] == best[end] && id < end) {
			end = id
		}
	}
	if end == "" {
		return CriticalPath{}, nil
	}

	var chain []string
	for id := end; id != ""; id = pred[id] {
		chain = append(chain, id)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return CriticalPath{Tasks: chain, Duration: best[end]}, nil
}
