// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision selects and orders the actions of one iteration.
package decision

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// Config holds the selection limits.
type Config struct {
	// ConcurrencyCap bounds the actions selected per iteration.
	ConcurrencyCap int

	// RetryCap bounds retry actions per iteration.
	RetryCap int

	// ShrinkAtIteration is the first iteration that uses ShrunkCap.
	ShrinkAtIteration int

	// ShrunkCap replaces ConcurrencyCap from ShrinkAtIteration on.
	ShrunkCap int

	// DependencyFailureLimit excludes a task once one of its dependencies,
	// or the task itself, has failed more than this many times.
	DependencyFailureLimit int

	// DegradeErrorRate is the last-iteration error rate (errors/actions)
	// above which expensive tasks are skipped.
	DegradeErrorRate float64

	// ExpensiveDuration marks a task as expensive when its estimate exceeds it.
	ExpensiveDuration time.Duration

	// CompletionRatio lets a run complete with High tasks still eligible.
	CompletionRatio float64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		ConcurrencyCap:         3,
		RetryCap:               2,
		ShrinkAtIteration:      3,
		ShrunkCap:              2,
		DependencyFailureLimit: 2,
		DegradeErrorRate:       0.5,
		ExpensiveDuration:      60 * time.Second,
		CompletionRatio:        0.8,
	}
}

// Validate rejects limits that would make selection meaningless.
func (c Config) Validate() error {
	switch {
	case c.ConcurrencyCap <= 0:
		return fmt.Errorf("%w: concurrency cap must be positive", workflow.ErrInvalidConfig)
	case c.ShrunkCap <= 0:
		return fmt.Errorf("%w: shrunk cap must be positive", workflow.ErrInvalidConfig)
	case c.RetryCap < 0:
		return fmt.Errorf("%w: retry cap must not be negative", workflow.ErrInvalidConfig)
	case c.ShrinkAtIteration <= 0:
		return fmt.Errorf("%w: shrink iteration must be positive", workflow.ErrInvalidConfig)
	case c.DependencyFailureLimit < 0:
		return fmt.Errorf("%w: dependency failure limit must not be negative", workflow.ErrInvalidConfig)
	case c.DegradeErrorRate < 0 || c.DegradeErrorRate > 1:
		return fmt.Errorf("%w: degrade error rate must be in [0,1]", workflow.ErrInvalidConfig)
	case c.CompletionRatio <= 0 || c.CompletionRatio > 1:
		return fmt.Errorf("%w: completion ratio must be in (0,1]", workflow.ErrInvalidConfig)
	}
	return nil
}

// Engine applies the selection rules against one task graph.
//
// Thread Safety: Safe for concurrent use; it holds no mutable state.
type Engine struct {
	graph  *dag.TaskGraph
	cfg    Config
	logger *slog.Logger
	newID  func() string
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(graph *dag.TaskGraph, cfg Config, logger *slog.Logger) (*Engine, error) {
	if graph == nil || !graph.Validated() {
		return nil, workflow.ErrGraphNotValidated
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{graph: graph, cfg: cfg, logger: logger, newID: uuid.NewString}, nil
}

// Config returns the limits in use.
func (e *Engine) Config() Config { return e.cfg }

// CapFor returns the selection cap for an iteration number.
func (e *Engine) CapFor(iteration int) int {
	if iteration >= e.cfg.ShrinkAtIteration && e.cfg.ShrunkCap < e.cfg.ConcurrencyCap {
		return e.cfg.ShrunkCap
	}
	return e.cfg.ConcurrencyCap
}

// GetNextActions selects the actions for the iteration after st.Iteration.
//
// Description:
//
//	Rules, applied to the graph's eligible tasks:
//	  - a task is excluded when a dependency, or the task itself, has
//	    failed more than DependencyFailureLimit times;
//	  - when the last iteration's error rate exceeds DegradeErrorRate,
//	    tasks estimated above ExpensiveDuration are excluded unless Critical;
//	  - every remaining Critical task is selected;
//	  - the remaining slots up to the cap are filled with zero-dependency
//	    tasks first on the first iteration, then by priority High, Medium,
//	    Low, then ID; the cap shrinks from ShrinkAtIteration on;
//	  - at most RetryCap selected actions retry a failed task, keeping the
//	    highest-priority ones.
//
//	The selection is then ordered: parallel-safe actions first, trimmed to
//	the cap by smallest EstimatedDuration then ID; then sequential actions
//	by descending fan-out (pending downstream tasks), priority, then ID.
//
// Inputs:
//
//	st - Current state. Nil selects nothing.
//
// Outputs:
//
//	[]workflow.Action - Fresh actions with IDs of the form
//	                    <task>-i<iteration>-<8 hex digits>. Empty when
//	                    nothing is eligible.
func (e *Engine) GetNextActions(st *workflow.WorkflowState) []workflow.Action {
	if st == nil {
		return []workflow.Action{}
	}
	return e.SelectActions(st, e.graph.Eligible(st.Completed))
}

// SelectActions applies the GetNextActions rules to a precomputed eligible
// set. IDs unknown to the graph or already completed in st are ignored.
func (e *Engine) SelectActions(st *workflow.WorkflowState, eligible []string) []workflow.Action {
	if st == nil {
		return []workflow.Action{}
	}
	next := st.Iteration + 1
	limit := e.CapFor(next)
	degraded := st.ActionsInIteration(st.Iteration) > 0 && st.LastIterationErrorRate() > e.cfg.DegradeErrorRate

	var critical, others []workflow.Task
	seen := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		task, ok := e.graph.Task(id)
		if !ok || st.Completed[id] || seen[id] {
			continue
		}
		seen[id] = true
		if reason := e.excluded(st, task, degraded); reason != "" {
			e.logger.Debug("task excluded",
				slog.String("session_id", st.SessionID),
				slog.String("task_id", id),
				slog.Int("iteration", next),
				slog.String("reason", reason),
			)
			continue
		}
		if task.Priority == workflow.PriorityCritical {
			critical = append(critical, task)
		} else {
			others = append(others, task)
		}
	}

	foundationFirst := next <= 1
	sort.SliceStable(others, func(i, j int) bool {
		a, b := others[i], others[j]
		if foundationFirst {
			fa, fb := len(a.Dependencies) == 0, len(b.Dependencies) == 0
			if fa != fb {
				return fa
			}
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	retries := 0
	selected := make([]workflow.Task, 0, limit+len(critical))
	for _, task := range critical {
		if st.Failed[task.ID] {
			retries++
		}
		selected = append(selected, task)
	}

	slots := limit - len(critical)
	for _, task := range others {
		if slots <= 0 {
			break
		}
		if st.Failed[task.ID] {
			if retries >= e.cfg.RetryCap {
				continue
			}
			retries++
		}
		selected = append(selected, task)
		slots--
	}

	return e.order(st, selected, limit)
}

func (e *Engine) excluded(st *workflow.WorkflowState, task workflow.Task, degraded bool) string {
	for _, dep := range task.Dependencies {
		if n := st.FailureCount(dep); n > e.cfg.DependencyFailureLimit {
			return fmt.Sprintf("dependency %s failed %d times", dep, n)
		}
	}
	if n := st.FailureCount(task.ID); n > e.cfg.DependencyFailureLimit {
		return fmt.Sprintf("task failed %d times", n)
	}
	if degraded && task.Priority != workflow.PriorityCritical && task.EstimatedDuration > e.cfg.ExpensiveDuration {
		return "expensive task skipped under high error rate"
	}
	return ""
}

func (e *Engine) order(st *workflow.WorkflowState, selected []workflow.Task, limit int) []workflow.Action {
	var parallel, sequential []workflow.Task
	for _, t := range selected {
		if t.ParallelSafe {
			parallel = append(parallel, t)
		} else {
			sequential = append(sequential, t)
		}
	}

	sort.Slice(parallel, func(i, j int) bool {
		if parallel[i].EstimatedDuration != parallel[j].EstimatedDuration {
			return parallel[i].EstimatedDuration < parallel[j].EstimatedDuration
		}
		return parallel[i].ID < parallel[j].ID
	})
	if len(parallel) > limit {
		parallel = parallel[:limit]
	}

	fanOut := make(map[string]int, len(sequential))
	for _, t := range sequential {
		for _, d := range e.graph.Descendants(t.ID) {
			if !st.Completed[d] {
				fanOut[t.ID]++
			}
		}
	}
	sort.Slice(sequential, func(i, j int) bool {
		a, b := sequential[i], sequential[j]
		if fanOut[a.ID] != fanOut[b.ID] {
			return fanOut[a.ID] > fanOut[b.ID]
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	actions := make([]workflow.Action, 0, len(parallel)+len(sequential))
	for _, t := range parallel {
		actions = append(actions, e.action(st, t))
	}
	for _, t := range sequential {
		actions = append(actions, e.action(st, t))
	}
	return actions
}

func (e *Engine) action(st *workflow.WorkflowState, t workflow.Task) workflow.Action {
	id := e.newID()
	if len(id) > 8 {
		id = id[:8]
	}
	return workflow.Action{
		ID:       fmt.Sprintf("%s-i%d-%s", t.ID, st.Iteration+1, id),
		TaskID:   t.ID,
		IsRetry:  st.Failed[t.ID],
		Parallel: t.ParallelSafe,
	}
}

// IsWorkflowComplete reports whether the run has done enough.
//
// Description:
//
//	True when every task of the minimal-required set is completed and
//	either no Critical or High task is still eligible or the completed
//	share of the graph reaches CompletionRatio.
func (e *Engine) IsWorkflowComplete(st *workflow.WorkflowState) bool {
	if st == nil {
		return false
	}
	for _, id := range e.graph.MinimalRequiredSet(st.Requirements.RequiredTasks) {
		if !st.Completed[id] {
			return false
		}
	}

	ratio := float64(len(st.CompletedIDs())) / float64(e.graph.Len())
	if ratio >= e.cfg.CompletionRatio {
		return true
	}
	for _, id := range e.graph.Eligible(st.Completed) {
		task, _ := e.graph.Task(id)
		if task.Priority >= workflow.PriorityHigh {
			return false
		}
	}
	return true
}
