// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks for scheduling. Higher values are more important.
type Priority int

const (
	// PriorityLow tasks run only when capacity remains.
	PriorityLow Priority = iota

	// PriorityMedium tasks fill slots left after High.
	PriorityMedium

	// PriorityHigh tasks fill slots after Critical and foundation tasks.
	PriorityHigh

	// PriorityCritical tasks are always scheduled when eligible.
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a case-insensitive name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityLow, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
}

// TaskType enumerates the analysis capabilities known at compile time.
// Each type maps to exactly one result Category and to one executor.
type TaskType string

const (
	TaskStructure       TaskType = "structure"
	TaskCharacter       TaskType = "character"
	TaskStyle           TaskType = "style"
	TaskDialogue        TaskType = "dialogue"
	TaskPacing          TaskType = "pacing"
	TaskPlotConsistency TaskType = "plot_consistency"
	TaskWorldbuilding   TaskType = "worldbuilding"
	TaskTheme           TaskType = "theme"
	TaskMarketFit       TaskType = "market_fit"
	TaskSynthesis       TaskType = "synthesis"
)

// TaskTypes returns every known task type in canonical order.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskStructure,
		TaskCharacter,
		TaskStyle,
		TaskDialogue,
		TaskPacing,
		TaskPlotConsistency,
		TaskWorldbuilding,
		TaskTheme,
		TaskMarketFit,
		TaskSynthesis,
	}
}

// Valid reports whether t is one of the compile-time task types.
func (t TaskType) Valid() bool {
	_, ok := categoryByType[t]
	return ok
}

// Category groups task results in WorkflowState.Results.
type Category string

const (
	CategoryStructure     Category = "structure"
	CategoryCharacters    Category = "characters"
	CategoryStyle         Category = "style"
	CategoryDialogue      Category = "dialogue"
	CategoryPacing        Category = "pacing"
	CategoryConsistency   Category = "consistency"
	CategoryWorldbuilding Category = "worldbuilding"
	CategoryThemes        Category = "themes"
	CategoryMarket        Category = "market"
	CategorySynthesis     Category = "synthesis"
)

// categoryByType is the fixed TaskType → Category table.
var categoryByType = map[TaskType]Category{
	TaskStructure:       CategoryStructure,
	TaskCharacter:       CategoryCharacters,
	TaskStyle:           CategoryStyle,
	TaskDialogue:        CategoryDialogue,
	TaskPacing:          CategoryPacing,
	TaskPlotConsistency: CategoryConsistency,
	TaskWorldbuilding:   CategoryWorldbuilding,
	TaskTheme:           CategoryThemes,
	TaskMarketFit:       CategoryMarket,
	TaskSynthesis:       CategorySynthesis,
}

// CategoryFor returns the result category for a task type.
//
// Outputs:
//
//	Category - The mapped category.
//	bool - False if the task type is unknown.
func CategoryFor(t TaskType) (Category, bool) {
	c, ok := categoryByType[t]
	return c, ok
}

// Categories returns every category in canonical order.
func Categories() []Category {
	types := TaskTypes()
	out := make([]Category, 0, len(types))
	for _, t := range types {
		out = append(out, categoryByType[t])
	}
	return out
}

// Task is a schedulable unit of analysis work.
//
// Description:
//
//	Tasks are registered into a dag.TaskGraph and are immutable once the graph
//	is validated. ID is unique within a graph; Type selects the executor and
//	the result category. Several tasks may share a Type.
type Task struct {
	// ID uniquely identifies the task in its graph.
	ID string `json:"id" yaml:"id"`

	// Type selects the executor and result category.
	Type TaskType `json:"type" yaml:"type"`

	// Dependencies are the IDs of tasks that must complete first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// ParallelSafe marks the task as runnable alongside independent tasks.
	ParallelSafe bool `json:"parallel_safe" yaml:"parallel_safe"`

	// Required puts the task in the minimal-required set.
	Required bool `json:"required" yaml:"required"`

	// Timeout bounds a single execution. Zero means the coordinator default.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Priority drives selection order.
	Priority Priority `json:"priority" yaml:"priority"`

	// EstimatedDuration is used for ordering, degradation and diagnostics.
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
}

// Category returns the result category of the task's type.
func (t Task) Category() Category {
	return categoryByType[t.Type]
}

// Outcome is the terminal result of one action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Action is one iteration's scheduled instance of a Task.
// Actions are created fresh each iteration and never persisted.
type Action struct {
	ID       string
	TaskID   string
	IsRetry  bool
	Parallel bool
}

// ActionResult is what the coordinator records for an executed Action.
type ActionResult struct {
	ActionID     string
	TaskID       string
	Outcome      Outcome
	Payload      Payload
	ErrorMessage string
	StartedAt    time.Time
	DurationMs   int64
	IsRetry      bool
}

// Succeeded reports whether the action finished with a Success outcome.
func (r ActionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Requirements are the caller's per-run options.
type Requirements struct {
	// RequiredTasks extends the graph's required set for this run.
	RequiredTasks []string `json:"required_tasks,omitempty"`

	// Params are handed to every executor unchanged.
	Params map[string]any `json:"params,omitempty"`
}
