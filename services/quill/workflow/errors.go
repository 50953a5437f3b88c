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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestration core.
var (
	// ErrInvalidInput is returned when caller-supplied input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig is returned for structurally invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDuplicateTask is returned when registering a task ID twice.
	ErrDuplicateTask = errors.New("task with this id already exists")

	// ErrDanglingDependency is returned when a dependency names no registered task.
	ErrDanglingDependency = errors.New("dependency references unknown task")

	// ErrCycleDetected is returned when the task graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in task graph")

	// ErrGraphNotValidated is returned when scheduling against an unvalidated graph.
	ErrGraphNotValidated = errors.New("task graph has not been validated")

	// ErrTaskNotFound is returned when a task ID is not in the graph.
	ErrTaskNotFound = errors.New("task not found")

	// ErrActionTimeout marks an action that exceeded its timeout.
	ErrActionTimeout = errors.New("action timed out")

	// ErrActionExecution marks an action whose executor failed or panicked.
	ErrActionExecution = errors.New("action execution failed")

	// ErrExecutorUnavailable marks a task type whose executor could not be loaded.
	ErrExecutorUnavailable = errors.New("executor unavailable")

	// ErrSessionNotFound is returned by resume when no checkpoint exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyRunning is returned when a run is already in progress.
	ErrAlreadyRunning = errors.New("coordinator is already running")

	// ErrPersistenceWrite marks a failed checkpoint write.
	ErrPersistenceWrite = errors.New("checkpoint write failed")
)

// DuplicateTaskError names the task ID that was registered twice.
type DuplicateTaskError struct {
	TaskID string
}

// Error returns the error message.
func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q: %v", e.TaskID, ErrDuplicateTask)
}

// Unwrap returns ErrDuplicateTask.
func (e *DuplicateTaskError) Unwrap() error {
	return ErrDuplicateTask
}

// DanglingDependencyError names a task and the unknown dependency it declares.
type DanglingDependencyError struct {
	TaskID     string
	Dependency string
}

// Error returns the error message.
func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on %q: %v", e.TaskID, e.Dependency, ErrDanglingDependency)
}

// Unwrap returns ErrDanglingDependency.
func (e *DanglingDependencyError) Unwrap() error {
	return ErrDanglingDependency
}

// CycleError provides the path of a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// ActionError wraps a task-level failure with the action that caused it.
// It never escapes the coordinator; it is flattened into an ActionResult.
type ActionError struct {
	ActionID string
	TaskID   string
	Err      error
}

// Error returns the error message.
func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (task %q): %v", e.ActionID, e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Err
}
