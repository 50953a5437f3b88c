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
	"sort"
)

// Status is the derived lifecycle status of a WorkflowState.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusInProgress  Status = "in_progress"
	StatusAdvanced    Status = "advanced"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ErrorEntry is one structured errorLog record.
type ErrorEntry struct {
	TaskID    string  `json:"task_id"`
	ActionID  string  `json:"action_id,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Message   string  `json:"message"`
	Iteration int     `json:"iteration"`

	// Timestamp is Unix milliseconds UTC.
	Timestamp int64 `json:"timestamp"`
}

// ActionRecord is one action-history entry.
type ActionRecord struct {
	ActionID  string  `json:"action_id"`
	TaskID    string  `json:"task_id"`
	Outcome   Outcome `json:"outcome"`
	Iteration int     `json:"iteration"`
	IsRetry   bool    `json:"is_retry,omitempty"`

	// StartedAt is Unix milliseconds UTC.
	StartedAt  int64 `json:"started_at"`
	DurationMs int64 `json:"duration_ms"`
}

// Recommendation is one ranked, deduplicated suggestion.
type Recommendation struct {
	Category Category `json:"category"`
	Text     string   `json:"text"`
	Score    float64  `json:"score"`
}

// WorkflowState is the canonical evolving state of one run.
//
// Description:
//
//	Created by state.Store.Initialize and replaced (never mutated in place)
//	by state.Store.ApplyResults once per iteration. Completed and Failed are
//	disjoint; Iteration never decreases.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. The coordinator owns the value for the
//	duration of an iteration and hands executors a Clone.
type WorkflowState struct {
	SessionID       string               `json:"session_id"`
	Input           string               `json:"input"`
	Requirements    Requirements         `json:"requirements"`
	Iteration       int                  `json:"iteration"`
	Completed       map[string]bool      `json:"completed"`
	Failed          map[string]bool      `json:"failed"`
	Results         map[Category]Payload `json:"results"`
	Recommendations []Recommendation     `json:"recommendations"`
	ErrorLog        []ErrorEntry         `json:"error_log"`
	History         []ActionRecord       `json:"history"`
	Status          Status               `json:"status"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`
}

// IsCompleted reports whether taskID is in the completed set.
func (s *WorkflowState) IsCompleted(taskID string) bool {
	return s.Completed[taskID]
}

// IsFailed reports whether taskID is in the failed set.
func (s *WorkflowState) IsFailed(taskID string) bool {
	return s.Failed[taskID]
}

// CompletedIDs returns the completed task IDs sorted.
func (s *WorkflowState) CompletedIDs() []string {
	return sortedKeys(s.Completed)
}

// FailedIDs returns the failed task IDs sorted.
func (s *WorkflowState) FailedIDs() []string {
	return sortedKeys(s.Failed)
}

// FailureCount returns how many errorLog entries were recorded for taskID
// across the whole run.
func (s *WorkflowState) FailureCount(taskID string) int {
	n := 0
	for _, e := range s.ErrorLog {
		if e.TaskID == taskID {
			n++
		}
	}
	return n
}

// ErrorsInIteration returns the number of errorLog entries for iteration.
func (s *WorkflowState) ErrorsInIteration(iteration int) int {
	n := 0
	for _, e := range s.ErrorLog {
		if e.Iteration == iteration {
			n++
		}
	}
	return n
}

// ActionsInIteration returns the number of history entries for iteration.
func (s *WorkflowState) ActionsInIteration(iteration int) int {
	n := 0
	for _, r := range s.History {
		if r.Iteration == iteration {
			n++
		}
	}
	return n
}

// LastIterationErrorRate returns errors/actions for the most recent iteration.
// Zero when the last iteration ran no actions.
func (s *WorkflowState) LastIterationErrorRate() float64 {
	actions := s.ActionsInIteration(s.Iteration)
	if actions == 0 {
		return 0
	}
	return float64(s.ErrorsInIteration(s.Iteration)) / float64(actions)
}

// Clone returns a deep copy that shares no mutable data with s.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s

	out.Requirements = Requirements{
		RequiredTasks: cloneStrings(s.Requirements.RequiredTasks),
		Params:        Payload(s.Requirements.Params).Clone(),
	}
	out.Completed = cloneSet(s.Completed)
	out.Failed = cloneSet(s.Failed)

	if s.Results != nil {
		out.Results = make(map[Category]Payload, len(s.Results))
		for k, v := range s.Results {
			out.Results[k] = v.Clone()
		}
	}
	if s.Recommendations != nil {
		out.Recommendations = append(make([]Recommendation, 0, len(s.Recommendations)), s.Recommendations...)
	}
	if s.ErrorLog != nil {
		out.ErrorLog = append(make([]ErrorEntry, 0, len(s.ErrorLog)), s.ErrorLog...)
	}
	if s.History != nil {
		out.History = append(make([]ActionRecord, 0, len(s.History)), s.History...)
	}
	return &out
}

// IterationDecision is the controller's verdict at the end of an iteration.
type IterationDecision string

const (
	DecisionContinue IterationDecision = "continue"
	DecisionFinalize IterationDecision = "finalize"
)

// IterationSummary is an append-only record of one finished iteration.
type IterationSummary struct {
	IterationNumber  int               `json:"iteration_number"`
	ConvergenceScore float64           `json:"convergence_score"`
	Decision         IterationDecision `json:"decision"`
	AgentsCompleted  []string          `json:"agents_completed"`
	StopReason       string            `json:"stop_reason,omitempty"`
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func cloneSet(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
