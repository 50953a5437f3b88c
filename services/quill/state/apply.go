// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianQuill/services/quill/recommend"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// ApplyResults folds one iteration's results into a new state.
//
// Description:
//
//	Pure with respect to prev: prev is cloned and never modified. Results
//	are applied in topological order of their tasks, then by action ID, so
//	the output depends only on the result map and not on completion timing.
//
//	Success adds the task to Completed, removes it from Failed, and merges
//	the payload into Results[category]. A success whose dependencies are
//	not all completed, or whose payload cannot be encoded, is downgraded to
//	a failure. Failure and Timeout add the task to Failed and append an
//	ErrorLog entry. A result for a task that is already completed changes
//	nothing and is only logged, so re-applying a result is idempotent.
//
//	Status and Recommendations are recomputed at the end.
//
// Inputs:
//
//	prev - The state from the previous iteration. Must not be nil.
//	results - Results keyed by action ID.
//	iteration - The iteration number these results belong to. Must be >= prev.Iteration.
//
// Outputs:
//
//	*workflow.WorkflowState - The next state.
//	error - workflow.ErrInvalidInput for a decreasing iteration or a nil
//	        state, workflow.ErrTaskNotFound for a result naming an unknown task.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) ApplyResults(prev *workflow.WorkflowState, results map[string]workflow.ActionResult, iteration int) (*workflow.WorkflowState, error) {
	if prev == nil {
		return nil, fmt.Errorf("%w: nil state", workflow.ErrInvalidInput)
	}
	if iteration < prev.Iteration {
		return nil, fmt.Errorf("%w: iteration %d is before current iteration %d",
			workflow.ErrInvalidInput, iteration, prev.Iteration)
	}

	ordered := make([]workflow.ActionResult, 0, len(results))
	for actionID, r := range results {
		if r.ActionID == "" {
			r.ActionID = actionID
		}
		if _, ok := s.graph.Task(r.TaskID); !ok {
			return nil, fmt.Errorf("%w: action %s names task %q", workflow.ErrTaskNotFound, r.ActionID, r.TaskID)
		}
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ti, tj := s.topoIndex[ordered[i].TaskID], s.topoIndex[ordered[j].TaskID]
		if ti != tj {
			return ti < tj
		}
		return ordered[i].ActionID < ordered[j].ActionID
	})

	next := prev.Clone()
	fillDefaults(next)
	next.Iteration = iteration

	for _, r := range ordered {
		s.applyOne(next, r, iteration)
	}

	next.Status = deriveStatus(next, s.graph.Len())
	next.Recommendations = recommend.Rank(recommend.Gather(next.Results), s.scorer, s.cfg.RecommendationLimit)
	return next, nil
}

func (s *Store) applyOne(next *workflow.WorkflowState, r workflow.ActionResult, iteration int) {
	task, _ := s.graph.Task(r.TaskID)

	if next.Completed[r.TaskID] {
		s.logger.Debug("result for completed task ignored",
			slog.String("session_id", next.SessionID),
			slog.String("task_id", r.TaskID),
			slog.String("action_id", r.ActionID),
			slog.String("outcome", string(r.Outcome)),
		)
		return
	}

	outcome := r.Outcome
	message := r.ErrorMessage
	var payload workflow.Payload

	if outcome == workflow.OutcomeSuccess {
		var missing []string
		for _, dep := range task.Dependencies {
			if !next.Completed[dep] {
				missing = append(missing, dep)
			}
		}
		var err error
		switch {
		case len(missing) > 0:
			outcome = workflow.OutcomeFailure
			message = "dependencies not completed: " + strings.Join(missing, ", ")
		default:
			payload, err = canonicalPayload(r.Payload)
			if err != nil {
				outcome = workflow.OutcomeFailure
				message = err.Error()
			}
		}
	}

	startedMs := r.StartedAt.UnixMilli()
	next.History = append(next.History, workflow.ActionRecord{
		ActionID:   r.ActionID,
		TaskID:     r.TaskID,
		Outcome:    outcome,
		Iteration:  iteration,
		IsRetry:    r.IsRetry,
		StartedAt:  startedMs,
		DurationMs: r.DurationMs,
	})

	switch outcome {
	case workflow.OutcomeSuccess:
		next.Completed[r.TaskID] = true
		delete(next.Failed, r.TaskID)
		cat := task.Category()
		next.Results[cat] = next.Results[cat].Merge(payload)
	default:
		if outcome != workflow.OutcomeTimeout {
			outcome = workflow.OutcomeFailure
		}
		if message == "" {
			if outcome == workflow.OutcomeTimeout {
				message = workflow.ErrActionTimeout.Error()
			} else {
				message = workflow.ErrActionExecution.Error()
			}
		}
		next.Failed[r.TaskID] = true
		next.ErrorLog = append(next.ErrorLog, workflow.ErrorEntry{
			TaskID:    r.TaskID,
			ActionID:  r.ActionID,
			Outcome:   outcome,
			Message:   message,
			Iteration: iteration,
			Timestamp: startedMs + r.DurationMs,
		})
	}
}

// canonicalPayload round-trips p through JSON so that stored results hold
// only JSON-native values and survive a checkpoint unchanged.
func canonicalPayload(p workflow.Payload) (workflow.Payload, error) {
	if p == nil {
		return workflow.Payload{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload is not serializable: %w", err)
	}
	var out workflow.Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload is not serializable: %w", err)
	}
	if out == nil {
		out = workflow.Payload{}
	}
	return out, nil
}

// deriveStatus maps completion and failure ratios to a Status.
//
// Iteration 0 is Initialized. Every task completed is Completed. More than
// half the tasks failed is Failed. At least half completed is Advanced.
// Anything else is InProgress.
func deriveStatus(s *workflow.WorkflowState, total int) workflow.Status {
	if s.Iteration == 0 {
		return workflow.StatusInitialized
	}
	if total <= 0 {
		return workflow.StatusInProgress
	}
	completed := len(s.CompletedIDs())
	failed := len(s.FailedIDs())
	switch {
	case completed >= total:
		return workflow.StatusCompleted
	case float64(failed)/float64(total) > 0.5:
		return workflow.StatusFailed
	case float64(completed)/float64(total) >= 0.5:
		return workflow.StatusAdvanced
	default:
		return workflow.StatusInProgress
	}
}
