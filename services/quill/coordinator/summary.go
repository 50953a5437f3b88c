// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"sort"
	"time"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// RunState is the coordinator's lifecycle state.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunStopped   RunState = "stopped"
)

// StatusSnapshot is a point-in-time view for GetStatus.
type StatusSnapshot struct {
	SessionID           string          `json:"session_id,omitempty"`
	RunState            RunState        `json:"run_state"`
	Iteration           int             `json:"iteration"`
	Completed           []string        `json:"completed"`
	Failed              []string        `json:"failed"`
	Status              workflow.Status `json:"status,omitempty"`
	StopReason          string          `json:"stop_reason,omitempty"`
	LastCheckpointStale bool            `json:"last_checkpoint_stale"`
}

// QualityMetrics is the weighted quality block of a summary.
type QualityMetrics struct {
	// Overall is the weighted mean over categories that reported a score.
	// Missing categories are left out of the denominator.
	Overall float64 `json:"overall"`

	// Scored is false when no category reported a score.
	Scored bool `json:"scored"`

	// Categories holds each reported score.
	Categories map[workflow.Category]float64 `json:"categories"`

	// Weights holds the weight used for each scored category.
	Weights map[workflow.Category]float64 `json:"weights"`
}

// ResultSummary is the outcome of a run.
type ResultSummary struct {
	SessionID  string          `json:"session_id"`
	RunState   RunState        `json:"run_state"`
	Status     workflow.Status `json:"status"`
	StopReason string          `json:"stop_reason,omitempty"`
	Iterations int             `json:"iterations"`

	// CategoryComplete is true for a category when every graph task in it
	// completed.
	CategoryComplete map[workflow.Category]bool `json:"category_complete"`

	Recommendations []workflow.Recommendation   `json:"recommendations"`
	Quality         QualityMetrics              `json:"quality"`
	ErrorLog        []workflow.ErrorEntry       `json:"error_log"`
	History         []workflow.IterationSummary `json:"history"`

	CriticalPath      []string      `json:"critical_path"`
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// CheckpointStale is set when the last checkpoint write failed.
	CheckpointStale bool `json:"checkpoint_stale"`
}

// SummaryOptions carries the run facts that are not part of the state.
type SummaryOptions struct {
	RunState        RunState
	StopReason      string
	History         []workflow.IterationSummary
	CheckpointStale bool
	QualityWeights  map[workflow.Category]float64
	TopN            int
}

// BuildSummary assembles a ResultSummary from the final state. It has no
// side effects and does not modify st.
func BuildSummary(graph *dag.TaskGraph, st *workflow.WorkflowState, opts SummaryOptions) *ResultSummary {
	out := &ResultSummary{
		SessionID:        st.SessionID,
		RunState:         opts.RunState,
		Status:           st.Status,
		StopReason:       opts.StopReason,
		Iterations:       st.Iteration,
		CategoryComplete: make(map[workflow.Category]bool),
		Recommendations:  []workflow.Recommendation{},
		Quality:          weightedQuality(st.Results, opts.QualityWeights),
		ErrorLog:         append([]workflow.ErrorEntry{}, st.ErrorLog...),
		History:          append([]workflow.IterationSummary{}, opts.History...),
		CriticalPath:     []string{},
		CheckpointStale:  opts.CheckpointStale,
	}

	for _, cat := range workflow.Categories() {
		ids := graph.TasksInCategory(cat)
		if len(ids) == 0 {
			continue
		}
		done := true
		for _, id := range ids {
			if !st.Completed[id] {
				done = false
				break
			}
		}
		out.CategoryComplete[cat] = done
	}

	n := len(st.Recommendations)
	if opts.TopN > 0 && n > opts.TopN {
		n = opts.TopN
	}
	out.Recommendations = append(out.Recommendations, st.Recommendations[:n]...)

	if cp, err := graph.CriticalPath(); err == nil {
		out.CriticalPath = append(out.CriticalPath, cp.Tasks...)
	}
	out.EstimatedDuration = graph.TotalEstimatedDuration()
	return out
}

// weightedQuality averages reported category scores. A category without a
// configured weight weighs 1; a zero weight excludes it.
func weightedQuality(results map[workflow.Category]workflow.Payload, weights map[workflow.Category]float64) QualityMetrics {
	q := QualityMetrics{
		Categories: make(map[workflow.Category]float64),
		Weights:    make(map[workflow.Category]float64),
	}

	cats := make([]workflow.Category, 0, len(results))
	for cat := range results {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	var sum, total float64
	for _, cat := range cats {
		score, ok := results[cat].Quality()
		if !ok {
			continue
		}
		w, set := weights[cat]
		if !set {
			w = 1
		}
		q.Categories[cat] = score
		if w <= 0 {
			continue
		}
		q.Weights[cat] = w
		sum += score * w
		total += w
	}
	if total > 0 {
		q.Overall = sum / total
		q.Scored = true
	}
	return q
}
