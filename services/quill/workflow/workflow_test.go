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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPayload_Quality verifies numeric coercion, clamping and absence.
func TestPayload_Quality(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    float64
		present bool
	}{
		{"nil payload", nil, 0, false},
		{"missing key", Payload{"notes": "x"}, 0, false},
		{"float64", Payload{PayloadKeyQuality: 0.7}, 0.7, true},
		{"int", Payload{PayloadKeyQuality: 1}, 1, true},
		{"clamped high", Payload{PayloadKeyQuality: 1.8}, 1, true},
		{"clamped low", Payload{PayloadKeyQuality: -0.2}, 0, true},
		{"non numeric", Payload{PayloadKeyQuality: "high"}, 0, false},
		{"nan", Payload{PayloadKeyQuality: math.NaN()}, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.payload.Quality()
			assert.Equal(t, tc.present, ok)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

// TestPayload_Recommendations verifies both decoded and native list forms.
func TestPayload_Recommendations(t *testing.T) {
	native := Payload{PayloadKeyRecommendations: []string{"tighten act two", " "}}
	assert.Equal(t, []string{"tighten act two"}, native.Recommendations())

	decoded := Payload{PayloadKeyRecommendations: []any{"cut the prologue", 3, ""}}
	assert.Equal(t, []string{"cut the prologue"}, decoded.Recommendations())

	assert.Nil(t, Payload{}.Recommendations())
}

// TestPayload_Merge verifies overwrite semantics and recommendation concatenation.
func TestPayload_Merge(t *testing.T) {
	base := Payload{
		PayloadKeyQuality:         0.5,
		PayloadKeyRecommendations: []string{"a"},
		"keep":                    true,
	}
	other := Payload{
		PayloadKeyQuality:         0.9,
		PayloadKeyRecommendations: []any{"b"},
	}

	merged := base.Merge(other)

	q, ok := merged.Quality()
	require.True(t, ok)
	assert.InDelta(t, 0.9, q, 1e-9)
	assert.Equal(t, []string{"a", "b"}, merged.Recommendations())
	assert.Equal(t, true, merged["keep"])

	// Inputs untouched.
	assert.Equal(t, []string{"a"}, base.Recommendations())
	assert.Equal(t, 0.5, base[PayloadKeyQuality])
}

// TestPayload_CloneIsDeep verifies nested structures are not shared.
func TestPayload_CloneIsDeep(t *testing.T) {
	orig := Payload{"nested": map[string]any{"list": []any{"x"}}}
	clone := orig.Clone()

	clone["nested"].(map[string]any)["list"].([]any)[0] = "y"
	assert.Equal(t, "x", orig["nested"].(map[string]any)["list"].([]any)[0])
}

// TestWorkflowState_Clone verifies the clone shares no mutable data.
func TestWorkflowState_Clone(t *testing.T) {
	s := &WorkflowState{
		SessionID: "s1",
		Completed: map[string]bool{"a": true},
		Failed:    map[string]bool{},
		Results:   map[Category]Payload{CategoryStructure: {PayloadKeyQuality: 0.4}},
		ErrorLog:  []ErrorEntry{{TaskID: "b", Iteration: 1}},
	}

	c := s.Clone()
	c.Completed["z"] = true
	c.Results[CategoryStructure][PayloadKeyQuality] = 0.9
	c.ErrorLog[0].TaskID = "changed"

	assert.False(t, s.Completed["z"])
	assert.Equal(t, 0.4, s.Results[CategoryStructure][PayloadKeyQuality])
	assert.Equal(t, "b", s.ErrorLog[0].TaskID)
	assert.Equal(t, s.SessionID, c.SessionID)
}

// TestWorkflowState_Counters verifies failure and error-rate helpers.
func TestWorkflowState_Counters(t *testing.T) {
	s := &WorkflowState{
		Iteration: 2,
		ErrorLog: []ErrorEntry{
			{TaskID: "a", Iteration: 1},
			{TaskID: "a", Iteration: 2},
			{TaskID: "b", Iteration: 2},
		},
		History: []ActionRecord{
			{TaskID: "a", Iteration: 2},
			{TaskID: "b", Iteration: 2},
			{TaskID: "c", Iteration: 2},
			{TaskID: "d", Iteration: 2},
		},
	}

	assert.Equal(t, 2, s.FailureCount("a"))
	assert.Equal(t, 0, s.FailureCount("c"))
	assert.Equal(t, 2, s.ErrorsInIteration(2))
	assert.InDelta(t, 0.5, s.LastIterationErrorRate(), 1e-9)
}

// TestParsePriority verifies name parsing and error wrapping.
func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("Critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

// TestCategoryFor verifies every task type has a category.
func TestCategoryFor(t *testing.T) {
	for _, tt := range TaskTypes() {
		c, ok := CategoryFor(tt)
		assert.True(t, ok, "task type %s", tt)
		assert.NotEmpty(t, c)
	}
	_, ok := CategoryFor("unknown")
	assert.False(t, ok)
	assert.Len(t, Categories(), len(TaskTypes()))
}

// TestErrors_Unwrap verifies typed errors match their sentinels.
func TestErrors_Unwrap(t *testing.T) {
	assert.ErrorIs(t, &DuplicateTaskError{TaskID: "a"}, ErrDuplicateTask)
	assert.ErrorIs(t, &DanglingDependencyError{TaskID: "a", Dependency: "b"}, ErrDanglingDependency)
	assert.ErrorIs(t, &CycleError{Path: []string{"a", "b", "a"}}, ErrCycleDetected)
	assert.ErrorIs(t, &ActionError{ActionID: "x", TaskID: "a", Err: ErrActionTimeout}, ErrActionTimeout)
	assert.Contains(t, (&CycleError{Path: []string{"a", "b", "a"}}).Error(), "a -> b -> a")
}
