// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recommend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// TestNormalize verifies case, whitespace and punctuation folding.
func TestNormalize(t *testing.T) {
	assert.Equal(t, "tighten the opening", Normalize("  Tighten   the OPENING. "))
	assert.Equal(t, Normalize("Cut the prologue!"), Normalize("cut the prologue"))
	assert.Equal(t, "", Normalize(" ... "))
}

// TestKeywordScorer verifies base priority plus keyword boosts.
func TestKeywordScorer(t *testing.T) {
	s := DefaultKeywordScorer()

	plain := s.Score(workflow.CategoryStyle, "vary sentence length")
	assert.InDelta(t, 0.50, plain, 1e-9)

	boosted := s.Score(workflow.CategoryStyle, "Critical: the timeline is inconsistent")
	assert.InDelta(t, 0.50+0.30+0.20, boosted, 1e-9)

	assert.InDelta(t, 0.0, s.Score("unknown", "nothing"), 1e-9)
}

// TestRank_DedupeAndOrder verifies deduplication, ordering and stable ties.
func TestRank_DedupeAndOrder(t *testing.T) {
	flat := ScorerFunc(func(_ workflow.Category, _ string) float64 { return 1 })

	got := Rank([]Candidate{
		{Category: workflow.CategoryStyle, Text: "first"},
		{Category: workflow.CategoryPacing, Text: "second"},
		{Category: workflow.CategoryPacing, Text: "FIRST."},
		{Category: workflow.CategoryPacing, Text: "   "},
		{Category: workflow.CategoryThemes, Text: "third"},
	}, flat, 0)

	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, workflow.CategoryStyle, got[0].Category)
	assert.Equal(t, "second", got[1].Text)
	assert.Equal(t, "third", got[2].Text)
}

// TestRank_ScoreOrderAndCap verifies descending scores and the top-N cap.
func TestRank_ScoreOrderAndCap(t *testing.T) {
	var candidates []Candidate
	for i := 0; i < 15; i++ {
		candidates = append(candidates, Candidate{Category: workflow.CategoryStyle, Text: fmt.Sprintf("note %02d", i)})
	}
	candidates = append(candidates, Candidate{Category: workflow.CategoryStructure, Text: "critical plot hole in act two"})

	got := Rank(candidates, nil, 0)

	require.Len(t, got, DefaultLimit)
	assert.Equal(t, "critical plot hole in act two", got[0].Text)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
	assert.Equal(t, "note 00", got[1].Text)
}

// TestRank_DuplicateKeepsHighestScore verifies the surviving duplicate score.
func TestRank_DuplicateKeepsHighestScore(t *testing.T) {
	got := Rank([]Candidate{
		{Category: workflow.CategoryMarket, Text: "Clarify the ending"},
		{Category: workflow.CategoryStructure, Text: "clarify the ending"},
	}, DefaultKeywordScorer(), 5)

	require.Len(t, got, 1)
	assert.Equal(t, workflow.CategoryMarket, got[0].Category)
	assert.InDelta(t, 0.90, got[0].Score, 1e-9)
}

// TestGather verifies canonical category order.
func TestGather(t *testing.T) {
	results := map[workflow.Category]workflow.Payload{
		workflow.CategoryMarket:    {workflow.PayloadKeyRecommendations: []any{"m1"}},
		workflow.CategoryStructure: {workflow.PayloadKeyRecommendations: []string{"s1", "s2"}},
		workflow.CategoryStyle:     {"quality_score": 0.4},
	}

	got := Gather(results)
	require.Len(t, got, 3)
	assert.Equal(t, Candidate{Category: workflow.CategoryStructure, Text: "s1"}, got[0])
	assert.Equal(t, Candidate{Category: workflow.CategoryMarket, Text: "m1"}, got[2])
}

// TestRank_Empty verifies a non-nil empty result.
func TestRank_Empty(t *testing.T) {
	got := Rank(nil, nil, 3)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
