// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recommend ranks the recommendation strings produced by analysis tasks.
//
// Scoring is pluggable through the Scorer interface; KeywordScorer is the
// default heuristic (category base priority plus keyword boosts). Rank
// handles deduplication, ordering, and the top-N cap.
package recommend

import (
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// DefaultLimit is the default number of recommendations kept.
const DefaultLimit = 10

// Scorer assigns a ranking score to one recommendation.
type Scorer interface {
	Score(category workflow.Category, text string) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(category workflow.Category, text string) float64

// Score calls f.
func (f ScorerFunc) Score(category workflow.Category, text string) float64 {
	return f(category, text)
}

// KeywordScorer scores by basePriority(category) + keywordBoost(text).
type KeywordScorer struct {
	// Base is the per-category base priority. Missing categories score 0.
	Base map[workflow.Category]float64

	// Boosts adds a weight for every keyword contained in the normalized text.
	// Keys must be lowercase.
	Boosts map[string]float64
}

// DefaultKeywordScorer returns the built-in heuristic.
func DefaultKeywordScorer() *KeywordScorer {
	return &KeywordScorer{
		Base: map[workflow.Category]float64{
			workflow.CategoryStructure:     0.90,
			workflow.CategoryConsistency:   0.85,
			workflow.CategoryCharacters:    0.80,
			workflow.CategoryPacing:        0.70,
			workflow.CategoryDialogue:      0.65,
			workflow.CategorySynthesis:     0.60,
			workflow.CategoryStyle:         0.50,
			workflow.CategoryThemes:        0.45,
			workflow.CategoryWorldbuilding: 0.40,
			workflow.CategoryMarket:        0.30,
		},
		Boosts: map[string]float64{
			"critical":     0.30,
			"contradict":   0.25,
			"inconsistent": 0.20,
			"plot hole":    0.20,
			"must":         0.15,
			"confusing":    0.10,
			"unclear":      0.10,
			"slow":         0.05,
			"consider":     -0.05,
			"optional":     -0.10,
		},
	}
}

// Score implements Scorer.
func (s *KeywordScorer) Score(category workflow.Category, text string) float64 {
	score := s.Base[category]
	norm := Normalize(text)

	// Sorted so float summation order, and therefore ties, are stable.
	keywords := make([]string, 0, len(s.Boosts))
	for kw := range s.Boosts {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)
	for _, kw := range keywords {
		if strings.Contains(norm, kw) {
			score += s.Boosts[kw]
		}
	}
	return score
}

// Candidate is an unranked recommendation.
type Candidate struct {
	Category workflow.Category
	Text     string
}

// Normalize lowercases text, collapses whitespace, and trims surrounding
// punctuation. Two recommendations with equal normalized text are duplicates.
func Normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	joined := strings.Join(fields, " ")
	return strings.TrimFunc(joined, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Rank scores, deduplicates, orders, and caps candidates.
//
// Description:
//
//	Duplicates (equal Normalize output) collapse into the first-seen entry,
//	which keeps the highest score among them. Entries are ordered by score
//	descending; equal scores keep first-seen order. Blank candidates are
//	dropped.
//
// Inputs:
//
//	candidates - Recommendations in gathering order.
//	scorer - Scoring strategy. Nil uses DefaultKeywordScorer.
//	limit - Maximum results. Values <= 0 use DefaultLimit.
//
// Outputs:
//
//	[]workflow.Recommendation - Ranked recommendations, never nil.
func Rank(candidates []Candidate, scorer Scorer, limit int) []workflow.Recommendation {
	if scorer == nil {
		scorer = DefaultKeywordScorer()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	type entry struct {
		rec   workflow.Recommendation
		order int
	}
	byKey := make(map[string]int)
	entries := make([]entry, 0, len(candidates))

	for _, c := range candidates {
		key := Normalize(c.Text)
		if key == "" {
			continue
		}
		score := scorer.Score(c.Category, c.Text)
		if idx, ok := byKey[key]; ok {
			if score > entries[idx].rec.Score {
				entries[idx].rec.Score = score
			}
			continue
		}
		byKey[key] = len(entries)
		entries = append(entries, entry{
			rec: workflow.Recommendation{
				Category: c.Category,
				Text:     strings.TrimSpace(c.Text),
				Score:    score,
			},
			order: len(entries),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rec.Score != entries[j].rec.Score {
			return entries[i].rec.Score > entries[j].rec.Score
		}
		return entries[i].order < entries[j].order
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]workflow.Recommendation, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// Gather collects candidates from results in canonical category order.
func Gather(results map[workflow.Category]workflow.Payload) []Candidate {
	var out []Candidate
	for _, c := range workflow.Categories() {
		payload, ok := results[c]
		if !ok {
			continue
		}
		for _, text := range payload.Recommendations() {
			out = append(out, Candidate{Category: c, Text: text})
		}
	}
	return out
}
