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
	"math"
	"strings"
)

// Well-known payload keys. Executors are free to add any other keys.
const (
	// PayloadKeyQuality holds a normalized [0,1] quality figure.
	PayloadKeyQuality = "quality_score"

	// PayloadKeyRecommendations holds a list of recommendation strings.
	PayloadKeyRecommendations = "recommendations"
)

// Payload is the opaque result body produced by an executor.
//
// The core only looks at two optional keys: PayloadKeyQuality and
// PayloadKeyRecommendations. Values should be JSON-compatible so that
// checkpoints round-trip.
type Payload map[string]any

// Quality returns the payload's normalized quality figure.
//
// Description:
//
//	Accepts any numeric type. Values outside [0,1] are clamped. NaN is
//	treated as absent.
//
// Outputs:
//
//	float64 - The quality figure in [0,1].
//	bool - False if the payload exposes no quality figure.
func (p Payload) Quality() (float64, bool) {
	if p == nil {
		return 0, false
	}
	raw, ok := p[PayloadKeyQuality]
	if !ok {
		return 0, false
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case int32:
		v = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(v) {
		return 0, false
	}
	return math.Max(0, math.Min(1, v)), true
}

// Recommendations returns the payload's recommendation strings.
// Both []string and []any (the JSON-decoded form) are accepted; blank and
// non-string entries are skipped.
func (p Payload) Recommendations() []string {
	if p == nil {
		return nil
	}
	var out []string
	switch list := p[PayloadKeyRecommendations].(type) {
	case []string:
		for _, s := range list {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Clone returns a deep copy of nested maps and slices.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge folds other into p and returns the result.
//
// Description:
//
//	Keys from other overwrite keys in p, except recommendations which are
//	concatenated so that several tasks sharing a category keep all of them.
//	Neither input is modified.
func (p Payload) Merge(other Payload) Payload {
	merged := p.Clone()
	if merged == nil {
		merged = make(Payload, len(other))
	}
	for k, v := range other {
		if k == PayloadKeyRecommendations {
			existing := merged.Recommendations()
			incoming := Payload{k: v}.Recommendations()
			if len(existing) > 0 {
				combined := make([]any, 0, len(existing)+len(incoming))
				for _, s := range existing {
					combined = append(combined, s)
				}
				for _, s := range incoming {
					combined = append(combined, s)
				}
				merged[k] = combined
				continue
			}
		}
		merged[k] = cloneValue(v)
	}
	return merged
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}
