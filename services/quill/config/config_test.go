// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/quill/coordinator"
	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/decision"
	"github.com/AleutianAI/AleutianQuill/services/quill/iteration"
	"github.com/AleutianAI/AleutianQuill/services/quill/state"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, iteration.DefaultConfig(), cfg.IterationSettings())
	assert.Equal(t, decision.DefaultConfig(), cfg.DecisionSettings())
	assert.Equal(t, state.DefaultConfig(), cfg.StateSettings())
	assert.Equal(t, coordinator.DefaultConfig(), cfg.CoordinatorSettings())
}

func TestDecode_OverridesDefaults(t *testing.T) {
	in := `
iteration:
  max_iterations: 8
  timeout: 10m
decision:
  concurrency_cap: 4
coordinator:
  action_timeout: 45s
storage:
  in_memory: true
  path: ""
quality_weights:
  market: 0.25
`
	cfg, err := Decode(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Iteration.MaxIterations)
	assert.Equal(t, 10*time.Minute, cfg.Iteration.Timeout)
	assert.Equal(t, 0.85, cfg.Iteration.QualityThreshold, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Decision.ConcurrencyCap)
	assert.Equal(t, 2, cfg.Decision.ShrunkCap)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.ActionTimeout)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 0.25, cfg.QualityWeights["market"])
	assert.Contains(t, cfg.QualityWeights, "structure")

	bc := cfg.BadgerSettings()
	assert.True(t, bc.InMemory)
	assert.Equal(t, 45*time.Second, cfg.CoordinatorSettings().ActionTimeout)
	assert.Equal(t, 0.25, cfg.CoordinatorSettings().QualityWeights[workflow.CategoryMarket])
}

func TestDecode_Empty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Iteration, cfg.Iteration)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unknown key", "iteration:\n  max_iteration: 3\n", "max_iteration"},
		{"zero max iterations", "iteration:\n  max_iterations: 0\n", "MaxIterations"},
		{"quality above one", "iteration:\n  quality_threshold: 1.5\n", "QualityThreshold"},
		{"shrunk cap above cap", "decision:\n  concurrency_cap: 2\n  shrunk_cap: 3\n", "shrunk_cap"},
		{"unknown weight category", "quality_weights:\n  plot: 1\n", "QualityWeights"},
		{"negative weight", "quality_weights:\n  style: -1\n", "QualityWeights"},
		{"missing path", "storage:\n  path: \"\"\n", "Path"},
		{"bad compression", "storage:\n  compression_level: 12\n", "CompressionLevel"},
		{"bad exporter", "telemetry:\n  trace_exporter: jaeger\n", "TraceExporter"},
		{"malformed", "iteration: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.in))
			require.Error(t, err)
			assert.ErrorIs(t, err, workflow.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path gives defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Decision, cfg.Decision)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "quill.yaml")
		require.NoError(t, os.WriteFile(path, []byte("recommendations:\n  top_n: 4\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Recommendations.TopN)
		assert.Equal(t, 4, cfg.StateSettings().RecommendationLimit)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestGraph_RoundTrip(t *testing.T) {
	g, err := dag.DefaultManuscriptGraph()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeGraph(&buf, g))

	back, err := DecodeGraph(&buf)
	require.NoError(t, err)
	assert.Equal(t, g.Name(), back.Name())
	assert.Equal(t, g.TaskIDs(), back.TaskIDs())
	for _, id := range g.TaskIDs() {
		want, _ := g.Task(id)
		got, _ := back.Task(id)
		assert.Equal(t, want, got, id)
	}
}

func TestDecodeGraph(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		in := `
name: short
tasks:
  - id: structure
    priority: critical
    required: true
  - id: style
    dependencies: [structure]
    parallel_safe: false
    timeout: 90s
    estimated_duration: 20s
`
		g, err := DecodeGraph(strings.NewReader(in))
		require.NoError(t, err)
		assert.True(t, g.Validated())

		s, ok := g.Task("structure")
		require.True(t, ok)
		assert.Equal(t, workflow.TaskStructure, s.Type, "type inferred from id")
		assert.True(t, s.ParallelSafe)
		assert.Equal(t, workflow.PriorityCritical, s.Priority)

		st, _ := g.Task("style")
		assert.False(t, st.ParallelSafe)
		assert.Equal(t, workflow.PriorityMedium, st.Priority)
		assert.Equal(t, 90*time.Second, st.Timeout)
		assert.Equal(t, []string{"structure"}, st.Dependencies)
	})

	t.Run("cycle", func(t *testing.T) {
		in := `
name: loop
tasks:
  - id: style
    dependencies: [pacing]
  - id: pacing
    dependencies: [style]
`
		_, err := DecodeGraph(strings.NewReader(in))
		assert.ErrorIs(t, err, workflow.ErrCycleDetected)
	})

	t.Run("dangling", func(t *testing.T) {
		in := "name: d\ntasks:\n  - id: style\n    dependencies: [ghost]\n"
		_, err := DecodeGraph(strings.NewReader(in))
		assert.ErrorIs(t, err, workflow.ErrDanglingDependency)
	})

	t.Run("bad priority", func(t *testing.T) {
		in := "name: p\ntasks:\n  - id: style\n    priority: urgent\n"
		_, err := DecodeGraph(strings.NewReader(in))
		assert.ErrorIs(t, err, workflow.ErrInvalidConfig)
	})

	t.Run("no tasks", func(t *testing.T) {
		_, err := DecodeGraph(strings.NewReader("name: empty\n"))
		assert.ErrorIs(t, err, workflow.ErrInvalidConfig)
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := DecodeGraph(strings.NewReader(""))
		assert.ErrorIs(t, err, workflow.ErrInvalidConfig)
	})
}

func TestLoadGraph_Default(t *testing.T) {
	g, err := LoadGraph("")
	require.NoError(t, err)
	assert.Equal(t, len(dag.DefaultManuscriptTasks()), g.Len())
}
