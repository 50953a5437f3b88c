// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

func echoExecutor(score float64) Executor {
	return ExecutorFunc(func(_ context.Context, snap *workflow.WorkflowState, params map[string]any) (workflow.Payload, error) {
		return workflow.Payload{"quality_score": score, "input_len": len(snap.Input), "genre": params["genre"]}, nil
	})
}

func TestCapability(t *testing.T) {
	ctx := context.Background()
	snap := &workflow.WorkflowState{Input: "abc"}

	t.Run("available", func(t *testing.T) {
		capability := Available(echoExecutor(0.5))
		assert.True(t, capability.Available())
		assert.Equal(t, "available", capability.Kind().String())

		out, err := capability.Execute(ctx, snap, map[string]any{"genre": "noir"})
		require.NoError(t, err)
		assert.Equal(t, 3, out["input_len"])
		assert.Equal(t, "noir", out["genre"])
	})

	t.Run("unavailable keeps the reason", func(t *testing.T) {
		reason := errors.New("model weights missing")
		capability := Unavailable(reason)
		assert.False(t, capability.Available())

		_, err := capability.Execute(ctx, snap, nil)
		assert.ErrorIs(t, err, workflow.ErrExecutorUnavailable)
		assert.ErrorIs(t, err, reason)
	})

	t.Run("zero value and nil executor are unavailable", func(t *testing.T) {
		_, err := Capability{}.Execute(ctx, snap, nil)
		assert.ErrorIs(t, err, workflow.ErrExecutorUnavailable)
		assert.False(t, Available(nil).Available())
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(workflow.TaskStructure, echoExecutor(0.9)))
	assert.ErrorIs(t, r.Register("poetry", echoExecutor(1)), workflow.ErrInvalidInput)
	assert.ErrorIs(t, r.Register(workflow.TaskStyle, nil), workflow.ErrInvalidInput)

	assert.True(t, r.Resolve(workflow.TaskStructure).Available())
	assert.False(t, r.Resolve(workflow.TaskDialogue).Available())

	t.Run("load failure registers unavailable", func(t *testing.T) {
		capability, err := r.Load(workflow.TaskMarketFit, func() (Executor, error) {
			return nil, errors.New("no market data")
		})
		require.NoError(t, err)
		assert.False(t, capability.Available())
		assert.EqualError(t, r.Resolve(workflow.TaskMarketFit).Reason(), "no market data")
	})

	t.Run("load panic registers unavailable", func(t *testing.T) {
		capability, err := r.Load(workflow.TaskTheme, func() (Executor, error) { panic("boom") })
		require.NoError(t, err)
		assert.Contains(t, capability.Reason().Error(), "boom")
	})

	t.Run("load success", func(t *testing.T) {
		capability, err := r.Load(workflow.TaskPacing, func() (Executor, error) { return echoExecutor(0.4), nil })
		require.NoError(t, err)
		assert.True(t, capability.Available())
	})

	require.NoError(t, r.MarkUnavailable(workflow.TaskWorldbuilding, errors.New("disabled")))

	assert.Equal(t, []workflow.TaskType{
		workflow.TaskMarketFit, workflow.TaskPacing, workflow.TaskStructure,
		workflow.TaskTheme, workflow.TaskWorldbuilding,
	}, r.Types())
	assert.Equal(t, map[workflow.TaskType]string{
		workflow.TaskMarketFit:     "no market data",
		workflow.TaskTheme:         "factory for theme panicked: boom",
		workflow.TaskWorldbuilding: "disabled",
	}, r.UnavailableReasons())
}
