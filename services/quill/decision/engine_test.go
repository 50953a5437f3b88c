// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

func newEngine(t *testing.T, g *dag.TaskGraph, mutate func(*Config)) *Engine {
	t.Helper()
	if g == nil {
		var err error
		g, err = dag.DefaultManuscriptGraph()
		require.NoError(t, err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(g, cfg, nil)
	require.NoError(t, err)
	return e
}

func stateAt(iteration int, completed ...string) *workflow.WorkflowState {
	st := &workflow.WorkflowState{
		SessionID: "s",
		Iteration: iteration,
		Completed: map[string]bool{},
		Failed:    map[string]bool{},
	}
	for _, id := range completed {
		st.Completed[id] = true
	}
	return st
}

func taskIDs(actions []workflow.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.TaskID
	}
	return out
}

func taskDef(id string, p workflow.Priority, parallel bool, est time.Duration, deps ...string) workflow.Task {
	return workflow.Task{
		ID:                id,
		Type:              workflow.TaskStyle,
		Dependencies:      deps,
		ParallelSafe:      parallel,
		Priority:          p,
		EstimatedDuration: est,
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.ConcurrencyCap = 0
	assert.ErrorIs(t, bad.Validate(), workflow.ErrInvalidConfig)

	g, err := dag.DefaultManuscriptGraph()
	require.NoError(t, err)
	_, err = NewEngine(g, bad, nil)
	assert.ErrorIs(t, err, workflow.ErrInvalidConfig)

	_, err = NewEngine(dag.New("x"), DefaultConfig(), nil)
	assert.ErrorIs(t, err, workflow.ErrGraphNotValidated)
}

func TestGetNextActions_FirstIteration(t *testing.T) {
	e := newEngine(t, nil, nil)

	actions := e.GetNextActions(stateAt(0))
	assert.Equal(t, []string{"style", "structure", "character"}, taskIDs(actions))
	seen := map[string]bool{}
	for _, a := range actions {
		assert.True(t, a.Parallel)
		assert.False(t, a.IsRetry)
		assert.Regexp(t, "^"+a.TaskID+"-i1-[0-9a-f]{8}$", a.ID)
		assert.False(t, seen[a.ID], "action IDs are unique")
		seen[a.ID] = true
	}
}

// TestSelectActions verifies that selection draws only from the eligible set
// it is handed, skipping unknown, completed, and repeated IDs.
func TestSelectActions(t *testing.T) {
	e := newEngine(t, nil, nil)
	st := stateAt(0, "character")

	actions := e.SelectActions(st, []string{"style", "character", "style", "no-such-task"})
	assert.Equal(t, []string{"style"}, taskIDs(actions))

	assert.Empty(t, e.SelectActions(st, nil))
	assert.Empty(t, e.SelectActions(nil, []string{"style"}))
	assert.Equal(t, taskIDs(e.GetNextActions(st)), taskIDs(e.SelectActions(st, e.graph.Eligible(st.Completed))))
}

func TestGetNextActions_CriticalAlwaysIncluded(t *testing.T) {
	e := newEngine(t, nil, func(c *Config) { c.ConcurrencyCap = 1; c.ShrunkCap = 1 })

	actions := e.GetNextActions(stateAt(0))
	assert.Equal(t, []string{"structure"}, taskIDs(actions))
}

func TestGetNextActions_ShrunkCap(t *testing.T) {
	e := newEngine(t, nil, nil)

	actions := e.GetNextActions(stateAt(2, "structure", "character"))
	assert.Equal(t, []string{"dialogue", "plot_consistency"}, taskIDs(actions))
	assert.Equal(t, 3, e.CapFor(2))
	assert.Equal(t, 2, e.CapFor(3))
}

func TestGetNextActions_ShrunkCapProperty(t *testing.T) {
	e := newEngine(t, nil, nil)
	g, err := dag.DefaultManuscriptGraph()
	require.NoError(t, err)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		iter := 2 + rng.Intn(6)
		var completed []string
		for _, id := range order {
			ready := true
			for _, d := range g.Dependencies(id) {
				if !contains(completed, d) {
					ready = false
				}
			}
			if ready && rng.Intn(2) == 0 {
				completed = append(completed, id)
			}
		}
		st := stateAt(iter, completed...)
		for _, id := range order {
			if !st.Completed[id] && rng.Intn(4) == 0 {
				st.Failed[id] = true
			}
		}

		parallel := 0
		for _, a := range e.GetNextActions(st) {
			if a.Parallel {
				parallel++
			}
			assert.False(t, st.Completed[a.TaskID])
		}
		assert.LessOrEqual(t, parallel, 2, fmt.Sprintf("trial %d iteration %d", trial, iter))
	}
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func TestGetNextActions_RetryCap(t *testing.T) {
	e := newEngine(t, nil, nil)
	st := stateAt(1, "structure", "character")
	for _, id := range []string{"dialogue", "plot_consistency", "pacing"} {
		st.Failed[id] = true
		st.ErrorLog = append(st.ErrorLog, workflow.ErrorEntry{TaskID: id, Iteration: 1})
	}

	actions := e.GetNextActions(st)
	assert.ElementsMatch(t, []string{"dialogue", "plot_consistency", "style"}, taskIDs(actions))

	retries := 0
	for _, a := range actions {
		if a.IsRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestGetNextActions_ChronicFailures(t *testing.T) {
	e := newEngine(t, nil, nil)

	t.Run("dependency failed too often", func(t *testing.T) {
		st := stateAt(1, "structure", "character")
		for i := 0; i < 3; i++ {
			st.ErrorLog = append(st.ErrorLog, workflow.ErrorEntry{TaskID: "character", Iteration: 0})
		}
		ids := taskIDs(e.GetNextActions(st))
		assert.ElementsMatch(t, []string{"pacing", "style", "worldbuilding"}, ids)
	})

	t.Run("task failed too often", func(t *testing.T) {
		st := stateAt(0)
		st.Failed["style"] = true
		for i := 0; i < 3; i++ {
			st.ErrorLog = append(st.ErrorLog, workflow.ErrorEntry{TaskID: "style", Iteration: 0})
		}
		assert.Equal(t, []string{"structure", "character"}, taskIDs(e.GetNextActions(st)))
	})
}

func TestGetNextActions_DegradesUnderErrors(t *testing.T) {
	e := newEngine(t, nil, func(c *Config) { c.ExpensiveDuration = 45 * time.Second })
	st := stateAt(1, "structure", "character")
	st.History = []workflow.ActionRecord{
		{TaskID: "structure", Iteration: 1},
		{TaskID: "theme", Iteration: 1},
	}
	st.ErrorLog = []workflow.ErrorEntry{{TaskID: "theme", Iteration: 1}, {TaskID: "style", Iteration: 1}}

	ids := taskIDs(e.GetNextActions(st))
	assert.ElementsMatch(t, []string{"dialogue", "pacing", "style"}, ids)

	st.ErrorLog = st.ErrorLog[:1]
	assert.Equal(t, 0.5, st.LastIterationErrorRate())
	ids = taskIDs(e.GetNextActions(st))
	assert.ElementsMatch(t, []string{"dialogue", "plot_consistency", "pacing"}, ids, "rate at threshold does not degrade")
}

func TestGetNextActions_Ordering(t *testing.T) {
	g, err := dag.Build("ordering",
		taskDef("a", workflow.PriorityMedium, false, time.Second),
		taskDef("b", workflow.PriorityHigh, false, time.Second),
		taskDef("c", workflow.PriorityLow, true, time.Second, "a"),
		taskDef("d", workflow.PriorityLow, true, time.Second, "a"),
		taskDef("e", workflow.PriorityLow, true, time.Second, "b"),
		taskDef("p1", workflow.PriorityLow, true, 3*time.Second),
		taskDef("p2", workflow.PriorityLow, true, time.Second),
	)
	require.NoError(t, err)
	e := newEngine(t, g, func(c *Config) { c.ConcurrencyCap = 10; c.ShrinkAtIteration = 100 })

	actions := e.GetNextActions(stateAt(0))
	assert.Equal(t, []string{"p2", "p1", "a", "b"}, taskIDs(actions))
	assert.True(t, actions[0].Parallel)
	assert.False(t, actions[2].Parallel)
}

func TestGetNextActions_ParallelTrimmedToCap(t *testing.T) {
	g, err := dag.Build("critical",
		taskDef("x", workflow.PriorityCritical, true, 30*time.Second),
		taskDef("y", workflow.PriorityCritical, true, 10*time.Second),
		taskDef("z", workflow.PriorityCritical, true, 20*time.Second),
	)
	require.NoError(t, err)
	e := newEngine(t, g, nil)

	assert.Equal(t, []string{"y", "z", "x"}, taskIDs(e.GetNextActions(stateAt(1))))
	assert.Equal(t, []string{"y", "z"}, taskIDs(e.GetNextActions(stateAt(2))))
}

func TestGetNextActions_NothingEligible(t *testing.T) {
	e := newEngine(t, nil, nil)
	g, err := dag.DefaultManuscriptGraph()
	require.NoError(t, err)

	assert.Empty(t, e.GetNextActions(stateAt(3, g.TaskIDs()...)))
	assert.Empty(t, e.GetNextActions(nil))
}

func TestIsWorkflowComplete(t *testing.T) {
	e := newEngine(t, nil, nil)

	assert.False(t, e.IsWorkflowComplete(stateAt(2, "structure", "character", "plot_consistency")))

	done := stateAt(3, "structure", "character", "plot_consistency", "pacing", "dialogue", "synthesis")
	assert.True(t, e.IsWorkflowComplete(done), "only Medium and Low tasks remain")

	done.Requirements.RequiredTasks = []string{"style"}
	assert.False(t, e.IsWorkflowComplete(done))

	g, err := dag.Build("ratio",
		workflow.Task{ID: "x", Type: workflow.TaskStyle, Required: true, Priority: workflow.PriorityHigh},
		taskDef("y", workflow.PriorityHigh, true, 0),
		taskDef("z", workflow.PriorityLow, true, 0),
		taskDef("w", workflow.PriorityLow, true, 0),
		taskDef("v", workflow.PriorityLow, true, 0),
	)
	require.NoError(t, err)
	re := newEngine(t, g, nil)
	assert.False(t, re.IsWorkflowComplete(stateAt(1, "x", "z")), "y is High and eligible")
	assert.True(t, re.IsWorkflowComplete(stateAt(1, "x", "z", "w", "v")), "4/5 reaches the ratio")
	assert.False(t, re.IsWorkflowComplete(nil))

	optional, err := dag.Build("optional",
		taskDef("a", workflow.PriorityLow, true, 0),
		taskDef("b", workflow.PriorityHigh, true, 0, "a"),
	)
	require.NoError(t, err)
	oe := newEngine(t, optional, nil)
	assert.True(t, oe.IsWorkflowComplete(stateAt(0)), "empty required set counts as satisfied")
	assert.False(t, oe.IsWorkflowComplete(stateAt(1, "a")), "b is High and eligible")
}
