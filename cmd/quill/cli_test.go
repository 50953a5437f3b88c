// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/state"
	badgerstore "github.com/AleutianAI/AleutianQuill/services/quill/storage/badger"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("QUILL_CONFIG", "")
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedCheckpoints writes two checkpoints for one session and returns its ID.
func seedCheckpoints(t *testing.T, dir string) string {
	t.Helper()
	g, err := dag.DefaultManuscriptGraph()
	require.NoError(t, err)
	cfg := badgerstore.DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0
	db, err := badgerstore.Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	store, err := state.NewStore(g, db)
	require.NoError(t, err)
	ctx := context.Background()

	st, err := store.Initialize("", "Call me Ishmael.", workflow.Requirements{})
	require.NoError(t, err)
	_, err = store.Save(ctx, st)
	require.NoError(t, err)

	next, err := store.ApplyResults(st, map[string]workflow.ActionResult{
		"a1": {ActionID: "a1", TaskID: "structure", Outcome: workflow.OutcomeSuccess,
			Payload: workflow.Payload{workflow.PayloadKeyQuality: 0.7}},
	}, 1)
	require.NoError(t, err)
	_, err = store.Save(ctx, next)
	require.NoError(t, err)
	return st.SessionID
}

func TestGraphCommands(t *testing.T) {
	t.Run("validate default", func(t *testing.T) {
		out, err := execute(t, "graph", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "graph manuscript is valid")
		assert.Contains(t, out, "synthesis")
	})

	t.Run("order json", func(t *testing.T) {
		out, err := execute(t, "graph", "order", "--json")
		require.NoError(t, err)
		var order []string
		require.NoError(t, json.Unmarshal([]byte(out), &order))
		require.Len(t, order, 10)
		assert.Contains(t, order, "synthesis")
		assert.Less(t, indexOf(order, "structure"), indexOf(order, "pacing"))
		assert.Less(t, indexOf(order, "plot_consistency"), indexOf(order, "synthesis"))
	})

	t.Run("critical path", func(t *testing.T) {
		out, err := execute(t, "graph", "critical-path")
		require.NoError(t, err)
		assert.Contains(t, out, "Critical path: manuscript")
		assert.Contains(t, out, "synthesis")
	})

	t.Run("batches", func(t *testing.T) {
		out, err := execute(t, "graph", "batches", "--json")
		require.NoError(t, err)
		var got struct {
			Eligible []string   `json:"eligible"`
			Batches  [][]string `json:"batches"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, []string{"character", "structure", "style"}, got.Eligible)
		assert.Equal(t, [][]string{{"character", "structure", "style"}}, got.Batches)

		out, err = execute(t, "graph", "batches", "--json",
			"--completed", "structure,character,style,theme")
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, [][]string{
			{"dialogue", "pacing", "plot_consistency", "worldbuilding"},
			{"market_fit"},
		}, got.Batches)

		out, err = execute(t, "graph", "batches", "--completed", "structure,character,style,theme")
		require.NoError(t, err)
		assert.Contains(t, out, "market_fit [sequential]")

		_, err = execute(t, "graph", "batches", "--completed", "nope")
		assert.ErrorContains(t, err, `unknown task "nope"`)
	})

	t.Run("export then validate", func(t *testing.T) {
		out, err := execute(t, "graph", "export")
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "graph.yaml")
		require.NoError(t, os.WriteFile(path, []byte(out), 0o600))

		out, err = execute(t, "graph", "validate", "--graph", path)
		require.NoError(t, err)
		assert.Contains(t, out, "is valid")
	})

	t.Run("cyclic graph fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cycle.yaml")
		body := "name: loop\ntasks:\n  - id: style\n    dependencies: [pacing]\n  - id: pacing\n    dependencies: [style]\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		_, err := execute(t, "graph", "validate", "--graph", path)
		assert.ErrorIs(t, err, workflow.ErrCycleDetected)
	})
}

func TestCheckpointCommands(t *testing.T) {
	dir := t.TempDir()
	session := seedCheckpoints(t, dir)

	t.Run("list sessions", func(t *testing.T) {
		out, err := execute(t, "checkpoint", "list", "--db", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "Sessions (1)")
		assert.Contains(t, out, session)
	})

	t.Run("list labels", func(t *testing.T) {
		out, err := execute(t, "checkpoint", "list", session, "--db", dir, "--json")
		require.NoError(t, err)
		var infos []state.CheckpointInfo
		require.NoError(t, json.Unmarshal([]byte(out), &infos))
		require.Len(t, infos, 2)
		assert.Equal(t, state.Label(0), infos[0].Label)
		assert.Equal(t, state.Label(1), infos[1].Label)
		assert.True(t, infos[1].HasPrimary)
		assert.True(t, infos[1].HasBackup)
	})

	t.Run("show newest", func(t *testing.T) {
		out, err := execute(t, "checkpoint", "show", session, "--db", dir)
		require.NoError(t, err)
		var st workflow.WorkflowState
		require.NoError(t, json.Unmarshal([]byte(out), &st))
		assert.Equal(t, session, st.SessionID)
		assert.Equal(t, 1, st.Iteration)
		assert.True(t, st.Completed["structure"])
	})

	t.Run("show label", func(t *testing.T) {
		out, err := execute(t, "checkpoint", "show", session, "--db", dir, "--label", state.Label(0))
		require.NoError(t, err)
		var st workflow.WorkflowState
		require.NoError(t, json.Unmarshal([]byte(out), &st))
		assert.Equal(t, 0, st.Iteration)
	})

	t.Run("show unknown session", func(t *testing.T) {
		_, err := execute(t, "checkpoint", "show", "missing", "--db", dir)
		assert.ErrorIs(t, err, state.ErrCheckpointNotFound)
	})

	t.Run("prune keeps newest", func(t *testing.T) {
		out, err := execute(t, "checkpoint", "prune", "--db", dir, "--older-than", "1ns", "--json")
		require.NoError(t, err)
		var res map[string]int
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, 1, res["pruned"])

		out, err = execute(t, "checkpoint", "list", session, "--db", dir, "--json")
		require.NoError(t, err)
		var infos []state.CheckpointInfo
		require.NoError(t, json.Unmarshal([]byte(out), &infos))
		require.Len(t, infos, 1)
		assert.Equal(t, state.Label(1), infos[0].Label)
	})
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
