// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemoryRoundTrip(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, map[string][]byte{"a/1": []byte("one"), "a/2": []byte("two"), "b/1": []byte("x")}))

	v, err := db.Get(ctx, []byte("a/2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	keys, err := db.Keys(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, db.Delete(ctx, "a/1", "missing"))
	_, err = db.Get(ctx, []byte("a/1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 50 * time.Millisecond

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(context.Background(), map[string][]byte{"k": []byte("v")}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "Close is idempotent")

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	v, err := db2.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, cfg.Path, db2.Path())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	cfg := InMemoryConfig()
	cfg.GCDiscardRatio = 1.5
	_, err = Open(cfg)
	assert.Error(t, err)
}

func TestDB_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, db.Put(ctx, map[string][]byte{"k": nil}), context.Canceled)
	_, err = db.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
}
