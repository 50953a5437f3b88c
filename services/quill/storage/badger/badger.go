// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB instance that backs
// Quill's checkpoint store.
//
// Keys are namespaced by the state package; this package only knows about
// bytes, transactions, prefix scans and value-log garbage collection.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned by Get when the key has no value.
var ErrKeyNotFound = errors.New("key not found")

// Config holds configuration for the checkpoint database.
type Config struct {
	// Path is the data directory. Required unless InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns durable on-disk settings. Path must still be set.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests: no disk, no fsync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:       true,
		GCDiscardRatio: 0.5,
	}
}

// slogAdapter satisfies badger.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

// DB is a managed BadgerDB handle with an optional GC loop.
//
// Thread Safety:
//
//	Safe for concurrent use. Close is idempotent.
type DB struct {
	db       *badger.DB
	path     string
	inMemory bool

	gcStop chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by cfg.
//
// Description:
//
//	Creates the data directory when needed and starts the GC loop when
//	GCInterval is positive and the database is on disk.
//
// Inputs:
//
//	cfg - Database configuration.
//
// Outputs:
//
//	*DB - The opened database. Caller must Close it.
//	error - Non-nil if the path is missing or badger fails to open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for an on-disk database")
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio > 1 {
		return nil, fmt.Errorf("badger: gc discard ratio %v out of range [0,1]", cfg.GCDiscardRatio)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}

	d := &DB{db: bdb, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.gcStop = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return d, nil
}

// OpenInMemory opens a throwaway in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

func (d *DB) gcLoop(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(ratio)
			// ErrNoRewrite means there was nothing worth collecting.
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gcStop != nil {
			close(d.gcStop)
			<-d.gcDone
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// Path returns the data directory, empty for in-memory databases.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the database lives only in RAM.
func (d *DB) InMemory() bool { return d.inMemory }

// Update runs fn in a read-write transaction and commits when fn returns nil.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badger: update: %w", err)
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("badger: view: %w", err)
	}
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Get returns a copy of the value stored at key.
//
// Outputs:
//
//	[]byte - The value. Safe to retain.
//	error - ErrKeyNotFound if absent, otherwise any badger error.
func (d *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := d.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Put writes every key/value pair of entries in a single transaction.
func (d *DB) Put(ctx context.Context, entries map[string][]byte) error {
	return d.Update(ctx, func(txn *badger.Txn) error {
		for k, v := range entries {
			if err := txn.Set([]byte(k), v); err != nil {
				return fmt.Errorf("badger: set %s: %w", k, err)
			}
		}
		return nil
	})
}

// Delete removes keys in a single transaction. Missing keys are ignored.
func (d *DB) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return d.Update(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return fmt.Errorf("badger: delete %s: %w", k, err)
			}
		}
		return nil
	})
}

// Keys returns every key under prefix in ascending byte order.
func (d *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := d.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}
