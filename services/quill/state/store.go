// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state owns the canonical WorkflowState of a run: it creates the
// initial state, folds iteration results into the next one, and persists
// checkpoints with a primary and an independent backup encoding.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/recommend"
	badgerstore "github.com/AleutianAI/AleutianQuill/services/quill/storage/badger"
	"github.com/AleutianAI/AleutianQuill/services/quill/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	checkpointSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_checkpoint_saves_total",
		Help: "Checkpoint save attempts by result (written, unchanged, error)",
	}, []string{"result"})

	checkpointSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quill_checkpoint_save_duration_seconds",
		Help:    "Time to encode and write a checkpoint",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	checkpointLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_checkpoint_loads_total",
		Help: "Checkpoint loads by source (primary, backup, miss)",
	}, []string{"source"})

	checkpointPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_checkpoint_pruned_total",
		Help: "Checkpoints removed by retention pruning",
	})
)

var tracer = otel.Tracer("quill.state")

// -----------------------------------------------------------------------------
// Backend
// -----------------------------------------------------------------------------

// Backend is the key-value store holding checkpoint records.
//
// Get must return an error matching badgerstore.ErrKeyNotFound for a missing
// key. Keys returns keys in ascending byte order. *badgerstore.DB satisfies
// Backend.
type Backend interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, entries map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const (
	primaryPrefix = "quill/checkpoint/primary/"
	backupPrefix  = "quill/checkpoint/backup/"
	labelPrefix   = "iter-"
)

// Label returns the checkpoint label for an iteration. Labels sort in
// iteration order.
func Label(iteration int) string {
	return fmt.Sprintf("%s%06d", labelPrefix, iteration)
}

// ParseLabel returns the iteration encoded in label.
func ParseLabel(label string) (int, error) {
	if !strings.HasPrefix(label, labelPrefix) {
		return 0, fmt.Errorf("%w: label %q", workflow.ErrInvalidInput, label)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(label, labelPrefix))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: label %q", workflow.ErrInvalidInput, label)
	}
	return n, nil
}

func primaryKey(sessionID, label string) string { return primaryPrefix + sessionID + "/" + label }
func backupKey(sessionID, label string) string  { return backupPrefix + sessionID + "/" + label }

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a Store.
type Config struct {
	// Retention is the default pruning window. Default: 7 days.
	Retention time.Duration

	// CompressionLevel is the gzip level of the backup encoding (1-9). Default: 6.
	CompressionLevel int

	// RecommendationLimit caps the ranked recommendations. Default: 10.
	RecommendationLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Retention:           7 * 24 * time.Hour,
		CompressionLevel:    6,
		RecommendationLimit: recommend.DefaultLimit,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Retention <= 0 {
		return fmt.Errorf("%w: retention must be positive", workflow.ErrInvalidConfig)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("%w: compression level must be 1-9, got %d", workflow.ErrInvalidConfig, c.CompressionLevel)
	}
	if c.RecommendationLimit <= 0 {
		return fmt.Errorf("%w: recommendation limit must be positive", workflow.ErrInvalidConfig)
	}
	return nil
}

// Option customizes a Store.
type Option func(*Store)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option { return func(s *Store) { s.cfg = cfg } }

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithScorer replaces the recommendation scorer.
func WithScorer(scorer recommend.Scorer) Option { return func(s *Store) { s.scorer = scorer } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store creates, folds and persists WorkflowStates for one task graph.
//
// Thread Safety:
//
//	Safe for concurrent use. Writes for the same session are serialized;
//	different sessions proceed in parallel.
type Store struct {
	graph     *dag.TaskGraph
	topoIndex map[string]int
	backend   Backend
	cfg       Config
	scorer    recommend.Scorer
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// CheckpointInfo describes one stored checkpoint.
type CheckpointInfo struct {
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Iteration  int       `json:"iteration"`
	SavedAt    time.Time `json:"saved_at"`
	HasPrimary bool      `json:"has_primary"`
	HasBackup  bool      `json:"has_backup"`
}

// SaveResult reports what Save did.
type SaveResult struct {
	Label string

	// Written is false when an identical checkpoint already existed.
	Written bool
}

// NewStore creates a Store for graph backed by backend.
//
// Inputs:
//
//	graph - A validated task graph.
//	backend - Checkpoint storage. Must not be nil.
//	opts - Optional settings.
//
// Outputs:
//
//	*Store - The store.
//	error - workflow.ErrGraphNotValidated or workflow.ErrInvalidConfig.
func NewStore(graph *dag.TaskGraph, backend Backend, opts ...Option) (*Store, error) {
	if graph == nil || !graph.Validated() {
		return nil, workflow.ErrGraphNotValidated
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", workflow.ErrInvalidConfig)
	}
	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	s := &Store{
		graph:     graph,
		topoIndex: make(map[string]int, len(order)),
		backend:   backend,
		cfg:       DefaultConfig(),
		scorer:    recommend.DefaultKeywordScorer(),
		logger:    slog.Default(),
		now:       time.Now,
		locks:     make(map[string]*sessionLock),
	}
	for i, id := range order {
		s.topoIndex[id] = i
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Graph returns the task graph the store folds against.
func (s *Store) Graph() *dag.TaskGraph { return s.graph }

// sessionLock serializes checkpoint writes for one session. Entries live
// in Store.locks only while a caller holds or waits on them.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession blocks until sessionID is free and returns its unlock func.
func (s *Store) lockSession(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("%w: session id %q", workflow.ErrInvalidInput, id)
	}
	return nil
}

// Initialize builds the zero state of a new run.
//
// Description:
//
//	An empty sessionID is replaced by a random UUID. Requirements are
//	copied; unknown RequiredTasks are rejected. Params are normalized to
//	JSON-native values so the state checkpoints losslessly.
//
// Outputs:
//
//	*workflow.WorkflowState - Iteration 0, Initialized, empty collections.
//	error - workflow.ErrInvalidInput for empty input, a malformed session
//	        ID, unknown required tasks, or non-serializable params.
func (s *Store) Initialize(sessionID, input string, req workflow.Requirements) (*workflow.WorkflowState, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("%w: input is empty", workflow.ErrInvalidInput)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	var required []string
	for _, id := range req.RequiredTasks {
		if _, ok := s.graph.Task(id); !ok {
			return nil, fmt.Errorf("%w: required task %q is not in graph %s", workflow.ErrInvalidInput, id, s.graph.Name())
		}
		required = append(required, id)
	}

	var params map[string]any
	if len(req.Params) > 0 {
		p, err := canonicalPayload(req.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: params: %v", workflow.ErrInvalidInput, err)
		}
		params = p
	}

	return &workflow.WorkflowState{
		SessionID:       sessionID,
		Input:           input,
		Requirements:    workflow.Requirements{RequiredTasks: required, Params: params},
		Iteration:       0,
		Completed:       make(map[string]bool),
		Failed:          make(map[string]bool),
		Results:         make(map[workflow.Category]workflow.Payload),
		Recommendations: []workflow.Recommendation{},
		ErrorLog:        []workflow.ErrorEntry{},
		History:         []workflow.ActionRecord{},
		Status:          workflow.StatusInitialized,
		CreatedAt:       s.now().UnixMilli(),
	}, nil
}

// Save writes a checkpoint of st under Label(st.Iteration).
//
// Description:
//
//	Writes the primary and backup encodings in one transaction. If the
//	primary record at that label already holds an identical state and the
//	backup exists, nothing is written. One write per session is in flight
//	at a time.
//
// Outputs:
//
//	SaveResult - The label and whether anything was written.
//	error - Wraps workflow.ErrPersistenceWrite on any failure.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Save(ctx context.Context, st *workflow.WorkflowState) (SaveResult, error) {
	if st == nil {
		return SaveResult{}, fmt.Errorf("%w: %w: nil state", workflow.ErrPersistenceWrite, workflow.ErrInvalidInput)
	}
	label := Label(st.Iteration)

	ctx, span := tracer.Start(ctx, "state.Store.Save",
		trace.WithAttributes(
			attribute.String("session_id", st.SessionID),
			attribute.String("label", label),
		),
	)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	start := s.now()
	result, err := s.save(ctx, st, label)
	checkpointSaveDuration.Observe(s.now().Sub(start).Seconds())

	switch {
	case err != nil:
		checkpointSavesTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		logger.Warn("checkpoint save failed",
			slog.String("session_id", st.SessionID),
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return SaveResult{Label: label}, fmt.Errorf("%w: session %s %s: %w", workflow.ErrPersistenceWrite, st.SessionID, label, err)
	case !result.Written:
		checkpointSavesTotal.WithLabelValues("unchanged").Inc()
	default:
		checkpointSavesTotal.WithLabelValues("written").Inc()
		logger.Debug("checkpoint saved",
			slog.String("session_id", st.SessionID),
			slog.String("label", label),
		)
	}
	span.SetAttributes(attribute.Bool("written", result.Written))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *Store) save(ctx context.Context, st *workflow.WorkflowState, label string) (SaveResult, error) {
	if err := validateSessionID(st.SessionID); err != nil {
		return SaveResult{}, err
	}
	unlock := s.lockSession(st.SessionID)
	defer unlock()

	stateJSON, sum, err := canonicalState(st)
	if err != nil {
		return SaveResult{}, err
	}

	pKey, bKey := primaryKey(st.SessionID, label), backupKey(st.SessionID, label)
	if existing, err := s.backend.Get(ctx, []byte(pKey)); err == nil {
		if rec, derr := decodePrimaryHeader(existing); derr == nil && rec.Checksum == sum {
			if _, berr := s.backend.Get(ctx, []byte(bKey)); berr == nil {
				return SaveResult{Label: label}, nil
			}
		}
	} else if !errors.Is(err, badgerstore.ErrKeyNotFound) {
		return SaveResult{}, fmt.Errorf("read existing checkpoint: %w", err)
	}

	savedAt := s.now().UnixMilli()
	primary, err := encodePrimary(st, stateJSON, sum, label, savedAt)
	if err != nil {
		return SaveResult{}, err
	}
	backup, err := encodeBackup(st, savedAt, s.cfg.CompressionLevel)
	if err != nil {
		return SaveResult{}, err
	}
	if err := s.backend.Put(ctx, map[string][]byte{pKey: primary, bKey: backup}); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Label: label, Written: true}, nil
}

// Load returns the state from the newest readable checkpoint of sessionID.
//
// Description:
//
//	Tries labels newest first. For each label the primary record is used
//	when it decodes and its checksum matches; otherwise the backup. A label
//	with neither readable is skipped in favour of the next older one.
//
// Outputs:
//
//	*workflow.WorkflowState - The restored state.
//	error - ErrCheckpointNotFound when the session has no readable
//	        checkpoint. Backend failures are returned as-is.
func (s *Store) Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error) {
	ctx, span := tracer.Start(ctx, "state.Store.Load", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	labels, err := s.labels(ctx, sessionID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var lastErr error
	for i := len(labels) - 1; i >= 0; i-- {
		st, err := s.loadLabel(ctx, logger, sessionID, labels[i])
		if err == nil {
			span.SetAttributes(attribute.String("label", labels[i]), attribute.Int("iteration", st.Iteration))
			return st, nil
		}
		if !errors.Is(err, ErrCheckpointCorrupt) && !errors.Is(err, ErrCheckpointVersionUnsupported) &&
			!errors.Is(err, ErrCheckpointNotFound) {
			telemetry.RecordError(span, err)
			return nil, err
		}
		logger.Warn("checkpoint unreadable, trying older label",
			slog.String("session_id", sessionID),
			slog.String("label", labels[i]),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}

	checkpointLoadsTotal.WithLabelValues("miss").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: session %s: no readable checkpoint: %w", ErrCheckpointNotFound, sessionID, lastErr)
	}
	return nil, fmt.Errorf("%w: session %s", ErrCheckpointNotFound, sessionID)
}

// LoadLabel returns the state stored under one label, with the same
// primary-then-backup fallback as Load.
func (s *Store) LoadLabel(ctx context.Context, sessionID, label string) (*workflow.WorkflowState, error) {
	ctx, span := tracer.Start(ctx, "state.Store.LoadLabel", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("label", label),
	))
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if _, err := ParseLabel(label); err != nil {
		return nil, err
	}
	st, err := s.loadLabel(ctx, telemetry.LoggerWithTrace(ctx, s.logger), sessionID, label)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			checkpointLoadsTotal.WithLabelValues("miss").Inc()
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	return st, nil
}

func (s *Store) loadLabel(ctx context.Context, logger *slog.Logger, sessionID, label string) (*workflow.WorkflowState, error) {
	var errs []error
	found := false

	raw, err := s.backend.Get(ctx, []byte(primaryKey(sessionID, label)))
	switch {
	case err == nil:
		found = true
		st, _, derr := decodePrimary(raw)
		if derr == nil && st.SessionID == sessionID {
			checkpointLoadsTotal.WithLabelValues("primary").Inc()
			return st, nil
		}
		if derr == nil {
			derr = fmt.Errorf("%w: primary belongs to session %q", ErrCheckpointCorrupt, st.SessionID)
		}
		errs = append(errs, derr)
	case !errors.Is(err, badgerstore.ErrKeyNotFound):
		return nil, fmt.Errorf("read primary checkpoint: %w", err)
	}

	raw, err = s.backend.Get(ctx, []byte(backupKey(sessionID, label)))
	switch {
	case err == nil:
		found = true
		st, _, derr := decodeBackup(raw)
		if derr == nil && st.SessionID == sessionID {
			logger.Warn("primary checkpoint unusable, restored from backup",
				slog.String("session_id", sessionID),
				slog.String("label", label),
			)
			checkpointLoadsTotal.WithLabelValues("backup").Inc()
			return st, nil
		}
		if derr == nil {
			derr = fmt.Errorf("%w: backup belongs to session %q", ErrCheckpointCorrupt, st.SessionID)
		}
		errs = append(errs, derr)
	case !errors.Is(err, badgerstore.ErrKeyNotFound):
		return nil, fmt.Errorf("read backup checkpoint: %w", err)
	}

	if !found {
		return nil, fmt.Errorf("%w: session %s label %s", ErrCheckpointNotFound, sessionID, label)
	}
	return nil, errors.Join(errs...)
}

// labels returns the union of primary and backup labels, ascending.
func (s *Store) labels(ctx context.Context, sessionID string) ([]string, error) {
	set := make(map[string]bool)
	for _, prefix := range []string{primaryPrefix, backupPrefix} {
		p := prefix + sessionID + "/"
		keys, err := s.backend.Keys(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, k := range keys {
			set[strings.TrimPrefix(k, p)] = true
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

// Sessions returns every session ID with at least one stored record.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	for _, prefix := range []string{primaryPrefix, backupPrefix} {
		keys, err := s.backend.Keys(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, k := range keys {
			rest := strings.TrimPrefix(k, prefix)
			if i := strings.IndexByte(rest, '/'); i > 0 {
				set[rest[:i]] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// List describes the checkpoints of sessionID, oldest first.
func (s *Store) List(ctx context.Context, sessionID string) ([]CheckpointInfo, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	labels, err := s.labels(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]CheckpointInfo, 0, len(labels))
	for _, label := range labels {
		out = append(out, s.info(ctx, sessionID, label))
	}
	return out, nil
}

func (s *Store) info(ctx context.Context, sessionID, label string) CheckpointInfo {
	info := CheckpointInfo{SessionID: sessionID, Label: label}
	if n, err := ParseLabel(label); err == nil {
		info.Iteration = n
	}
	var savedAt int64
	if raw, err := s.backend.Get(ctx, []byte(primaryKey(sessionID, label))); err == nil {
		info.HasPrimary = true
		if rec, err := decodePrimaryHeader(raw); err == nil {
			savedAt = rec.SavedAt
		}
	}
	if raw, err := s.backend.Get(ctx, []byte(backupKey(sessionID, label))); err == nil {
		info.HasBackup = true
		if env, err := decodeBackupEnvelope(raw); err == nil && savedAt == 0 {
			savedAt = env.SavedAt
		}
	}
	if savedAt != 0 {
		info.SavedAt = time.UnixMilli(savedAt).UTC()
	}
	return info
}

// Prune removes checkpoints saved before now minus window.
//
// Description:
//
//	The newest checkpoint of every session is always kept so that any
//	session can still be resumed. A checkpoint whose save time cannot be
//	read counts as expired. A non-positive window uses Config.Retention.
//
// Outputs:
//
//	int - Number of checkpoints removed.
//	error - Non-nil if listing or deleting fails.
func (s *Store) Prune(ctx context.Context, window time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "state.Store.Prune")
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	if window <= 0 {
		window = s.cfg.Retention
	}
	cutoff := s.now().Add(-window)

	sessions, err := s.Sessions(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	removed := 0
	for _, sessionID := range sessions {
		n, err := s.pruneSession(ctx, sessionID, cutoff)
		removed += n
		if err != nil {
			telemetry.RecordError(span, err)
			checkpointPrunedTotal.Add(float64(removed))
			return removed, err
		}
	}

	checkpointPrunedTotal.Add(float64(removed))
	span.SetAttributes(attribute.Int("removed", removed))
	logger.Info("checkpoints pruned",
		slog.Int("removed", removed),
		slog.Int("sessions", len(sessions)),
		slog.Duration("window", window),
	)
	return removed, nil
}

func (s *Store) pruneSession(ctx context.Context, sessionID string, cutoff time.Time) (int, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	labels, err := s.labels(ctx, sessionID)
	if err != nil || len(labels) <= 1 {
		return 0, err
	}

	var keys []string
	for _, label := range labels[:len(labels)-1] {
		info := s.info(ctx, sessionID, label)
		if info.SavedAt.IsZero() || info.SavedAt.Before(cutoff) {
			keys = append(keys, primaryKey(sessionID, label), backupKey(sessionID, label))
		}
	}
	if err := s.backend.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("prune session %s: %w", sessionID, err)
	}
	return len(keys) / 2, nil
}
