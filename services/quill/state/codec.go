// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

var (
	// ErrCheckpointNotFound is returned when a session has no readable checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointCorrupt is returned when a record fails to decode or its
	// checksum does not match.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrCheckpointVersionUnsupported is returned for a backup written by a
	// newer codec.
	ErrCheckpointVersionUnsupported = errors.New("checkpoint version unsupported")
)

// BackupCodecVersion is the schema version written into backup envelopes.
// Decoders accept any version from 1 up to this value.
const BackupCodecVersion = 1

const primaryFormat = "quill.checkpoint/v1"

// primaryRecord is the primary encoding: the state as plain JSON plus a
// SHA-256 checksum of those bytes.
type primaryRecord struct {
	Format    string          `json:"format"`
	SessionID string          `json:"session_id"`
	Label     string          `json:"label"`
	Iteration int             `json:"iteration"`
	SavedAt   int64           `json:"saved_at"`
	Checksum  string          `json:"checksum"`
	State     json.RawMessage `json:"state"`
}

// backupEnvelope wraps a backupBody. The envelope is gzip-compressed on disk.
type backupEnvelope struct {
	Version  int             `json:"v"`
	SavedAt  int64           `json:"saved_at"`
	Checksum string          `json:"sum"`
	Body     json.RawMessage `json:"body"`
}

// backupBody is a flattened, list-based layout of WorkflowState that shares
// no struct definitions with the primary encoding. Fields added in later
// versions must be optional; decodeBackup fills defaults for anything absent.
type backupBody struct {
	SessionID       string                 `json:"sid"`
	Input           string                 `json:"input"`
	RequiredTasks   []string               `json:"required_tasks"`
	Params          map[string]any         `json:"params"`
	Iteration       int                    `json:"iter"`
	Completed       []string               `json:"completed"`
	Failed          []string               `json:"failed"`
	Results         []backupResult         `json:"results"`
	Recommendations []backupRecommendation `json:"recs"`
	ErrorLog        []backupError          `json:"errors"`
	History         []backupAction         `json:"history"`
	Status          string                 `json:"status"`
	CreatedAt       int64                  `json:"created_at"`
}

type backupResult struct {
	Category string         `json:"cat"`
	Payload  map[string]any `json:"payload"`
}

type backupRecommendation struct {
	Category string  `json:"cat"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

type backupError struct {
	TaskID    string `json:"task"`
	ActionID  string `json:"action"`
	Outcome   string `json:"outcome"`
	Message   string `json:"msg"`
	Iteration int    `json:"iter"`
	Timestamp int64  `json:"ts"`
}

type backupAction struct {
	ActionID   string `json:"action"`
	TaskID     string `json:"task"`
	Outcome    string `json:"outcome"`
	Iteration  int    `json:"iter"`
	IsRetry    bool   `json:"retry"`
	StartedAt  int64  `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalState returns the JSON encoding of s and its checksum. The
// encoding is deterministic because encoding/json sorts map keys.
func canonicalState(s *workflow.WorkflowState) ([]byte, string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("marshal state: %w", err)
	}
	return data, checksum(data), nil
}

func encodePrimary(s *workflow.WorkflowState, stateJSON []byte, sum, label string, savedAt int64) ([]byte, error) {
	rec := primaryRecord{
		Format:    primaryFormat,
		SessionID: s.SessionID,
		Label:     label,
		Iteration: s.Iteration,
		SavedAt:   savedAt,
		Checksum:  sum,
		State:     stateJSON,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal primary record: %w", err)
	}
	return data, nil
}

// decodePrimaryHeader parses the record without decoding the state.
func decodePrimaryHeader(data []byte) (primaryRecord, error) {
	var rec primaryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: primary: %v", ErrCheckpointCorrupt, err)
	}
	if rec.Format != primaryFormat {
		return rec, fmt.Errorf("%w: primary: unknown format %q", ErrCheckpointCorrupt, rec.Format)
	}
	if checksum(rec.State) != rec.Checksum {
		return rec, fmt.Errorf("%w: primary: checksum mismatch", ErrCheckpointCorrupt)
	}
	return rec, nil
}

func decodePrimary(data []byte) (*workflow.WorkflowState, primaryRecord, error) {
	rec, err := decodePrimaryHeader(data)
	if err != nil {
		return nil, rec, err
	}
	var s workflow.WorkflowState
	if err := json.Unmarshal(rec.State, &s); err != nil {
		return nil, rec, fmt.Errorf("%w: primary state: %v", ErrCheckpointCorrupt, err)
	}
	fillDefaults(&s)
	return &s, rec, nil
}

func toBackupBody(s *workflow.WorkflowState) backupBody {
	b := backupBody{
		SessionID:     s.SessionID,
		Input:         s.Input,
		RequiredTasks: s.Requirements.RequiredTasks,
		Params:        s.Requirements.Params,
		Iteration:     s.Iteration,
		Completed:     s.CompletedIDs(),
		Failed:        s.FailedIDs(),
		Status:        string(s.Status),
		CreatedAt:     s.CreatedAt,
	}

	cats := make([]string, 0, len(s.Results))
	for c := range s.Results {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	b.Results = make([]backupResult, 0, len(cats))
	for _, c := range cats {
		b.Results = append(b.Results, backupResult{Category: c, Payload: s.Results[workflow.Category(c)]})
	}

	b.Recommendations = make([]backupRecommendation, 0, len(s.Recommendations))
	for _, r := range s.Recommendations {
		b.Recommendations = append(b.Recommendations, backupRecommendation{
			Category: string(r.Category), Text: r.Text, Score: r.Score,
		})
	}
	b.ErrorLog = make([]backupError, 0, len(s.ErrorLog))
	for _, e := range s.ErrorLog {
		b.ErrorLog = append(b.ErrorLog, backupError{
			TaskID: e.TaskID, ActionID: e.ActionID, Outcome: string(e.Outcome),
			Message: e.Message, Iteration: e.Iteration, Timestamp: e.Timestamp,
		})
	}
	b.History = make([]backupAction, 0, len(s.History))
	for _, h := range s.History {
		b.History = append(b.History, backupAction{
			ActionID: h.ActionID, TaskID: h.TaskID, Outcome: string(h.Outcome), Iteration: h.Iteration,
			IsRetry: h.IsRetry, StartedAt: h.StartedAt, DurationMs: h.DurationMs,
		})
	}
	return b
}

func fromBackupBody(b backupBody) *workflow.WorkflowState {
	s := &workflow.WorkflowState{
		SessionID: b.SessionID,
		Input:     b.Input,
		Requirements: workflow.Requirements{
			RequiredTasks: b.RequiredTasks,
			Params:        b.Params,
		},
		Iteration: b.Iteration,
		Completed: make(map[string]bool, len(b.Completed)),
		Failed:    make(map[string]bool, len(b.Failed)),
		Results:   make(map[workflow.Category]workflow.Payload, len(b.Results)),
		Status:    workflow.Status(b.Status),
		CreatedAt: b.CreatedAt,
	}
	for _, id := range b.Completed {
		s.Completed[id] = true
	}
	for _, id := range b.Failed {
		s.Failed[id] = true
	}
	for _, r := range b.Results {
		s.Results[workflow.Category(r.Category)] = workflow.Payload(r.Payload)
	}
	s.Recommendations = make([]workflow.Recommendation, 0, len(b.Recommendations))
	for _, r := range b.Recommendations {
		s.Recommendations = append(s.Recommendations, workflow.Recommendation{
			Category: workflow.Category(r.Category), Text: r.Text, Score: r.Score,
		})
	}
	s.ErrorLog = make([]workflow.ErrorEntry, 0, len(b.ErrorLog))
	for _, e := range b.ErrorLog {
		s.ErrorLog = append(s.ErrorLog, workflow.ErrorEntry{
			TaskID: e.TaskID, ActionID: e.ActionID, Outcome: workflow.Outcome(e.Outcome),
			Message: e.Message, Iteration: e.Iteration, Timestamp: e.Timestamp,
		})
	}
	s.History = make([]workflow.ActionRecord, 0, len(b.History))
	for _, h := range b.History {
		s.History = append(s.History, workflow.ActionRecord{
			ActionID: h.ActionID, TaskID: h.TaskID, Outcome: workflow.Outcome(h.Outcome), Iteration: h.Iteration,
			IsRetry: h.IsRetry, StartedAt: h.StartedAt, DurationMs: h.DurationMs,
		})
	}
	fillDefaults(s)
	return s
}

func encodeBackup(s *workflow.WorkflowState, savedAt int64, level int) ([]byte, error) {
	body, err := json.Marshal(toBackupBody(s))
	if err != nil {
		return nil, fmt.Errorf("marshal backup body: %w", err)
	}
	env, err := json.Marshal(backupEnvelope{
		Version:  BackupCodecVersion,
		SavedAt:  savedAt,
		Checksum: checksum(body),
		Body:     body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal backup envelope: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(env); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBackupEnvelope(data []byte) (backupEnvelope, error) {
	var env backupEnvelope
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return env, fmt.Errorf("%w: backup: %v", ErrCheckpointCorrupt, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return env, fmt.Errorf("%w: backup: %v", ErrCheckpointCorrupt, err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: backup envelope: %v", ErrCheckpointCorrupt, err)
	}
	if env.Version > BackupCodecVersion {
		return env, fmt.Errorf("%w: backup version %d is newer than supported version %d",
			ErrCheckpointVersionUnsupported, env.Version, BackupCodecVersion)
	}
	if env.Version < 1 {
		return env, fmt.Errorf("%w: backup version %d", ErrCheckpointCorrupt, env.Version)
	}
	if checksum(env.Body) != env.Checksum {
		return env, fmt.Errorf("%w: backup: checksum mismatch", ErrCheckpointCorrupt)
	}
	return env, nil
}

func decodeBackup(data []byte) (*workflow.WorkflowState, backupEnvelope, error) {
	env, err := decodeBackupEnvelope(data)
	if err != nil {
		return nil, env, err
	}
	var body backupBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, env, fmt.Errorf("%w: backup body: %v", ErrCheckpointCorrupt, err)
	}
	return fromBackupBody(body), env, nil
}

// fillDefaults replaces absent collections with empty ones and derives a
// missing status, so that older or partial records load as usable states.
func fillDefaults(s *workflow.WorkflowState) {
	if s.Completed == nil {
		s.Completed = make(map[string]bool)
	}
	if s.Failed == nil {
		s.Failed = make(map[string]bool)
	}
	if s.Results == nil {
		s.Results = make(map[workflow.Category]workflow.Payload)
	}
	if s.Recommendations == nil {
		s.Recommendations = []workflow.Recommendation{}
	}
	if s.ErrorLog == nil {
		s.ErrorLog = []workflow.ErrorEntry{}
	}
	if s.History == nil {
		s.History = []workflow.ActionRecord{}
	}
	if s.Status == "" {
		if s.Iteration == 0 {
			s.Status = workflow.StatusInitialized
		} else {
			s.Status = workflow.StatusInProgress
		}
	}
}
