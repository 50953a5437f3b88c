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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// Factory constructs an executor. It may fail, for instance when a model or
// credential is missing.
type Factory func() (Executor, error)

// Registry maps task types to capabilities.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	caps   map[workflow.TaskType]Capability
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caps:   make(map[workflow.TaskType]Capability),
		logger: logger,
	}
}

// Register installs an Available capability for t, replacing any previous one.
//
// Outputs:
//
//	error - workflow.ErrInvalidInput for an unknown type or nil executor.
func (r *Registry) Register(t workflow.TaskType, e Executor) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown task type %q", workflow.ErrInvalidInput, t)
	}
	if e == nil {
		return fmt.Errorf("%w: nil executor for %s", workflow.ErrInvalidInput, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[t] = Available(e)
	return nil
}

// MarkUnavailable installs an Unavailable capability for t.
func (r *Registry) MarkUnavailable(t workflow.TaskType, reason error) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown task type %q", workflow.ErrInvalidInput, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[t] = Unavailable(reason)
	return nil
}

// Load builds an executor with factory and registers the outcome.
//
// Description:
//
//	A factory error, a nil executor, or a panic in the factory registers
//	Unavailable carrying the reason instead of failing the caller. The run
//	then records a failure for tasks of this type and continues.
//
// Outputs:
//
//	Capability - What was registered.
//	error - workflow.ErrInvalidInput for an unknown type only.
func (r *Registry) Load(t workflow.TaskType, factory Factory) (Capability, error) {
	if !t.Valid() {
		return Capability{}, fmt.Errorf("%w: unknown task type %q", workflow.ErrInvalidInput, t)
	}

	capability := r.build(t, factory)
	if !capability.Available() {
		r.logger.Warn("executor unavailable",
			slog.String("task_type", string(t)),
			slog.String("reason", capability.Reason().Error()),
		)
	}

	r.mu.Lock()
	r.caps[t] = capability
	r.mu.Unlock()
	return capability, nil
}

func (r *Registry) build(t workflow.TaskType, factory Factory) (capability Capability) {
	if factory == nil {
		return Unavailable(errors.New("nil factory"))
	}
	defer func() {
		if p := recover(); p != nil {
			capability = Unavailable(fmt.Errorf("factory for %s panicked: %v", t, p))
		}
	}()
	e, err := factory()
	if err != nil {
		return Unavailable(err)
	}
	if e == nil {
		return Unavailable(fmt.Errorf("factory for %s returned nil executor", t))
	}
	return Available(e)
}

// Resolve returns the capability for t. An unregistered type resolves to
// Unavailable.
func (r *Registry) Resolve(t workflow.TaskType) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if capability, ok := r.caps[t]; ok {
		return capability
	}
	return Unavailable(fmt.Errorf("no executor registered for %s", t))
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []workflow.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.TaskType, 0, len(r.caps))
	for t := range r.caps {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnavailableReasons returns the reason for every Unavailable registration.
func (r *Registry) UnavailableReasons() map[workflow.TaskType]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[workflow.TaskType]string)
	for t, capability := range r.caps {
		if capability.Available() {
			continue
		}
		reason := "unavailable"
		if capability.Reason() != nil {
			reason = capability.Reason().Error()
		}
		out[t] = reason
	}
	return out
}
