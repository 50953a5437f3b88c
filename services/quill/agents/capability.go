// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents defines the executor capability that the coordinator calls
// for each task type, and the registry mapping task types to capabilities.
//
// A capability is either Available, wrapping an Executor, or Unavailable,
// carrying the reason the executor could not be loaded. The coordinator
// executes both the same way; an Unavailable capability fails immediately
// with workflow.ErrExecutorUnavailable.
package agents

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// Executor analyses a state snapshot and returns a result payload.
//
// The snapshot is a private copy; implementations may read it freely but
// changes are discarded. Implementations should honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, snapshot *workflow.WorkflowState, params map[string]any) (workflow.Payload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, snapshot *workflow.WorkflowState, params map[string]any) (workflow.Payload, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, snapshot *workflow.WorkflowState, params map[string]any) (workflow.Payload, error) {
	return f(ctx, snapshot, params)
}

// Kind discriminates Capability variants.
type Kind int

const (
	KindUnavailable Kind = iota
	KindAvailable
)

func (k Kind) String() string {
	if k == KindAvailable {
		return "available"
	}
	return "unavailable"
}

// Capability is the tagged union {Available(Executor), Unavailable(reason)}.
// The zero value is Unavailable with no reason.
type Capability struct {
	kind     Kind
	executor Executor
	reason   error
}

// Available wraps an executor. A nil executor yields Unavailable.
func Available(e Executor) Capability {
	if e == nil {
		return Unavailable(fmt.Errorf("nil executor"))
	}
	return Capability{kind: KindAvailable, executor: e}
}

// Unavailable records why a capability could not be provided.
func Unavailable(reason error) Capability {
	return Capability{kind: KindUnavailable, reason: reason}
}

// Kind returns the variant.
func (c Capability) Kind() Kind { return c.kind }

// Available reports whether c wraps an executor.
func (c Capability) Available() bool { return c.kind == KindAvailable }

// Reason returns the failure reason of an Unavailable capability.
func (c Capability) Reason() error { return c.reason }

// Execute runs the wrapped executor, or fails with
// workflow.ErrExecutorUnavailable for the Unavailable variant.
func (c Capability) Execute(ctx context.Context, snapshot *workflow.WorkflowState, params map[string]any) (workflow.Payload, error) {
	switch c.kind {
	case KindAvailable:
		return c.executor.Execute(ctx, snapshot, params)
	default:
		if c.reason == nil {
			return nil, workflow.ErrExecutorUnavailable
		}
		return nil, fmt.Errorf("%w: %w", workflow.ErrExecutorUnavailable, c.reason)
	}
}
