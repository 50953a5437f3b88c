// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianQuill/services/quill/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// runIteration executes actions and folds their results into a new state.
//
// Description:
//
//	Parallel actions run first as one batch bounded by MaxConcurrency, all
//	against the same pre-iteration snapshot. Sequential actions then run
//	one at a time, each against the state with every result so far in this
//	iteration applied. Results are keyed by action ID so completion order
//	never matters.
//
//	Actions interrupted by cancellation of ctx produce no result, and no
//	further sequential action starts once ctx is done. Only the results that
//	were actually reached are folded; if none were, st is returned unchanged.
func (c *Coordinator) runIteration(
	ctx context.Context,
	logger *slog.Logger,
	st *workflow.WorkflowState,
	actions []workflow.Action,
	iter int,
) (*workflow.WorkflowState, error) {
	ctx, span := c.tracer.Start(ctx, "quill.Iteration", trace.WithAttributes(
		attribute.Int("quill.iteration", iter),
		attribute.Int("quill.action_count", len(actions)),
	))
	defer span.End()

	var parallel, sequential []workflow.Action
	for _, a := range actions {
		if a.Parallel {
			parallel = append(parallel, a)
		} else {
			sequential = append(sequential, a)
		}
	}

	results := make(map[string]workflow.ActionResult, len(actions))

	if len(parallel) > 0 {
		var mu sync.Mutex
		g := new(errgroup.Group)
		g.SetLimit(c.cfg.MaxConcurrency)
		for _, a := range parallel {
			snapshot := st.Clone()
			g.Go(func() error {
				r, ok := c.execute(ctx, logger, a, snapshot)
				if !ok {
					return nil
				}
				mu.Lock()
				results[a.ID] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, a := range sequential {
		if ctx.Err() != nil {
			break
		}
		view := st
		if len(results) > 0 {
			preview, err := c.store.ApplyResults(st, results, iter)
			if err != nil {
				telemetry.RecordError(span, err)
				return nil, err
			}
			view = preview
		}
		if r, ok := c.execute(ctx, logger, a, view.Clone()); ok {
			results[a.ID] = r
		}
	}

	if ctx.Err() != nil && len(results) == 0 {
		span.SetAttributes(attribute.Bool("quill.cancelled", true))
		return st, nil
	}

	next, err := c.store.ApplyResults(st, results, iter)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("quill.completed", len(next.Completed)),
		attribute.Int("quill.failed", len(next.Failed)),
	)
	return next, nil
}

type execOutcome struct {
	payload workflow.Payload
	err     error
}

// execute runs one action under its timeout and converts every failure mode
// into an ActionResult. It never returns an error and never panics.
//
// Description:
//
//	The executor runs on its own goroutine and reports through a buffered
//	channel. When the deadline passes first the goroutine is detached: its
//	context is cancelled and its eventual result is dropped into the buffer
//	and discarded, so it cannot block or leak a send.
//
// Outputs:
//
//	workflow.ActionResult - The classified result.
//	bool - False when cancellation of ctx interrupted the action. The result
//	       is then meaningless and must not be folded into state.
func (c *Coordinator) execute(
	ctx context.Context,
	logger *slog.Logger,
	a workflow.Action,
	snapshot *workflow.WorkflowState,
) (workflow.ActionResult, bool) {
	task, _ := c.graph.Task(a.TaskID)
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ActionTimeout
	}

	ctx, span := c.tracer.Start(ctx, "quill.Action", trace.WithAttributes(
		attribute.String("quill.action_id", a.ID),
		attribute.String("quill.task_id", a.TaskID),
		attribute.String("quill.task_type", string(task.Type)),
		attribute.Bool("quill.parallel", a.Parallel),
		attribute.Bool("quill.retry", a.IsRetry),
		attribute.String("quill.timeout", timeout.String()),
	))
	defer span.End()

	c.metrics.actionStarted(ctx)
	defer c.metrics.actionFinished(ctx)

	result := workflow.ActionResult{
		ActionID:  a.ID,
		TaskID:    a.TaskID,
		StartedAt: c.now(),
		IsRetry:   a.IsRetry,
	}
	wallStart := time.Now()

	capability := c.registry.Resolve(task.Type)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return c.interrupted(logger, span, a, time.Since(wallStart)), false
			}
			return c.finish(ctx, logger, span, a, task.Type, result, time.Since(wallStart), timeout,
				fmt.Errorf("%w: %s: waiting for rate limiter: %w", workflow.ErrActionExecution, a.TaskID, err), nil), true
		}
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("%w: executor panicked: %v", workflow.ErrActionExecution, r)}
			}
		}()
		p, err := capability.Execute(actx, snapshot, snapshot.Requirements.Params)
		done <- execOutcome{payload: p, err: err}
	}()

	var out execOutcome
	reported := false
	select {
	case out = <-done:
		reported = true
	case <-actx.Done():
		// A result that raced the deadline still counts.
		select {
		case out = <-done:
			reported = true
		default:
		}
	}

	switch {
	case reported && out.err == nil:
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		if reported {
			out.err = fmt.Errorf("%w: %s after %s: %w", workflow.ErrActionTimeout, a.TaskID, timeout, out.err)
		} else {
			out.err = fmt.Errorf("%w: %s after %s", workflow.ErrActionTimeout, a.TaskID, timeout)
		}
	case ctx.Err() != nil:
		return c.interrupted(logger, span, a, time.Since(wallStart)), false
	}
	return c.finish(ctx, logger, span, a, task.Type, result, time.Since(wallStart), timeout, out.err, out.payload), true
}

// interrupted records an action cut short by run cancellation. It is not a
// task outcome: nothing is added to the failed set or the error log.
func (c *Coordinator) interrupted(logger *slog.Logger, span trace.Span, a workflow.Action, duration time.Duration) workflow.ActionResult {
	span.SetAttributes(attribute.Bool("quill.cancelled", true))
	span.SetStatus(codes.Unset, "")
	logger.Info("action interrupted by cancellation",
		slog.String("action_id", a.ID),
		slog.String("task_id", a.TaskID),
		slog.Duration("duration", duration),
	)
	return workflow.ActionResult{ActionID: a.ID, TaskID: a.TaskID, IsRetry: a.IsRetry}
}

// finish classifies execErr into the result's outcome and records it.
func (c *Coordinator) finish(
	ctx context.Context,
	logger *slog.Logger,
	span trace.Span,
	a workflow.Action,
	taskType workflow.TaskType,
	result workflow.ActionResult,
	duration time.Duration,
	timeout time.Duration,
	execErr error,
	payload workflow.Payload,
) workflow.ActionResult {
	result.DurationMs = duration.Milliseconds()

	switch {
	case execErr == nil:
		result.Outcome = workflow.OutcomeSuccess
		result.Payload = payload
		span.SetStatus(codes.Ok, "")
		logger.Debug("action succeeded",
			slog.String("action_id", a.ID),
			slog.String("task_id", a.TaskID),
			slog.Duration("duration", duration),
		)
	case errors.Is(execErr, workflow.ErrActionTimeout):
		result.Outcome = workflow.OutcomeTimeout
		result.ErrorMessage = execErr.Error()
		telemetry.RecordError(span, execErr)
		logger.Warn("action timed out",
			slog.String("action_id", a.ID),
			slog.String("task_id", a.TaskID),
			slog.Duration("timeout", timeout),
		)
	default:
		err := execErr
		if !errors.Is(err, workflow.ErrActionExecution) && !errors.Is(err, workflow.ErrExecutorUnavailable) {
			err = &workflow.ActionError{ActionID: a.ID, TaskID: a.TaskID, Err: err}
		}
		result.Outcome = workflow.OutcomeFailure
		result.ErrorMessage = err.Error()
		telemetry.RecordError(span, err)
		logger.Warn("action failed",
			slog.String("action_id", a.ID),
			slog.String("task_id", a.TaskID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	}

	c.metrics.recordAction(ctx, taskType, result.Outcome, duration)
	return result
}
