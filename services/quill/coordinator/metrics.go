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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

var meter = otel.Meter("quill.coordinator")

// metrics holds the coordinator's instruments. A nil instrument is skipped,
// so a failed registration degrades observability without failing runs.
type metrics struct {
	actionLatency metric.Float64Histogram
	actionResults metric.Int64Counter
	activeActions metric.Int64UpDownCounter
	runLatency    metric.Float64Histogram
	runs          metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	m := &metrics{}
	var initErrors []string
	var err error

	m.actionLatency, err = meter.Float64Histogram("quill_action_duration_seconds",
		metric.WithDescription("Time spent executing each action"),
		metric.WithUnit("s"),
	)
	if err != nil {
		initErrors = append(initErrors, "action_latency: "+err.Error())
	}

	m.actionResults, err = meter.Int64Counter("quill_action_results_total",
		metric.WithDescription("Executed actions by task type and outcome"),
	)
	if err != nil {
		initErrors = append(initErrors, "action_results: "+err.Error())
	}

	m.activeActions, err = meter.Int64UpDownCounter("quill_active_actions",
		metric.WithDescription("Number of currently executing actions"),
	)
	if err != nil {
		initErrors = append(initErrors, "active_actions: "+err.Error())
	}

	m.runLatency, err = meter.Float64Histogram("quill_run_duration_seconds",
		metric.WithDescription("Wall-clock time of a whole run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		initErrors = append(initErrors, "run_latency: "+err.Error())
	}

	m.runs, err = meter.Int64Counter("quill_runs_total",
		metric.WithDescription("Finished runs by final run state"),
	)
	if err != nil {
		initErrors = append(initErrors, "runs: "+err.Error())
	}

	if len(initErrors) > 0 {
		logger.Error("failed to initialize some coordinator metrics (observability degraded)",
			slog.Int("failed_count", len(initErrors)),
			slog.Any("errors", initErrors),
		)
	}
	return m
}

func (m *metrics) actionStarted(ctx context.Context) {
	if m.activeActions != nil {
		m.activeActions.Add(ctx, 1)
	}
}

func (m *metrics) actionFinished(ctx context.Context) {
	if m.activeActions != nil {
		m.activeActions.Add(ctx, -1)
	}
}

func (m *metrics) recordAction(ctx context.Context, t workflow.TaskType, outcome workflow.Outcome, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task_type", string(t)),
		attribute.String("outcome", string(outcome)),
	)
	if m.actionLatency != nil {
		m.actionLatency.Record(ctx, d.Seconds(), attrs)
	}
	if m.actionResults != nil {
		m.actionResults.Add(ctx, 1, attrs)
	}
}

func (m *metrics) recordRun(ctx context.Context, d time.Duration, rs RunState) {
	attrs := metric.WithAttributes(attribute.String("run_state", string(rs)))
	if m.runLatency != nil {
		m.runLatency.Record(ctx, d.Seconds(), attrs)
	}
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
}
