// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()
	assert.Equal(t, "quill", cfg.ServiceName)
	assert.Equal(t, "none", cfg.TraceExporter)
	assert.Equal(t, "none", cfg.MetricExporter)
}

func TestInit(t *testing.T) {
	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // exercising the nil guard
		_, err := Init(nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrNilContext)
	})

	t.Run("unknown exporter", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "jaeger"
		_, err := Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)
	})

	t.Run("stdout traces", func(t *testing.T) {
		prev := otel.GetTracerProvider()
		defer otel.SetTracerProvider(prev)

		var buf bytes.Buffer
		cfg := DefaultConfig()
		cfg.TraceExporter = "stdout"
		cfg.MetricExporter = "none"
		cfg.Writer = &buf

		shutdown, err := Init(context.Background(), cfg)
		require.NoError(t, err)

		_, span := otel.Tracer("test").Start(context.Background(), "quill.test")
		span.End()
		require.NoError(t, shutdown(context.Background()))
		assert.Contains(t, buf.String(), "quill.test")
	})
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("traced")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
	assert.Contains(t, buf.String(), "span_id")
}
