// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry for Quill processes.
//
// Library packages only call otel.Tracer and otel.Meter; they work against
// the global no-op providers until a binary calls Init. The CLI calls Init
// when --trace is set.
//
// # Environment Variables
//
//   - OTEL_TRACES_EXPORTER: stdout or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout or none (default: none)
//   - QUILL_ENV: environment name (default: development)
//
// # Logging
//
// LoggerWithTrace attaches trace_id and span_id to a slog.Logger so that
// log lines can be joined to spans.
package telemetry
