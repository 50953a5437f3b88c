// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator drives analysis runs: it asks the decision engine for
// actions, executes them against the registered executors, folds results
// through the state store, checkpoints, and stops when the iteration
// controller says so.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianQuill/services/quill/agents"
	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/decision"
	"github.com/AleutianAI/AleutianQuill/services/quill/iteration"
	"github.com/AleutianAI/AleutianQuill/services/quill/recommend"
	"github.com/AleutianAI/AleutianQuill/services/quill/state"
	"github.com/AleutianAI/AleutianQuill/services/quill/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

const tracerName = "quill.coordinator"

// DefaultActionTimeout bounds an action whose task declares no timeout.
const DefaultActionTimeout = 300 * time.Second

// Stop reasons owned by the coordinator. The iteration controller's reasons
// are reported as-is.
const (
	ReasonWorkflowComplete = "workflow_complete"
	ReasonNoActions        = "no_eligible_actions"
	ReasonCancelled        = "cancelled"
	ReasonApplyFailed      = "apply_failed"
)

// Config holds execution settings.
type Config struct {
	// MaxConcurrency bounds the parallel batch.
	MaxConcurrency int

	// ActionTimeout applies to tasks without their own timeout.
	ActionTimeout time.Duration

	// QualityWeights weights categories in the summary's quality block.
	// Categories without an entry weigh 1.
	QualityWeights map[workflow.Category]float64

	// RecommendationTopN caps the summary's recommendations.
	RecommendationTopN int

	// ActionRate limits action starts per second across the run, for
	// executors backed by rate-limited services. Zero disables the limit.
	ActionRate float64

	// ActionBurst is the limiter's burst size. Values below 1 mean 1.
	ActionBurst int
}

// DefaultConfig returns the standard execution settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 3,
		ActionTimeout:  DefaultActionTimeout,
		QualityWeights: map[workflow.Category]float64{
			workflow.CategoryStructure:     1.2,
			workflow.CategoryCharacters:    1.2,
			workflow.CategoryConsistency:   1.2,
			workflow.CategoryStyle:         1.0,
			workflow.CategoryDialogue:      1.0,
			workflow.CategoryPacing:        1.0,
			workflow.CategoryWorldbuilding: 0.8,
			workflow.CategoryThemes:        0.8,
			workflow.CategoryMarket:        0.5,
			workflow.CategorySynthesis:     1.5,
		},
		RecommendationTopN: recommend.DefaultLimit,
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max concurrency must be positive, got %d", workflow.ErrInvalidConfig, c.MaxConcurrency)
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("%w: action timeout must be positive, got %s", workflow.ErrInvalidConfig, c.ActionTimeout)
	}
	if c.RecommendationTopN <= 0 {
		return fmt.Errorf("%w: recommendation top-n must be positive, got %d", workflow.ErrInvalidConfig, c.RecommendationTopN)
	}
	if c.ActionRate < 0 {
		return fmt.Errorf("%w: action rate must not be negative", workflow.ErrInvalidConfig)
	}
	for cat, w := range c.QualityWeights {
		if w < 0 {
			return fmt.Errorf("%w: quality weight for %s is negative", workflow.ErrInvalidConfig, cat)
		}
	}
	return nil
}

// Components are the collaborators a Coordinator drives. All are required
// and must share the store's graph.
type Components struct {
	Store      *state.Store
	Engine     *decision.Engine
	Controller *iteration.Controller
	Registry   *agents.Registry
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider. The default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock replaces time.Now for action timestamps, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs one session at a time.
//
// Description:
//
//	The control goroutine owns the WorkflowState for the whole run.
//	Executors receive deep copies, and only the control goroutine applies
//	results and writes checkpoints.
//
// Thread Safety:
//
//	Process and ResumeProcessing are mutually exclusive; a second call
//	while a run is active fails with workflow.ErrAlreadyRunning.
//	StopProcessing and GetStatus may be called from any goroutine.
type Coordinator struct {
	graph      *dag.TaskGraph
	store      *state.Store
	engine     *decision.Engine
	controller *iteration.Controller
	registry   *agents.Registry
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	metrics *metrics
	limiter *rate.Limiter

	mu         sync.Mutex
	runState   RunState
	current    *workflow.WorkflowState
	stale      bool
	stopReason string
	done       chan struct{}
}

// New creates a Coordinator.
//
// Outputs:
//
//	*Coordinator - Idle.
//	error - workflow.ErrInvalidInput for a missing component,
//	        workflow.ErrInvalidConfig for bad settings.
func New(comp Components, cfg Config, opts ...Option) (*Coordinator, error) {
	switch {
	case comp.Store == nil:
		return nil, fmt.Errorf("%w: store is required", workflow.ErrInvalidInput)
	case comp.Engine == nil:
		return nil, fmt.Errorf("%w: decision engine is required", workflow.ErrInvalidInput)
	case comp.Controller == nil:
		return nil, fmt.Errorf("%w: iteration controller is required", workflow.ErrInvalidInput)
	case comp.Registry == nil:
		return nil, fmt.Errorf("%w: executor registry is required", workflow.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		graph:      comp.Store.Graph(),
		store:      comp.Store,
		engine:     comp.Engine,
		controller: comp.Controller,
		registry:   comp.Registry,
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		now:        time.Now,
		runState:   RunIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.logger)
	if cfg.ActionRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ActionRate), max(cfg.ActionBurst, 1))
	}
	return c, nil
}

// Process starts a new run over input.
//
// Description:
//
//	Initializes a fresh session, writes the iteration-0 checkpoint and
//	iterates until the controller stops the run, the workflow is complete,
//	or no action is selectable. Task failures never fail the call; they
//	are recorded in the summary's error log.
//
// Inputs:
//
//	ctx - Cancellation ends the run between iterations. Must not be nil.
//	input - The manuscript text. Must not be blank.
//	req - Extra required tasks and executor params.
//
// Outputs:
//
//	*ResultSummary - Always non-nil when error is nil.
//	error - workflow.ErrAlreadyRunning or workflow.ErrInvalidInput.
func (c *Coordinator) Process(ctx context.Context, input string, req workflow.Requirements) (*ResultSummary, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil context", workflow.ErrInvalidInput)
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input) == "" {
		c.abort()
		return nil, fmt.Errorf("%w: input is empty", workflow.ErrInvalidInput)
	}

	st, err := c.store.Initialize("", input, req)
	if err != nil {
		c.abort()
		return nil, err
	}
	return c.run(ctx, st, "quill.Process"), nil
}

// ResumeProcessing continues a session from its newest readable checkpoint.
//
// Outputs:
//
//	*ResultSummary - Summary of the resumed run.
//	error - workflow.ErrSessionNotFound when no checkpoint exists,
//	        workflow.ErrAlreadyRunning, or a backend read error.
func (c *Coordinator) ResumeProcessing(ctx context.Context, sessionID string) (*ResultSummary, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil context", workflow.ErrInvalidInput)
	}
	if err := c.begin(); err != nil {
		return nil, err
	}

	st, err := c.store.Load(ctx, sessionID)
	if err != nil {
		c.abort()
		if errors.Is(err, state.ErrCheckpointNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", workflow.ErrSessionNotFound, sessionID, err)
		}
		return nil, err
	}
	return c.run(ctx, st, "quill.Resume"), nil
}

// StopProcessing asks the active run to stop after its current iteration
// and waits until the run has persisted its state and returned.
//
// Outputs:
//
//	error - ctx.Err() if ctx ends first. Nil when no run is active.
func (c *Coordinator) StopProcessing(ctx context.Context) error {
	c.mu.Lock()
	if c.runState != RunRunning {
		c.mu.Unlock()
		return nil
	}
	done := c.done
	c.mu.Unlock()

	c.controller.RequestStop()
	c.logger.Info("stop requested")

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns a point-in-time view of the coordinator.
func (c *Coordinator) GetStatus() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := StatusSnapshot{
		RunState:            c.runState,
		LastCheckpointStale: c.stale,
		StopReason:          c.stopReason,
		Completed:           []string{},
		Failed:              []string{},
	}
	if st := c.current; st != nil {
		snap.SessionID = st.SessionID
		snap.Iteration = st.Iteration
		snap.Completed = st.CompletedIDs()
		snap.Failed = st.FailedIDs()
		snap.Status = st.Status
	}
	return snap
}

// begin claims the coordinator for a run and resets the controller.
func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runState == RunRunning {
		return workflow.ErrAlreadyRunning
	}
	c.controller.Reset()
	c.runState = RunRunning
	c.current = nil
	c.stale = false
	c.stopReason = ""
	c.done = make(chan struct{})
	return nil
}

// abort releases a run that never started.
func (c *Coordinator) abort() {
	c.end(RunIdle, "")
}

func (c *Coordinator) end(rs RunState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runState = rs
	c.stopReason = reason
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *Coordinator) setCurrent(st *workflow.WorkflowState) {
	c.mu.Lock()
	c.current = st
	c.mu.Unlock()
}

func (c *Coordinator) checkpointStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// run is the control loop shared by Process and ResumeProcessing.
func (c *Coordinator) run(ctx context.Context, st *workflow.WorkflowState, spanName string) *ResultSummary {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("quill.session_id", st.SessionID),
		attribute.String("quill.graph", c.graph.Name()),
		attribute.Int("quill.start_iteration", st.Iteration),
	))
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, c.logger).With(slog.String("session_id", st.SessionID))
	start := time.Now()
	startIteration := st.Iteration

	logger.Info("run started",
		slog.String("graph", c.graph.Name()),
		slog.Int("iteration", st.Iteration),
		slog.Int("completed", len(st.Completed)),
	)

	c.setCurrent(st)
	c.checkpoint(ctx, logger, st)

	maxIterations := c.controller.Config().MaxIterations
	var history []workflow.IterationSummary
	reason := ""

	for {
		if ctx.Err() != nil {
			reason = ReasonCancelled
			break
		}
		if c.controller.StopRequested() {
			reason = string(iteration.ReasonUserStop)
			break
		}
		if st.Iteration >= maxIterations {
			reason = string(iteration.ReasonMaxIterations)
			break
		}

		eligible := c.graph.Eligible(st.Completed)
		actions := c.engine.SelectActions(st, eligible)
		if len(actions) == 0 {
			logger.Info("no actions selected", slog.Int("eligible", len(eligible)))
			reason = ReasonNoActions
			break
		}

		iter := st.Iteration + 1
		next, err := c.runIteration(ctx, logger, st, actions, iter)
		if err != nil {
			// ApplyResults only fails on a programming error: results for
			// tasks outside the graph or a regressing iteration.
			telemetry.RecordError(span, err)
			logger.Error("applying results failed", slog.Int("iteration", iter), slog.String("error", err.Error()))
			reason = ReasonApplyFailed
			break
		}
		st = next
		c.setCurrent(st)
		c.checkpoint(ctx, logger, st)

		if ctx.Err() != nil {
			reason = ReasonCancelled
			if st.Iteration == iter {
				history = append(history, workflow.IterationSummary{
					IterationNumber: iter,
					Decision:        workflow.DecisionFinalize,
					StopReason:      reason,
					AgentsCompleted: completedIn(st, iter),
				})
			}
			logger.Info("run cancelled during iteration",
				slog.Int("iteration", iter),
				slog.Int("completed", len(st.Completed)),
			)
			break
		}

		verdict := c.controller.Evaluate(st, iter)
		complete := c.engine.IsWorkflowComplete(st)

		summary := workflow.IterationSummary{
			IterationNumber:  iter,
			ConvergenceScore: verdict.Quality,
			Decision:         workflow.DecisionContinue,
			AgentsCompleted:  completedIn(st, iter),
		}
		switch {
		case !verdict.Continue:
			reason = string(verdict.Reason)
		case complete:
			reason = ReasonWorkflowComplete
		}
		if reason != "" {
			summary.Decision = workflow.DecisionFinalize
			summary.StopReason = reason
		}
		history = append(history, summary)

		logger.Info("iteration finished",
			slog.Int("iteration", iter),
			slog.Int("actions", len(actions)),
			slog.Int("completed", len(st.Completed)),
			slog.Int("failed", len(st.Failed)),
			slog.String("status", string(st.Status)),
			slog.String("decision", string(summary.Decision)),
		)
		if reason != "" {
			break
		}
	}

	rs := finalRunState(st, reason)
	c.end(rs, reason)
	c.metrics.recordRun(ctx, time.Since(start), rs)

	span.SetAttributes(
		attribute.String("quill.run_state", string(rs)),
		attribute.String("quill.stop_reason", reason),
		attribute.Int("quill.iterations", st.Iteration-startIteration),
		attribute.String("quill.status", string(st.Status)),
	)
	if rs == RunFailed {
		span.SetStatus(codes.Error, reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	logger.Info("run finished",
		slog.String("run_state", string(rs)),
		slog.String("stop_reason", reason),
		slog.Int("iteration", st.Iteration),
		slog.Duration("duration", time.Since(start)),
	)

	return BuildSummary(c.graph, st, SummaryOptions{
		RunState:        rs,
		StopReason:      reason,
		History:         history,
		CheckpointStale: c.checkpointStale(),
		QualityWeights:  c.cfg.QualityWeights,
		TopN:            c.cfg.RecommendationTopN,
	})
}

// checkpoint saves st and records whether the latest checkpoint is stale.
// The save outlives ctx cancellation so a cancelled run still persists.
func (c *Coordinator) checkpoint(ctx context.Context, logger *slog.Logger, st *workflow.WorkflowState) {
	_, err := c.store.Save(context.WithoutCancel(ctx), st)

	c.mu.Lock()
	c.stale = err != nil
	c.mu.Unlock()

	if err != nil {
		logger.Warn("checkpoint write failed, continuing in memory",
			slog.Int("iteration", st.Iteration),
			slog.String("error", err.Error()),
		)
	}
}

// finalRunState maps the stop reason and final status onto a RunState.
func finalRunState(st *workflow.WorkflowState, reason string) RunState {
	switch reason {
	case string(iteration.ReasonFailureThreshold), string(iteration.ReasonErrorRate), ReasonApplyFailed:
		return RunFailed
	case string(iteration.ReasonUserStop), string(iteration.ReasonTimeout),
		string(iteration.ReasonMaxIterations), ReasonCancelled, string(iteration.ReasonNotReset):
		if st.Status == workflow.StatusCompleted {
			return RunCompleted
		}
		return RunStopped
	}
	if st.Status == workflow.StatusFailed {
		return RunFailed
	}
	if reason == ReasonNoActions && len(st.Failed) > 0 && st.Status != workflow.StatusCompleted {
		return RunFailed
	}
	return RunCompleted
}

func completedIn(st *workflow.WorkflowState, iter int) []string {
	out := make([]string, 0)
	for _, rec := range st.History {
		if rec.Iteration == iter && rec.Outcome == workflow.OutcomeSuccess {
			out = append(out, rec.TaskID)
		}
	}
	return out
}
