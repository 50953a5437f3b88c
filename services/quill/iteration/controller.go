// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package iteration decides when a run stops iterating.
//
// The Controller evaluates a fixed, ordered list of stop conditions after
// every iteration. It holds only run-scoped bookkeeping (start time, stop
// flag, current iteration, bound session) and must be Reset at the start of
// every run.
package iteration

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// StopReason names the condition that ended a run.
type StopReason string

const (
	ReasonNone             StopReason = ""
	ReasonNotReset         StopReason = "controller_not_reset"
	ReasonUserStop         StopReason = "user_stop"
	ReasonTimeout          StopReason = "timeout"
	ReasonMaxIterations    StopReason = "max_iterations"
	ReasonRequiredComplete StopReason = "required_complete"
	ReasonQualityThreshold StopReason = "quality_threshold"
	ReasonFailureThreshold StopReason = "failure_threshold"
	ReasonErrorRate        StopReason = "error_rate"
)

// Config holds the stop thresholds.
type Config struct {
	// MaxIterations bounds the run. Must be positive.
	MaxIterations int

	// Timeout bounds wall-clock time since Reset. Zero disables it.
	Timeout time.Duration

	// QualityThreshold stops the run once aggregate quality reaches it.
	QualityThreshold float64

	// FailureThreshold stops the run once this many tasks are failed.
	FailureThreshold int

	// ErrorRateThreshold stops the run when the last iteration logged more
	// errors than this.
	ErrorRateThreshold int

	// RetryFailureRatio is the largest failed/total ratio at which failed
	// tasks are still worth retrying.
	RetryFailureRatio float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      5,
		Timeout:            30 * time.Minute,
		QualityThreshold:   0.85,
		FailureThreshold:   3,
		ErrorRateThreshold: 5,
		RetryFailureRatio:  0.5,
	}
}

// Validate rejects structurally invalid thresholds.
func (c Config) Validate() error {
	switch {
	case c.MaxIterations <= 0:
		return fmt.Errorf("%w: max iterations must be positive, got %d", workflow.ErrInvalidConfig, c.MaxIterations)
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", workflow.ErrInvalidConfig)
	case c.QualityThreshold <= 0 || c.QualityThreshold > 1:
		return fmt.Errorf("%w: quality threshold must be in (0,1], got %v", workflow.ErrInvalidConfig, c.QualityThreshold)
	case c.FailureThreshold <= 0:
		return fmt.Errorf("%w: failure threshold must be positive, got %d", workflow.ErrInvalidConfig, c.FailureThreshold)
	case c.ErrorRateThreshold < 0:
		return fmt.Errorf("%w: error rate threshold must not be negative", workflow.ErrInvalidConfig)
	case c.RetryFailureRatio < 0 || c.RetryFailureRatio > 1:
		return fmt.Errorf("%w: retry failure ratio must be in [0,1], got %v", workflow.ErrInvalidConfig, c.RetryFailureRatio)
	}
	return nil
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	// Continue is false when a stop condition fired.
	Continue bool

	// Reason is the first stop condition that fired.
	Reason StopReason

	// Quality is the aggregate quality score, valid when HasQuality is true.
	Quality    float64
	HasQuality bool
}

// Controller is the stop/continue authority for a run.
//
// Thread Safety:
//
//	Safe for concurrent use. RequestStop may be called from any goroutine
//	while the control loop evaluates.
type Controller struct {
	cfg   Config
	graph *dag.TaskGraph
	now   func() time.Time

	mu               sync.Mutex
	started          bool
	startTime        time.Time
	stopRequested    bool
	currentIteration int
	session          string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller for graph.
//
// Outputs:
//
//	*Controller - Not started; call Reset before the first evaluation.
//	error - workflow.ErrInvalidConfig or workflow.ErrGraphNotValidated.
func NewController(graph *dag.TaskGraph, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if graph == nil || !graph.Validated() {
		return nil, workflow.ErrGraphNotValidated
	}
	c := &Controller{cfg: cfg, graph: graph, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the thresholds in use.
func (c *Controller) Config() Config { return c.cfg }

// Reset starts a new run: clears the stop flag and the bound session and
// restarts the wall clock.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.startTime = c.now()
	c.stopRequested = false
	c.currentIteration = 0
	c.session = ""
}

// RequestStop asks the run to stop at the next evaluation.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
}

// StopRequested reports whether RequestStop was called since the last Reset.
func (c *Controller) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// CurrentIteration returns the iteration passed to the latest evaluation.
func (c *Controller) CurrentIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIteration
}

// Elapsed returns wall-clock time since Reset.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return c.now().Sub(c.startTime)
}

// ShouldContinue reports whether another iteration should run.
func (c *Controller) ShouldContinue(st *workflow.WorkflowState, iteration int) bool {
	return c.Evaluate(st, iteration).Continue
}

// Evaluate checks the stop conditions in priority order.
//
// Description:
//
//	The first matching condition wins:
//	  1. stop requested
//	  2. elapsed time > Timeout
//	  3. iteration >= MaxIterations
//	  4. every task of the minimal-required set is completed
//	  5. aggregate quality >= QualityThreshold
//	  6. failed task count >= FailureThreshold
//	  7. errors logged in this iteration > ErrorRateThreshold
//
//	The first evaluation after Reset binds the controller to the state's
//	session. Evaluating a different session, or evaluating before any Reset,
//	stops with ReasonNotReset instead of reusing stale bookkeeping. The
//	max-iterations check runs before that guard so it holds unconditionally.
//
// Inputs:
//
//	st - The state after the iteration's results were applied.
//	iteration - The iteration just completed.
//
// Outputs:
//
//	Verdict - Continue, the reason when stopping, and the aggregate quality.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) Evaluate(st *workflow.WorkflowState, iteration int) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v Verdict
	if st != nil {
		v.Quality, v.HasQuality = AggregateQuality(st.Results)
	}
	stop := func(r StopReason) Verdict {
		v.Continue = false
		v.Reason = r
		return v
	}

	if iteration >= c.cfg.MaxIterations {
		c.currentIteration = iteration
		return stop(ReasonMaxIterations)
	}
	if !c.started || st == nil || (c.session != "" && c.session != st.SessionID) {
		return stop(ReasonNotReset)
	}
	c.session = st.SessionID
	c.currentIteration = iteration

	switch {
	case c.stopRequested:
		return stop(ReasonUserStop)
	case c.cfg.Timeout > 0 && c.now().Sub(c.startTime) > c.cfg.Timeout:
		return stop(ReasonTimeout)
	case c.requiredComplete(st):
		return stop(ReasonRequiredComplete)
	case v.HasQuality && v.Quality >= c.cfg.QualityThreshold:
		return stop(ReasonQualityThreshold)
	case len(st.FailedIDs()) >= c.cfg.FailureThreshold:
		return stop(ReasonFailureThreshold)
	case st.ErrorsInIteration(iteration) > c.cfg.ErrorRateThreshold:
		return stop(ReasonErrorRate)
	}
	v.Continue = true
	return v
}

// requiredComplete is false for an empty required set.
func (c *Controller) requiredComplete(st *workflow.WorkflowState) bool {
	required := c.graph.MinimalRequiredSet(st.Requirements.RequiredTasks)
	if len(required) == 0 {
		return false
	}
	for _, id := range required {
		if !st.Completed[id] {
			return false
		}
	}
	return true
}

// ShouldRetryFailed reports whether failed tasks are worth retrying: the
// failed share of the graph is at most RetryFailureRatio and iterations
// remain.
func (c *Controller) ShouldRetryFailed(st *workflow.WorkflowState) bool {
	total := c.graph.Len()
	if st == nil || total == 0 {
		return false
	}
	ratio := float64(len(st.FailedIDs())) / float64(total)
	return ratio <= c.cfg.RetryFailureRatio && st.Iteration < c.cfg.MaxIterations
}

// Strategy is advisory guidance for the next iteration. The decision engine
// does not consult it.
type Strategy struct {
	// RetryTasks are failed tasks worth retrying.
	RetryTasks []string `json:"retry_tasks"`

	// SkipTasks are non-critical pending tasks downstream of a clustered
	// dependency.
	SkipTasks []string `json:"skip_tasks"`

	// ClusteredDependencies are tasks shared as a dependency by two or more
	// failed tasks.
	ClusteredDependencies []string `json:"clustered_dependencies"`
}

// NextIterationStrategy suggests which failed tasks to retry and which
// non-critical tasks to skip.
//
// Description:
//
//	A dependency shared by at least two failed tasks is a cluster. Pending
//	Medium or Low tasks downstream of a cluster are suggested for skipping,
//	failed ones included. The remaining failed tasks are suggested for retry
//	when ShouldRetryFailed holds.
func (c *Controller) NextIterationStrategy(st *workflow.WorkflowState) Strategy {
	out := Strategy{RetryTasks: []string{}, SkipTasks: []string{}, ClusteredDependencies: []string{}}
	if st == nil {
		return out
	}

	failed := st.FailedIDs()
	shared := make(map[string]int)
	for _, id := range failed {
		for _, dep := range c.graph.Dependencies(id) {
			shared[dep]++
		}
	}
	for dep, n := range shared {
		if n >= 2 {
			out.ClusteredDependencies = append(out.ClusteredDependencies, dep)
		}
	}
	sort.Strings(out.ClusteredDependencies)

	skip := make(map[string]bool)
	for _, dep := range out.ClusteredDependencies {
		for _, id := range c.graph.Descendants(dep) {
			task, _ := c.graph.Task(id)
			if st.Completed[id] || task.Priority >= workflow.PriorityHigh {
				continue
			}
			skip[id] = true
		}
	}
	for id := range skip {
		out.SkipTasks = append(out.SkipTasks, id)
	}
	sort.Strings(out.SkipTasks)

	if c.ShouldRetryFailed(st) {
		for _, id := range failed {
			if !skip[id] {
				out.RetryTasks = append(out.RetryTasks, id)
			}
		}
	}
	return out
}

// AggregateQuality is the mean quality over payloads that report one.
// Payloads without a quality figure are left out of both sums.
//
// Outputs:
//
//	float64 - The mean, zero when nothing reports quality.
//	bool - False when no payload reports quality.
func AggregateQuality(results map[workflow.Category]workflow.Payload) (float64, bool) {
	var sum float64
	n := 0
	for _, c := range workflow.Categories() {
		q, ok := results[c].Quality()
		if !ok {
			continue
		}
		sum += q
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
