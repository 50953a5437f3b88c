// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads Quill's YAML configuration and task-graph
// definitions and converts them into the settings of each component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianQuill/services/quill/coordinator"
	"github.com/AleutianAI/AleutianQuill/services/quill/decision"
	"github.com/AleutianAI/AleutianQuill/services/quill/iteration"
	"github.com/AleutianAI/AleutianQuill/services/quill/state"
	badgerstore "github.com/AleutianAI/AleutianQuill/services/quill/storage/badger"
	"github.com/AleutianAI/AleutianQuill/services/quill/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

var validate = validator.New()

// Config is the root of quill.yaml.
type Config struct {
	Iteration       IterationConfig      `yaml:"iteration"`
	Decision        DecisionConfig       `yaml:"decision"`
	Coordinator     CoordinatorConfig    `yaml:"coordinator"`
	Storage         StorageConfig        `yaml:"storage"`
	Recommendations RecommendationConfig `yaml:"recommendations"`
	Telemetry       telemetry.Config     `yaml:"telemetry"`

	// QualityWeights weights each category in the summary's quality block.
	QualityWeights map[string]float64 `yaml:"quality_weights" validate:"dive,keys,oneof=structure characters style dialogue pacing consistency worldbuilding themes market synthesis,endkeys,gte=0"`

	// GraphFile is an optional task-graph definition. Empty uses the
	// built-in manuscript graph.
	GraphFile string `yaml:"graph_file,omitempty"`
}

// IterationConfig holds the stop thresholds.
type IterationConfig struct {
	MaxIterations      int           `yaml:"max_iterations" validate:"gt=0"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	QualityThreshold   float64       `yaml:"quality_threshold" validate:"gt=0,lte=1"`
	FailureThreshold   int           `yaml:"failure_threshold" validate:"gt=0"`
	ErrorRateThreshold int           `yaml:"error_rate_threshold" validate:"gte=0"`
	RetryFailureRatio  float64       `yaml:"retry_failure_ratio" validate:"gte=0,lte=1"`
}

// DecisionConfig holds the action-selection limits.
type DecisionConfig struct {
	ConcurrencyCap         int           `yaml:"concurrency_cap" validate:"gt=0"`
	RetryCap               int           `yaml:"retry_cap" validate:"gte=0"`
	ShrinkAtIteration      int           `yaml:"shrink_at_iteration" validate:"gt=0"`
	ShrunkCap              int           `yaml:"shrunk_cap" validate:"gt=0"`
	DependencyFailureLimit int           `yaml:"dependency_failure_limit" validate:"gte=0"`
	DegradeErrorRate       float64       `yaml:"degrade_error_rate" validate:"gte=0,lte=1"`
	ExpensiveDuration      time.Duration `yaml:"expensive_duration" validate:"gte=0"`
	CompletionRatio        float64       `yaml:"completion_ratio" validate:"gt=0,lte=1"`
}

// CoordinatorConfig holds execution settings.
type CoordinatorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" validate:"gt=0"`
	ActionTimeout  time.Duration `yaml:"action_timeout" validate:"gt=0"`

	// ActionRate caps action starts per second. Zero is unlimited.
	ActionRate  float64 `yaml:"action_rate" validate:"gte=0"`
	ActionBurst int     `yaml:"action_burst" validate:"gte=0"`
}

// StorageConfig locates the checkpoint database.
type StorageConfig struct {
	Path             string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory         bool          `yaml:"in_memory"`
	SyncWrites       bool          `yaml:"sync_writes"`
	GCInterval       time.Duration `yaml:"gc_interval" validate:"gte=0"`
	Retention        time.Duration `yaml:"retention" validate:"gt=0"`
	CompressionLevel int           `yaml:"compression_level" validate:"gte=1,lte=9"`
}

// RecommendationConfig bounds the ranked recommendation list.
type RecommendationConfig struct {
	TopN int `yaml:"top_n" validate:"gt=0"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	it := iteration.DefaultConfig()
	dc := decision.DefaultConfig()
	cc := coordinator.DefaultConfig()
	sc := state.DefaultConfig()

	weights := make(map[string]float64, len(cc.QualityWeights))
	for c, w := range cc.QualityWeights {
		weights[string(c)] = w
	}

	return Config{
		Iteration: IterationConfig{
			MaxIterations:      it.MaxIterations,
			Timeout:            it.Timeout,
			QualityThreshold:   it.QualityThreshold,
			FailureThreshold:   it.FailureThreshold,
			ErrorRateThreshold: it.ErrorRateThreshold,
			RetryFailureRatio:  it.RetryFailureRatio,
		},
		Decision: DecisionConfig{
			ConcurrencyCap:         dc.ConcurrencyCap,
			RetryCap:               dc.RetryCap,
			ShrinkAtIteration:      dc.ShrinkAtIteration,
			ShrunkCap:              dc.ShrunkCap,
			DependencyFailureLimit: dc.DependencyFailureLimit,
			DegradeErrorRate:       dc.DegradeErrorRate,
			ExpensiveDuration:      dc.ExpensiveDuration,
			CompletionRatio:        dc.CompletionRatio,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrency: cc.MaxConcurrency,
			ActionTimeout:  cc.ActionTimeout,
			ActionRate:     cc.ActionRate,
			ActionBurst:    cc.ActionBurst,
		},
		Storage: StorageConfig{
			Path:             defaultDataDir(),
			SyncWrites:       true,
			GCInterval:       badgerstore.DefaultConfig().GCInterval,
			Retention:        sc.Retention,
			CompressionLevel: sc.CompressionLevel,
		},
		Recommendations: RecommendationConfig{TopN: sc.RecommendationLimit},
		Telemetry:       telemetry.DefaultConfig(),
		QualityWeights:  weights,
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("QUILL_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.quill/checkpoints"
	}
	return ".quill/checkpoints"
}

// Validate checks every section.
//
// Outputs:
//
//	error - Wraps workflow.ErrInvalidConfig with the failing fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", workflow.ErrInvalidConfig, describe(err))
	}
	if c.Decision.ShrunkCap > c.Decision.ConcurrencyCap {
		return fmt.Errorf("%w: decision.shrunk_cap %d exceeds decision.concurrency_cap %d",
			workflow.ErrInvalidConfig, c.Decision.ShrunkCap, c.Decision.ConcurrencyCap)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	var buf bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			buf.WriteString("; ")
		}
		fmt.Fprintf(&buf, "%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			fmt.Fprintf(&buf, " (%s)", fe.Param())
		}
	}
	return buf.String()
}

// Load reads path over the defaults and validates the result. An empty path
// returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parse: %v", workflow.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IterationSettings converts the iteration section.
func (c Config) IterationSettings() iteration.Config {
	return iteration.Config{
		MaxIterations:      c.Iteration.MaxIterations,
		Timeout:            c.Iteration.Timeout,
		QualityThreshold:   c.Iteration.QualityThreshold,
		FailureThreshold:   c.Iteration.FailureThreshold,
		ErrorRateThreshold: c.Iteration.ErrorRateThreshold,
		RetryFailureRatio:  c.Iteration.RetryFailureRatio,
	}
}

// DecisionSettings converts the decision section.
func (c Config) DecisionSettings() decision.Config {
	return decision.Config{
		ConcurrencyCap:         c.Decision.ConcurrencyCap,
		RetryCap:               c.Decision.RetryCap,
		ShrinkAtIteration:      c.Decision.ShrinkAtIteration,
		ShrunkCap:              c.Decision.ShrunkCap,
		DependencyFailureLimit: c.Decision.DependencyFailureLimit,
		DegradeErrorRate:       c.Decision.DegradeErrorRate,
		ExpensiveDuration:      c.Decision.ExpensiveDuration,
		CompletionRatio:        c.Decision.CompletionRatio,
	}
}

// CoordinatorSettings converts the coordinator section and quality weights.
func (c Config) CoordinatorSettings() coordinator.Config {
	weights := make(map[workflow.Category]float64, len(c.QualityWeights))
	for k, w := range c.QualityWeights {
		weights[workflow.Category(k)] = w
	}
	return coordinator.Config{
		MaxConcurrency:     c.Coordinator.MaxConcurrency,
		ActionTimeout:      c.Coordinator.ActionTimeout,
		QualityWeights:     weights,
		RecommendationTopN: c.Recommendations.TopN,
		ActionRate:         c.Coordinator.ActionRate,
		ActionBurst:        c.Coordinator.ActionBurst,
	}
}

// StateSettings converts the storage retention and recommendation settings.
func (c Config) StateSettings() state.Config {
	return state.Config{
		Retention:           c.Storage.Retention,
		CompressionLevel:    c.Storage.CompressionLevel,
		RecommendationLimit: c.Recommendations.TopN,
	}
}

// BadgerSettings converts the storage section.
func (c Config) BadgerSettings() badgerstore.Config {
	bc := badgerstore.DefaultConfig()
	bc.Path = c.Storage.Path
	bc.InMemory = c.Storage.InMemory
	bc.SyncWrites = c.Storage.SyncWrites
	bc.GCInterval = c.Storage.GCInterval
	return bc
}
