// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// GraphFile is the on-disk task-graph definition.
type GraphFile struct {
	Name  string    `yaml:"name" validate:"required"`
	Tasks []TaskDef `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskDef is one task in a GraphFile. Priority is spelled out
// ("low", "medium", "high", "critical") rather than numeric.
type TaskDef struct {
	ID                string        `yaml:"id" validate:"required"`
	Type              string        `yaml:"type,omitempty"`
	Dependencies      []string      `yaml:"dependencies,omitempty"`
	ParallelSafe      *bool         `yaml:"parallel_safe,omitempty"`
	Required          bool          `yaml:"required,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
	Priority          string        `yaml:"priority,omitempty" validate:"omitempty,oneof=low medium high critical LOW MEDIUM HIGH CRITICAL"`
	EstimatedDuration time.Duration `yaml:"estimated_duration,omitempty" validate:"gte=0"`
}

// Task converts the definition. ParallelSafe defaults to true.
func (d TaskDef) Task() (workflow.Task, error) {
	prio, err := workflow.ParsePriority(d.Priority)
	if err != nil {
		return workflow.Task{}, fmt.Errorf("task %q: %w", d.ID, err)
	}
	parallel := true
	if d.ParallelSafe != nil {
		parallel = *d.ParallelSafe
	}
	return workflow.Task{
		ID:                d.ID,
		Type:              workflow.TaskType(d.Type),
		Dependencies:      append([]string(nil), d.Dependencies...),
		ParallelSafe:      parallel,
		Required:          d.Required,
		Timeout:           d.Timeout,
		Priority:          prio,
		EstimatedDuration: d.EstimatedDuration,
	}, nil
}

// LoadGraph reads and validates a graph definition file.
// An empty path returns the built-in manuscript graph.
func LoadGraph(path string) (*dag.TaskGraph, error) {
	if path == "" {
		return dag.DefaultManuscriptGraph()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graph %s: %w", path, err)
	}
	defer f.Close()
	return DecodeGraph(f)
}

// DecodeGraph parses a YAML graph definition and returns the validated graph.
//
// Outputs:
//
//	*dag.TaskGraph - Validated and immutable.
//	error - ErrInvalidConfig for malformed YAML or failed field checks;
//	        the dag errors (duplicate, dangling, cycle) otherwise.
func DecodeGraph(r io.Reader) (*dag.TaskGraph, error) {
	var gf GraphFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&gf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: graph definition is empty", workflow.ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: parse graph: %v", workflow.ErrInvalidConfig, err)
	}
	if err := validate.Struct(gf); err != nil {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInvalidConfig, describe(err))
	}

	tasks := make([]workflow.Task, 0, len(gf.Tasks))
	for _, def := range gf.Tasks {
		t, err := def.Task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return dag.Build(gf.Name, tasks...)
}

// EncodeGraph writes g as a GraphFile in topological order.
func EncodeGraph(w io.Writer, g *dag.TaskGraph) error {
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	gf := GraphFile{Name: g.Name(), Tasks: make([]TaskDef, 0, len(order))}
	for _, id := range order {
		t, _ := g.Task(id)
		parallel := t.ParallelSafe
		gf.Tasks = append(gf.Tasks, TaskDef{
			ID:                t.ID,
			Type:              string(t.Type),
			Dependencies:      t.Dependencies,
			ParallelSafe:      &parallel,
			Required:          t.Required,
			Timeout:           t.Timeout,
			Priority:          t.Priority.String(),
			EstimatedDuration: t.EstimatedDuration,
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(gf); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return enc.Close()
}
