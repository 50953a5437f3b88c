// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuill/services/quill/config"
)

func newGraphCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Validate and inspect task graphs",
		Long: `Commands for checking a task-graph definition.

Without --graph the built-in manuscript graph is used.

Subcommands:
  validate       - Check references and acyclicity
  order          - Print a dependency-respecting execution order
  critical-path  - Print the longest chain by estimated duration
  batches        - Print the concurrent groups of the eligible tasks
  export         - Print the graph as a YAML definition`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check a task graph for dangling dependencies and cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.graph()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, map[string]any{
					"name":     g.Name(),
					"valid":    true,
					"tasks":    g.Len(),
					"required": g.RequiredTasks(),
				})
			}
			p := opts.printer(cmd)
			p.line("%s graph %s is valid", p.render(styles.Success, "✓"), p.render(styles.Title, g.Name()))
			p.field("tasks", g.Len())
			p.field("required", strings.Join(g.RequiredTasks(), ", "))
			p.field("estimated total", g.TotalEstimatedDuration())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "order",
		Short: "Print the topological order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.graph()
			if err != nil {
				return err
			}
			order, err := g.TopologicalOrder()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, order)
			}
			p := opts.printer(cmd)
			p.title("Execution order: " + g.Name())
			for i, id := range order {
				t, _ := g.Task(id)
				mode := "parallel"
				if !t.ParallelSafe {
					mode = "sequential"
				}
				deps := "-"
				if len(t.Dependencies) > 0 {
					deps = strings.Join(t.Dependencies, ", ")
				}
				p.line("%3d. %-18s %s %s", i+1, id,
					p.render(styles.Label, fmt.Sprintf("[%s, %s]", t.Priority, mode)),
					p.render(styles.Muted, "after "+deps))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "critical-path",
		Short: "Print the longest dependency chain by estimated duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.graph()
			if err != nil {
				return err
			}
			cp, err := g.CriticalPath()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, cp)
			}
			p := opts.printer(cmd)
			p.title("Critical path: " + g.Name())
			p.line("  %s", strings.Join(cp.Tasks, " → "))
			p.field("duration", cp.Duration)
			return nil
		},
	})

	var completed []string
	batches := &cobra.Command{
		Use:   "batches",
		Short: "Group the eligible tasks into batches that may run concurrently",
		Long: `Print the tasks that are eligible once the --completed tasks are done,
partitioned into groups that may run at the same time. Tasks that are not
parallel-safe appear as single-task groups after the concurrent ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.graph()
			if err != nil {
				return err
			}
			done := make(map[string]bool, len(completed))
			for _, id := range completed {
				if _, ok := g.Task(id); !ok {
					return fmt.Errorf("unknown task %q in --completed", id)
				}
				done[id] = true
			}
			eligible := g.Eligible(done)
			groups := g.ParallelBatches(eligible)
			if opts.jsonOutput {
				return writeJSON(cmd, map[string]any{
					"eligible": eligible,
					"batches":  groups,
				})
			}
			p := opts.printer(cmd)
			p.title("Batches: " + g.Name())
			if len(groups) == 0 {
				p.line("  %s", p.render(styles.Muted, "nothing eligible"))
				return nil
			}
			for i, group := range groups {
				mode := "parallel"
				if len(group) == 1 {
					if t, ok := g.Task(group[0]); ok && !t.ParallelSafe {
						mode = "sequential"
					}
				}
				p.line("%3d. %s %s", i+1, strings.Join(group, ", "), p.render(styles.Label, "["+mode+"]"))
			}
			return nil
		},
	}
	batches.Flags().StringSliceVar(&completed, "completed", nil, "Task IDs to treat as completed")
	cmd.AddCommand(batches)

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the graph as a YAML definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, err := opts.graph()
			if err != nil {
				return err
			}
			return config.EncodeGraph(cmd.OutOrStdout(), g)
		},
	})

	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
