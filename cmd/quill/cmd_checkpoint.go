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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuill/services/quill/state"
)

func newCheckpointCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "List, show and prune stored analysis checkpoints",
		Long: `Commands for the checkpoint database.

The database location comes from storage.path in the config file, or --db.

Subcommands:
  list   - List sessions, or the checkpoints of one session
  show   - Print a stored workflow state
  prune  - Delete checkpoints older than the retention window`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [SESSION]",
		Short: "List sessions, or the checkpoints of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			ctx := cmd.Context()

			if len(args) == 0 {
				sessions, err := store.Sessions(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, sessions)
				}
				p := opts.printer(cmd)
				p.title(fmt.Sprintf("Sessions (%d)", len(sessions)))
				for _, s := range sessions {
					p.line("  %s", s)
				}
				return nil
			}

			infos, err := store.List(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, infos)
			}
			p := opts.printer(cmd)
			p.title("Checkpoints: " + args[0])
			for _, info := range infos {
				p.line("  %s  iteration %-3d %s  %s", info.Label, info.Iteration,
					p.render(styles.Muted, info.SavedAt.UTC().Format(time.RFC3339)),
					copies(p, info))
			}
			return nil
		},
	})

	var label string
	show := &cobra.Command{
		Use:   "show SESSION",
		Short: "Print a stored workflow state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			if label != "" {
				st, err := store.LoadLabel(cmd.Context(), args[0], label)
				if err != nil {
					return err
				}
				return writeJSON(cmd, st)
			}
			st, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, st)
		},
	}
	show.Flags().StringVar(&label, "label", "", "Checkpoint label (e.g. iter-000002); newest when empty")
	cmd.AddCommand(show)

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete checkpoints older than the retention window",
		Long: `Delete checkpoints older than --older-than (default: storage.retention).
The newest checkpoint of every session is always kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := store.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, map[string]int{"pruned": n})
			}
			p := opts.printer(cmd)
			p.line("%s pruned %d checkpoint(s)", p.render(styles.Success, "✓"), n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "Pruning window (0 uses storage.retention)")
	cmd.AddCommand(prune)

	return cmd
}

func copies(p printer, info state.CheckpointInfo) string {
	switch {
	case info.HasPrimary && info.HasBackup:
		return p.render(styles.Success, "primary+backup")
	case info.HasPrimary:
		return p.render(styles.Warning, "primary only")
	case info.HasBackup:
		return p.render(styles.Warning, "backup only")
	default:
		return p.render(styles.Error, "unreadable")
	}
}
