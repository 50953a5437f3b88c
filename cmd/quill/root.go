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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuill/services/quill/config"
	"github.com/AleutianAI/AleutianQuill/services/quill/dag"
	"github.com/AleutianAI/AleutianQuill/services/quill/state"
	badgerstore "github.com/AleutianAI/AleutianQuill/services/quill/storage/badger"
	"github.com/AleutianAI/AleutianQuill/services/quill/telemetry"
)

var (
	colorAccent  = lipgloss.Color("#2CD7C7")
	colorPrimary = lipgloss.Color("#20B9B4")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C7A84")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
	Label:   lipgloss.NewStyle().Foreground(colorPrimary),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorAccent),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
}

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string
	graphPath  string
	dbPath     string
	jsonOutput bool
	noColor    bool
	trace      bool
	verbose    bool

	cfg      config.Config
	shutdown func(context.Context) error
}

// printer writes optionally styled output.
type printer struct {
	w     io.Writer
	color bool
}

func (o *cliOptions) printer(cmd *cobra.Command) printer {
	w := cmd.OutOrStdout()
	color := !o.noColor && !o.jsonOutput
	if f, ok := w.(*os.File); ok {
		color = color && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	} else {
		color = false
	}
	return printer{w: w, color: color}
}

func (p printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p printer) title(text string) {
	fmt.Fprintln(p.w, p.render(styles.Title, text))
}

func (p printer) field(label string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", p.render(styles.Label, label+":"), value)
}

func (p printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "quill",
		Short: "Inspect Quill task graphs and analysis checkpoints",
		Long: `quill inspects the manuscript-analysis orchestration core.

Subcommands:
  graph       - Validate and inspect task-graph definitions
  checkpoint  - List, show and prune stored analysis checkpoints

Examples:
  quill graph validate --graph pipeline.yaml
  quill graph critical-path
  quill checkpoint list --db ~/.quill/checkpoints
  quill checkpoint prune --older-than 72h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.shutdown == nil {
				return nil
			}
			return opts.shutdown(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv("QUILL_CONFIG"), "Path to quill.yaml (defaults built in)")
	pf.StringVar(&opts.graphPath, "graph", "", "Task-graph definition (defaults to the manuscript graph)")
	pf.StringVar(&opts.dbPath, "db", "", "Checkpoint database directory (overrides storage.path)")
	pf.BoolVar(&opts.jsonOutput, "json", false, "Print machine-readable JSON")
	pf.BoolVar(&opts.noColor, "no-color", false, "Disable styled output")
	pf.BoolVar(&opts.trace, "trace", false, "Print OpenTelemetry spans to stderr")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newGraphCmd(opts))
	root.AddCommand(newCheckpointCmd(opts))
	return root
}

// setup loads configuration, applies flag overrides and starts telemetry.
func (o *cliOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.graphPath != "" {
		cfg.GraphFile = o.graphPath
	}
	if o.dbPath != "" {
		cfg.Storage.Path = o.dbPath
		cfg.Storage.InMemory = false
	}
	o.cfg = cfg

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	if o.trace {
		tcfg := cfg.Telemetry
		tcfg.TraceExporter = "stdout"
		tcfg.Writer = cmd.ErrOrStderr()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		shutdown, err := telemetry.Init(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("start tracing: %w", err)
		}
		o.shutdown = shutdown
	}
	return nil
}

func (o *cliOptions) graph() (*dag.TaskGraph, error) {
	return config.LoadGraph(o.cfg.GraphFile)
}

// openStore opens the checkpoint database. The returned closer must be called.
func (o *cliOptions) openStore() (*state.Store, func() error, error) {
	g, err := o.graph()
	if err != nil {
		return nil, nil, err
	}
	bcfg := o.cfg.BadgerSettings()
	bcfg.Logger = slog.Default()
	db, err := badgerstore.Open(bcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	store, err := state.NewStore(g, db,
		state.WithConfig(o.cfg.StateSettings()),
		state.WithLogger(slog.Default()),
	)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}
