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
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/convbridge/services/bridge/app"
	"github.com/AleutianAI/convbridge/services/bridge/config"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"

	redacted = "********"
)

// serveOptions holds the serve command flags.
type serveOptions struct {
	configPath string
	transport  string
	addr       string
	backend    string
	watch      bool
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "convbridge",
		Short: "Bridge MCP tool calls to a polling conversational backend",
		Long: `convbridge exposes a Direct Line style bot as MCP tools. It caches and
renews backend tokens, tracks conversations across idle periods, turns the
watermark activity feed into a bounded request/response call, and guards every
backend call with circuit breakers and retries.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to convbridge.yaml (default ~/.convbridge/convbridge.yaml)")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newConfigCmd(&configPath))
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// --- Serve ---

func newServeCmd(configPath *string) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio or HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = *configPath
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.transport, "transport", transportStdio,
		"MCP transport: stdio (for desktop MCP clients) or http")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Override server.addr for the http transport")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Override backend.type (directline or memory)")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload log.level when the config file changes")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, in io.Reader, out io.Writer) error {
	if opts.transport != transportStdio && opts.transport != transportHTTP {
		return fmt.Errorf("unknown transport %q (want %s or %s)", opts.transport, transportStdio, transportHTTP)
	}

	if opts.configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		opts.configPath = p
	}

	override := func(c *config.Config) {
		if opts.backend != "" {
			c.Backend.Type = opts.backend
		}
		if opts.addr != "" {
			c.Server.Addr = opts.addr
		}
	}
	cfg, err := config.Load(opts.configPath, override)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	if opts.watch {
		w, err := config.NewWatcher(opts.configPath, a.Reload, a.Logger.Slog(), override)
		if err != nil {
			a.Logger.Warn("config reload disabled", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
			go w.Start(ctx)
		}
	}

	if opts.transport == transportHTTP {
		return a.ListenAndServe(ctx)
	}
	if isTerminal(in) {
		a.Logger.Warn("stdin is a terminal; the stdio transport expects an MCP client to send JSON-RPC on stdin")
	}
	return a.ServeStdio(ctx, in, out)
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// --- Config ---

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return writeRedacted(cmd.OutOrStdout(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the default configuration path",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := *configPath
			if p == "" {
				var err error
				if p, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	})
	return cmd
}

func writeRedacted(w io.Writer, cfg config.Config) error {
	if cfg.Backend.Secret != "" {
		cfg.Backend.Secret = redacted
	}
	if cfg.Server.AuthToken != "" {
		cfg.Server.AuthToken = redacted
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	return enc.Close()
}

// --- Version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the convbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "convbridge %s\n", version)
		},
	}
}
