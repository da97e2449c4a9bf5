package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/engine"
	mcpserver "github.com/felixgeelhaar/polyglot/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools",
		Long: `Serve the engine as MCP tools.

The store is opened directly, so the daemon does not need to be running.
Stdio is the default transport; use --http to listen on an address instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.EnsureDataDir(cfg.DataDir); err != nil {
				return fmt.Errorf("ensure data dir: %w", err)
			}
			engineCfg, err := config.LoadEngineConfig(cfg.EngineConfigPath)
			if err != nil {
				return fmt.Errorf("load engine config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := engine.OpenStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			server := mcpserver.NewServer(mcpserver.Config{
				Engine: engine.New(store, engineCfg),
			})

			if httpAddr != "" {
				return serveIgnoringCancel(ctx, func(ctx context.Context) error { return server.ServeHTTP(ctx, httpAddr) })
			}
			return serveIgnoringCancel(ctx, server.ServeStdio)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "Listen address for the HTTP transport, e.g. 127.0.0.1:7433")
	return cmd
}

// serveIgnoringCancel treats shutdown by signal as a clean exit
func serveIgnoringCancel(ctx context.Context, serve func(context.Context) error) error {
	err := serve(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
