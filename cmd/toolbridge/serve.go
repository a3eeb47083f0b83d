package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/toolbridge/internal/api"
	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/connwatch"
)

// runServe starts the tool servers and serves the HTTP API until ctx is
// cancelled. If a tool server dies the session closes and the API
// answers 503 until restarted.
//
// Shutdown order: the HTTP server drains in-flight requests, then the
// tool servers are stopped and the ledger is closed. The model backend
// is watched in the background; while it is unreachable the health
// endpoint reports degraded.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	b, err := openBridge(ctx, stdout, opts, slog.LevelInfo, "api")
	if err != nil {
		return err
	}
	defer b.Close()

	b.logger.Info("starting toolbridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	server := api.NewServer(api.Config{
		Address:      b.cfg.Listen.Address,
		Port:         b.cfg.Listen.Port,
		KeepThinking: b.cfg.Agent.KeepThinking,
	}, b.session, b.logger)
	watch := connwatch.NewManager(b.logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.Config{
		Name: "model",
		Probe: func(ctx context.Context) error {
			return b.llm.PingModel(ctx, b.session.Model())
		},
	})
	server.SetDependencies(watch.Status)

	server.SetModelLister(b.llm)
	if b.usage != nil {
		server.SetUsageStore(b.usage)
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	b.logger.Info("toolbridge stopped")
	return nil
}
