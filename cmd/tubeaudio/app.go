package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/tubeaudio/internal/api"
	"github.com/mattjoyce/tubeaudio/internal/config"
	"github.com/mattjoyce/tubeaudio/internal/events"
	"github.com/mattjoyce/tubeaudio/internal/fetch"
	"github.com/mattjoyce/tubeaudio/internal/janitor"
	"github.com/mattjoyce/tubeaudio/internal/jobs"
	"github.com/mattjoyce/tubeaudio/internal/lock"
	"github.com/mattjoyce/tubeaudio/internal/log"
	"github.com/mattjoyce/tubeaudio/internal/offload"
	"github.com/mattjoyce/tubeaudio/internal/storage"
	"github.com/mattjoyce/tubeaudio/internal/workspace"
)

// app holds the components shared by start, fetch, sweep and purge.
type app struct {
	cfg          *config.Config
	ws           workspace.Manager
	hub          *events.Hub
	pool         *offload.Pool
	orchestrator *jobs.Orchestrator
	janitor      *janitor.Janitor
	logger       *slog.Logger
}

// newApp wires the lifecycle components. A nil fetcher means yt-dlp.
func newApp(cfg *config.Config, fetcher jobs.Fetcher, logger *slog.Logger) (*app, error) {
	ws, err := workspace.NewFSManager(cfg.Workspace.NamespaceRoot)
	if err != nil {
		return nil, err
	}
	if err := ws.EnsureRoot(); err != nil {
		return nil, err
	}

	if fetcher == nil {
		fetcher = fetch.NewYTDLP(fetch.Options{
			Binary:          cfg.Fetch.Binary,
			AudioFormat:     cfg.Fetch.AudioFormat,
			AudioQuality:    cfg.Fetch.AudioQuality,
			SocketTimeout:   cfg.Fetch.SocketTimeout,
			Retries:         cfg.Fetch.Retries,
			FragmentRetries: cfg.Fetch.FragmentRetries,
			Timeout:         cfg.Fetch.Timeout,
			PlayerClients:   cfg.Fetch.PlayerClients,
		}, log.WithComponent("fetch"))
	}

	hub := events.NewHub(256)
	pool := offload.New(cfg.Workers.Size, log.WithComponent("offload"))
	orch := jobs.NewOrchestrator(ws, fetcher, pool, hub, jobs.Options{
		OutputExt:         cfg.Workspace.OutputExt,
		HeartbeatInterval: cfg.Workspace.HeartbeatInterval,
	}, log.WithComponent("jobs"))
	jan := janitor.New(ws, cfg.Workspace.TTL(), cfg.Workspace.SweepInterval(), hub, log.WithComponent("janitor"))

	return &app{
		cfg:          cfg,
		ws:           ws,
		hub:          hub,
		pool:         pool,
		orchestrator: orch,
		janitor:      jan,
		logger:       logger,
	}, nil
}

// serve runs the service until ctx ends, then shuts down in order:
// HTTP server, janitor, offload pool, purge.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	lockPath := lock.PathForRoot(cfg.Workspace.NamespaceRoot)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		return fmt.Errorf("acquire instance lock (another instance may be running): %w", err)
	}
	defer func() {
		if err := pidLock.Release(); err != nil {
			logger.Warn("failed to release instance lock", "path", lockPath, "error", err)
		}
	}()
	logger.Info("acquired instance lock", "path", lockPath)

	if info, err := storage.InspectRoot(cfg.Workspace.NamespaceRoot); err != nil {
		logger.Warn("could not detect namespace root filesystem", "root", cfg.Workspace.NamespaceRoot, "error", err)
	} else if info.Network {
		logger.Warn("namespace root is on a network filesystem; expiry relies on directory mtimes",
			"root", info.Path, "fs_type", info.FSType)
	}

	a, err := newApp(cfg, nil, logger)
	if err != nil {
		return err
	}

	if err := a.janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	srv := api.New(api.Config{
		Listen:            cfg.API.Listen,
		APIKey:            cfg.API.Auth.APIKey,
		Version:           currentVersionInfo().Version,
		NamespaceRoot:     a.ws.Root(),
		RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
		Burst:             cfg.API.RateLimit.Burst,
		WriteTimeout:      cfg.Fetch.Timeout + time.Minute,
		ShutdownTimeout:   cfg.Service.ShutdownTimeout,
	}, a.orchestrator, a.janitor, a.pool, a.hub, log.WithComponent("api"))

	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Start(srvCtx) }()

	logger.Info("tubeaudio running (press Ctrl+C to stop)",
		"listen", cfg.API.Listen,
		"namespace_root", a.ws.Root(),
		"workers", cfg.Workers.Size,
		"ttl", cfg.Workspace.TTL(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		cancelSrv()
		if err := <-serverDone; err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("api: %w", err)
		}
	case err := <-serverDone:
		runErr = fmt.Errorf("api: %w", err)
	}

	return errors.Join(runErr, a.shutdown(cfg.Service.ShutdownTimeout))
}

// shutdown stops the janitor, drains the pool within timeout and purges the
// namespace root.
func (a *app) shutdown(timeout time.Duration) error {
	a.janitor.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.pool.Close(drainCtx); err != nil {
		a.logger.Warn("offload pool did not drain before purge", "in_flight", a.pool.InFlight(), "error", err)
	}

	result, err := a.janitor.Purge(context.Background())
	if err != nil {
		return fmt.Errorf("shutdown purge: %w", err)
	}
	a.logger.Info("shutdown purge complete", "removed", result.Removed)
	return nil
}
