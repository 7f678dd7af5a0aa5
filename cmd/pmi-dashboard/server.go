package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/api"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/logging"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/metrics"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/models"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/netwatch"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/refresh"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/sources"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/websocket"
)

func runServer() error {
	// Baseline logger for early startup messages; re-initialized once
	// the configuration is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "pmi-dashboard",
	})
	defer logging.Shutdown()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if mockMode {
		cfg.MockMode = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logging.Init(logging.Config{
		Format:     cfg.Logging.Format,
		Level:      cfg.Logging.Level,
		Component:  "pmi-dashboard",
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})

	log.Info().
		Str("version", Version).
		Bool("mock", cfg.MockMode).
		Msg("Starting PMI dashboard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poll := metrics.Default()

	// The hub's callbacks close over the registry and lifecycle, which
	// are constructed right after; connections only arrive once the
	// servers below are listening.
	var (
		registry  *refresh.Registry
		lifecycle *refresh.Lifecycle
	)
	hub := websocket.NewHub(websocket.Options{
		State:          func() models.StateSnapshot { return registry.State() },
		OnVisibility:   func(hidden bool) { lifecycle.SetHidden(hidden) },
		OnActiveView:   func(view string) { registry.ActivateView(view) },
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        poll,
		OnOccupancy: func(occupied bool) {
			if cfg.Engine.PauseWhenUnwatched {
				lifecycle.SetBackground(!occupied)
			}
		},
	})
	registry = refresh.NewRegistry(refresh.Config{
		FailureThreshold:     cfg.Engine.FailureThreshold,
		MaxBackoffMultiplier: cfg.Engine.MaxBackoffMultiplier,
		StopAfterFailures:    cfg.Engine.StopAfterFailures,
		FetchTimeout:         cfg.Engine.FetchTimeout.Duration(),
		StalenessWindow:      cfg.Engine.StalenessWindow.Duration(),
	}, hub, poll)
	lifecycle = refresh.NewLifecycle(registry)

	set, err := sources.Build(cfg)
	if err != nil {
		return fmt.Errorf("build sources: %w", err)
	}
	sources.RunProbes(ctx, set.Probes)
	for _, task := range set.Tasks {
		if err := registry.Register(task); err != nil {
			return fmt.Errorf("register task %s: %w", task.ID, err)
		}
	}

	watcher := netwatch.Build(cfg, lifecycle.SetOnline)

	cfgWatcher := startConfigWatcher(cfg, registry)
	if cfgWatcher != nil {
		defer cfgWatcher.Stop()
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Addr())
	}

	router := api.NewRouter(cfg, registry, hub, Version)

	// ReadHeaderTimeout instead of ReadTimeout: a full-connection read
	// deadline would survive the WebSocket upgrade and kill idle
	// dashboard connections.
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return registry.Run(ctx)
	})
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		handleReloadSignals(ctx, cfgWatcher)
		return nil
	})

	registry.StartAll()

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("dashboard terminated: %w", err)
	}
	log.Info().Msg("Dashboard stopped")
	return nil
}

// startConfigWatcher re-registers the task set whenever the config
// file changes. Tasks that vanish from the file are stopped; everything
// else is replaced in place, keeping its schedule.
func startConfigWatcher(cfg *config.Config, registry *refresh.Registry) *config.Watcher {
	if cfg.ConfigPath == "" {
		return nil
	}
	cfgWatcher, err := config.NewWatcher(cfg.ConfigPath)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, file changes require a restart")
		return nil
	}
	cfgWatcher.OnReload(func(next *config.Config) {
		applyConfigReload(registry, next)
	})
	if err := cfgWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		return nil
	}
	return cfgWatcher
}

func applyConfigReload(registry *refresh.Registry, next *config.Config) {
	set, err := sources.Build(next)
	if err != nil {
		log.Error().Err(err).Msg("Reloaded configuration is unusable, keeping current tasks")
		return
	}

	known := make(map[string]bool, len(set.Tasks))
	for _, task := range set.Tasks {
		known[task.ID] = true
		if err := registry.Register(task); err != nil {
			log.Error().Err(err).Str("task", task.ID).Msg("Failed to re-register task")
		}
	}
	for _, status := range registry.Statuses() {
		if !known[status.ID] {
			if err := registry.Stop(status.ID); err != nil {
				log.Error().Err(err).Str("task", status.ID).Msg("Failed to stop removed task")
			}
		}
	}
	registry.StartAll()
	log.Info().Int("tasks", len(set.Tasks)).Msg("Configuration reloaded, tasks re-registered")
}

// handleReloadSignals triggers a config reload on SIGHUP.
func handleReloadSignals(ctx context.Context, cfgWatcher *config.Watcher) {
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(reloadCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadCh:
			if cfgWatcher == nil {
				log.Warn().Msg("Received SIGHUP but no config file is watched")
				continue
			}
			log.Info().Msg("Received SIGHUP, reloading configuration")
			cfgWatcher.Reload()
		}
	}
}
