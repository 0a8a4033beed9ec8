package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/wares"
	"github.com/nugget/wares/internal/announce"
	"github.com/nugget/wares/internal/buildinfo"
	"github.com/nugget/wares/internal/config"
	"github.com/nugget/wares/internal/healthwatch"
	"github.com/nugget/wares/internal/metrics"
	"github.com/nugget/wares/internal/registry"
	"github.com/nugget/wares/internal/stream"
)

// daemon wires the serve components together: health watchers feed the
// announcer and the metrics collectors, marketplace events adjust the
// watcher set, and config reloads adjust verbosity and probe cadence.
type daemon struct {
	logger  *slog.Logger
	level   *slog.LevelVar
	client  *wares.Client
	reg     *registry.Store
	watch   *healthwatch.Manager
	metrics *metrics.Metrics
	ann     *announce.Announcer // nil when MQTT is not configured

	mu       sync.Mutex
	interval time.Duration
}

// runServe handles the "wares serve" subcommand. It is the long-running
// operating mode: loads config, opens the install registry, starts a
// health watcher per installed app, connects the optional MQTT
// announcer and marketplace event stream, and serves /metrics and
// /healthz until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The announcer publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Watchers and the registry close via defers
func runServe(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	level := new(slog.LevelVar)
	logger := newLogger(stdout, level)
	logger.Info("starting wares daemon",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		lv, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		level.Set(lv)
	}
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath, "marketplace", cfg.Marketplace.URL)
	} else {
		logger.Info("no config file found, using defaults", "marketplace", cfg.Marketplace.URL)
	}

	// Wrap the context before any component starts so SIGINT/SIGTERM
	// cancellation flows through the same ctx everywhere.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir, dbPath, err := dataPaths(cfg)
	if err != nil {
		return err
	}

	client, err := cfg.Marketplace.Client(logger)
	if err != nil {
		return err
	}

	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	d := &daemon{
		logger:   logger,
		level:    level,
		client:   client,
		reg:      reg,
		watch:    healthwatch.NewManager(logger),
		metrics:  metrics.New(),
		interval: cfg.Daemon.ProbeInterval(),
	}
	defer d.watch.Stop()

	// --- MQTT announcer ---
	// Optional: publishes HA MQTT discovery configs and health states so
	// installed apps appear as entities on a native HA device.
	if cfg.MQTT.Configured() {
		instanceID, err := announce.LoadOrCreateInstanceID(dataDir)
		if err != nil {
			return fmt.Errorf("load announce instance id: %w", err)
		}
		logger.Info("announce instance ID loaded", "instance_id", instanceID)

		d.ann = announce.New(cfg.MQTT, instanceID, logger)
		if err := d.ann.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt announcer: %w", err)
		}
	} else {
		logger.Info("mqtt announcements disabled (not configured)")
	}

	// --- Health watchers ---
	// One watcher per installed app. Probes go through the marketplace
	// health endpoint; transitions feed the announcer.
	installs, err := reg.List(ctx)
	if err != nil {
		return err
	}
	for _, ins := range installs {
		d.watchApp(ctx, ins)
	}
	d.setInstalled(ctx, len(installs))
	logger.Info("health watchers started",
		"apps", len(installs),
		"interval", d.interval.String(),
	)

	// --- Marketplace event stream ---
	// Pushes publish/update/delete events so the daemon reacts without
	// polling the listing.
	if cfg.Daemon.Stream {
		scfg := wares.FromSource(cfg.Marketplace)
		if cfg.Marketplace.UserID != "" {
			id := cfg.Marketplace.UserID
			scfg.UserID = func() string { return id }
		}
		scfg.Logger = logger

		events := stream.New(scfg, logger)
		go func() {
			if err := events.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("event stream stopped", "error", err)
			}
		}()
		go d.consumeEvents(ctx, events.Events())
		logger.Info("event stream enabled", "marketplace", cfg.Marketplace.URL)
	}

	// --- Config hot reload ---
	// Log level and probe interval apply without a restart. Credentials
	// and endpoints still require one.
	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			d.applyConfig(ctx, next)
		}, logger)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	// --- Metrics and status HTTP ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", d.handleHealthz)
	srv := &http.Server{
		Addr:              cfg.Daemon.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if d.ann != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := d.ann.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "address", cfg.Daemon.MetricsAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
	}

	logger.Info("wares daemon stopped")
	return nil
}

// watchApp registers (or replaces) the health watcher for one installed
// app. The probe asks the marketplace for the app's health and records
// the outcome in the metrics collectors.
func (d *daemon) watchApp(ctx context.Context, ins registry.Install) {
	appID := ins.AppID

	if d.ann != nil {
		d.ann.Track(ctx, appID, ins.Name)
	}

	probe := func(pCtx context.Context) (wares.Health, error) {
		start := time.Now()
		h, err := d.client.GetAppHealth(pCtx, appID)
		d.metrics.RecordProbe(appID, err == nil && h.Healthy, time.Since(start))
		if err != nil {
			d.metrics.RecordMarketplaceError("health")
		}
		return h, err
	}

	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()

	d.watch.Watch(ctx, healthwatch.WatcherConfig{
		AppID:    appID,
		Probe:    probe,
		Schedule: healthwatch.Schedule{PollInterval: interval},
		OnHealthy: func() {
			if d.ann != nil {
				d.ann.SetHealthy(ctx, appID, true)
			}
		},
		OnUnhealthy: func(reason string) {
			if d.ann != nil {
				d.ann.SetHealthy(ctx, appID, false)
			}
		},
		Logger: d.logger,
	})
}

// setInstalled pushes the installed-app count to every consumer.
func (d *daemon) setInstalled(ctx context.Context, n int) {
	d.metrics.SetInstalledApps(n)
	if d.ann != nil {
		d.ann.SetInstalledCount(ctx, n)
	}
}

// consumeEvents drains the marketplace event feed until ctx ends.
func (d *daemon) consumeEvents(ctx context.Context, events <-chan stream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// handleEvent reacts to one marketplace event. Only events about
// installed apps matter to the daemon.
func (d *daemon) handleEvent(ctx context.Context, ev stream.Event) {
	switch ev.Type {
	case stream.EventAppUpdated:
		ins, err := d.reg.Get(ctx, ev.AppID)
		if err != nil {
			return // not installed
		}
		d.logger.Info("update available for installed app",
			"app", ev.AppID,
			"installed", ins.Version,
			"available", ev.Version,
		)
		// Re-registering replaces the watcher; the fresh startup phase
		// probes immediately instead of waiting out the poll interval.
		d.watchApp(ctx, *ins)

	case stream.EventAppDeleted:
		if _, err := d.reg.Get(ctx, ev.AppID); err != nil {
			return
		}
		d.logger.Warn("installed app was removed from the marketplace", "app", ev.AppID)
		// The marketplace can no longer probe it; stop watching and
		// drop its series and HA entity. The local install record stays.
		d.watch.Unwatch(ev.AppID)
		d.metrics.ForgetApp(ev.AppID)
		if d.ann != nil {
			d.ann.Forget(ctx, ev.AppID)
		}

	case stream.EventAppPublished:
		d.logger.Debug("app published", "app", ev.AppID, "version", ev.Version)

	default:
		d.logger.Debug("unhandled marketplace event", "type", ev.Type, "app", ev.AppID)
	}
}

// applyConfig applies a reloaded config file: log level changes take
// effect through the shared LevelVar, and a probe interval change
// restarts every watcher on the new cadence.
func (d *daemon) applyConfig(ctx context.Context, next *config.Config) {
	if next.LogLevel != "" {
		if lv, err := config.ParseLogLevel(next.LogLevel); err == nil {
			d.level.Set(lv)
		} else {
			d.logger.Warn("ignoring invalid log level in reloaded config", "level", next.LogLevel)
		}
	}

	interval := next.Daemon.ProbeInterval()
	d.mu.Lock()
	changed := interval != d.interval
	d.interval = interval
	d.mu.Unlock()
	if !changed {
		return
	}

	d.logger.Info("probe interval changed, restarting watchers", "interval", interval.String())
	installs, err := d.reg.List(ctx)
	if err != nil {
		d.logger.Error("list installs for watcher restart failed", "error", err)
		return
	}
	for _, ins := range installs {
		d.watchApp(ctx, ins)
	}
}

// handleHealthz reports daemon liveness and per-app probe status.
func (d *daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().String(),
		"apps":   d.watch.Status(),
	})
}
