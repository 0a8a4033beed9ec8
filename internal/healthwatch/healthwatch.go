// Package healthwatch monitors the health of installed apps' tool
// servers with exponential backoff.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. healthwatch handles multi-second
// to multi-minute outages: a just-installed app whose server is still
// starting, upstream restarts, and network partitions.
//
// Each Watcher probes a single app in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//     until the first healthy result
//  2. Background: periodic polling with state-transition callbacks
package healthwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/wares"
)

// ProbeFunc checks one app's tool server. A non-nil error means the
// check itself failed (marketplace unreachable); a Health with
// Healthy=false means the check ran and the server is down.
type ProbeFunc func(ctx context.Context) (wares.Health, error)

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval after startup
	// retries are exhausted or after a first healthy result (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the standard schedule: 2s, 4s, 8s, 16s, 32s,
// 60s (capped), with 10 startup retries and 60-second background
// polling.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single app watcher.
type WatcherConfig struct {
	// AppID identifies the app being watched.
	AppID string

	// Probe checks the app's health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Schedule controls probe timing. Zero-value fields get defaults.
	Schedule Schedule

	// OnHealthy is called when the app transitions to healthy.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnHealthy func()

	// OnUnhealthy is called when the app transitions from healthy to
	// unhealthy, with a short reason. Same calling rules as OnHealthy.
	OnUnhealthy func(reason string)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// AppStatus is the health status of a watched app, suitable for JSON
// serialization.
type AppStatus struct {
	AppID     string    `json:"app_id"`
	Healthy   bool      `json:"healthy"`
	Latency   *float64  `json:"latency,omitempty"` // milliseconds, when reported
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single app's health.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	lastHealth wares.Health
	lastReason string
	lastCheck  time.Time
}

// IsHealthy reports whether the app's server answered its most recent
// probe as healthy.
func (w *Watcher) IsHealthy() bool {
	return w.healthy.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() AppStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := AppStatus{
		AppID:     w.config.AppID,
		Healthy:   w.healthy.Load(),
		Latency:   w.lastHealth.Latency,
		LastCheck: w.lastCheck,
	}
	if !s.Healthy {
		s.LastError = w.lastReason
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled or
// Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the main goroutine. Phase 1: startup probe with exponential
// backoff until the first healthy result. Phase 2: periodic background
// polling with state-transition callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.config.Schedule
	logger := w.config.Logger

	delay := sched.InitialDelay
	for attempt := 1; attempt <= sched.MaxRetries; attempt++ {
		ok, reason := w.probe(ctx)

		if ok {
			w.healthy.Store(true)
			logger.Info("app healthy",
				"app", w.config.AppID,
				"after_attempts", attempt,
			)
			if w.config.OnHealthy != nil {
				go w.config.OnHealthy()
			}
			break
		}

		if attempt == sched.MaxRetries {
			logger.Info("startup health not confirmed, entering background polling",
				"app", w.config.AppID,
				"attempts", attempt,
				"reason", reason,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"app", w.config.AppID,
			"attempt", attempt,
			"max_retries", sched.MaxRetries,
			"next_delay", delay.String(),
			"reason", reason,
		)

		if !sleepCtx(ctx, delay) {
			return // context cancelled
		}

		// Grow delay with ceiling.
		delay = time.Duration(float64(delay) * sched.Multiplier)
		if delay > sched.MaxDelay {
			delay = sched.MaxDelay
		}
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, reason := w.probe(ctx)
			wasHealthy := w.healthy.Load()

			switch {
			case wasHealthy && !ok:
				w.healthy.Store(false)
				logger.Info("app became unhealthy",
					"app", w.config.AppID,
					"reason", reason,
				)
				if w.config.OnUnhealthy != nil {
					go w.config.OnUnhealthy(reason)
				}
			case !wasHealthy && ok:
				w.healthy.Store(true)
				logger.Info("app recovered",
					"app", w.config.AppID,
				)
				if w.config.OnHealthy != nil {
					go w.config.OnHealthy()
				}
			case !wasHealthy && !ok:
				logger.Debug("app still unhealthy",
					"app", w.config.AppID,
					"reason", reason,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout and records the
// outcome. Returns whether the app is healthy and, if not, why.
func (w *Watcher) probe(ctx context.Context) (bool, string) {
	timeout := w.config.Schedule.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := w.config.Probe(probeCtx)

	ok := err == nil && h.Healthy
	reason := ""
	if !ok {
		switch {
		case err != nil:
			reason = err.Error()
		case h.Error != "":
			reason = h.Error
		default:
			reason = "unhealthy"
		}
	}

	w.mu.Lock()
	w.lastHealth = h
	w.lastReason = reason
	w.lastCheck = time.Now()
	w.mu.Unlock()

	return ok, reason
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates watchers for the full set of installed apps.
// Apps come and go at runtime (install, uninstall, marketplace delete
// events), so watchers can be added and removed individually.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a health watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher for one app. The watcher runs
// in a background goroutine until ctx is cancelled, Stop is called, or
// the app is unwatched. Watching an app that is already watched
// replaces (and stops) the previous watcher.
//
// Panics if AppID is empty or Probe is nil — these are programming
// errors that should be caught during development, not silently
// ignored at runtime. Zero-value Schedule fields are replaced with
// defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.AppID == "" {
		panic("healthwatch: WatcherConfig.AppID must not be empty")
	}
	if cfg.Probe == nil {
		panic("healthwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultSchedule()
	if cfg.Schedule.InitialDelay <= 0 {
		cfg.Schedule.InitialDelay = defaults.InitialDelay
	}
	if cfg.Schedule.MaxDelay <= 0 {
		cfg.Schedule.MaxDelay = defaults.MaxDelay
	}
	if cfg.Schedule.Multiplier <= 0 {
		cfg.Schedule.Multiplier = defaults.Multiplier
	}
	if cfg.Schedule.MaxRetries <= 0 {
		cfg.Schedule.MaxRetries = defaults.MaxRetries
	}
	if cfg.Schedule.PollInterval <= 0 {
		cfg.Schedule.PollInterval = defaults.PollInterval
	}
	if cfg.Schedule.ProbeTimeout <= 0 {
		cfg.Schedule.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	prev := m.watchers[cfg.AppID]
	m.watchers[cfg.AppID] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	return w
}

// Unwatch stops and removes the watcher for an app. A no-op if the
// app is not watched.
func (m *Manager) Unwatch(appID string) {
	m.mu.Lock()
	w := m.watchers[appID]
	delete(m.watchers, appID)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Status returns the health status of all watched apps.
func (m *Manager) Status() map[string]AppStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]AppStatus, len(m.watchers))
	for appID, w := range m.watchers {
		status[appID] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
