package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wares"
	"github.com/nugget/wares/internal/config"
	"github.com/nugget/wares/internal/healthwatch"
	"github.com/nugget/wares/internal/metrics"
	"github.com/nugget/wares/internal/registry"
	"github.com/nugget/wares/internal/stream"
)

// newTestDaemon builds a daemon whose marketplace is the given handler.
// MQTT stays nil, matching an unconfigured broker.
func newTestDaemon(t *testing.T, handler http.HandlerFunc) (*daemon, *registry.Store) {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client, err := wares.New(wares.Config{BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	reg, err := registry.Open(filepath.Join(t.TempDir(), "wares.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := &daemon{
		logger:   logger,
		level:    new(slog.LevelVar),
		client:   client,
		reg:      reg,
		watch:    healthwatch.NewManager(logger),
		metrics:  metrics.New(),
		interval: 25 * time.Millisecond,
	}
	t.Cleanup(d.watch.Stop)
	return d, reg
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func scrapeDaemonMetrics(t *testing.T, d *daemon) string {
	t.Helper()
	rec := httptest.NewRecorder()
	d.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func addInstall(t *testing.T, reg *registry.Store, appID, name string) registry.Install {
	t.Helper()
	ins, err := reg.Add(context.Background(), registry.Install{
		AppID:   appID,
		Name:    name,
		Version: "1.2.0",
	})
	if err != nil {
		t.Fatalf("add install: %v", err)
	}
	return ins
}

func TestDaemonWatchAppReportsHealthy(t *testing.T) {
	d, reg := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true,"latency":8}`)
	})
	ins := addInstall(t, reg, "weather-tools", "Weather Tools")

	d.watchApp(context.Background(), ins)

	waitFor(t, 3*time.Second, func() bool {
		st, ok := d.watch.Status()["weather-tools"]
		return ok && st.Healthy
	})

	scrape := scrapeDaemonMetrics(t, d)
	if !strings.Contains(scrape, `wares_probe_total{app="weather-tools",result="healthy"}`) {
		t.Errorf("scrape missing healthy probe counter:\n%s", scrape)
	}
	if !strings.Contains(scrape, `wares_probe_duration_seconds_count{app="weather-tools"}`) {
		t.Errorf("scrape missing probe duration histogram:\n%s", scrape)
	}
}

func TestDaemonWatchAppRecordsFailure(t *testing.T) {
	d, reg := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"server down"}`)
	})
	ins := addInstall(t, reg, "weather-tools", "Weather Tools")

	d.watchApp(context.Background(), ins)

	// Wait for the first probe to complete.
	waitFor(t, 3*time.Second, func() bool {
		st, ok := d.watch.Status()["weather-tools"]
		return ok && !st.LastCheck.IsZero()
	})

	st := d.watch.Status()["weather-tools"]
	if st.Healthy {
		t.Error("app should not be healthy")
	}
	if !strings.Contains(st.LastError, "server down") {
		t.Errorf("LastError = %q, want the server message", st.LastError)
	}

	scrape := scrapeDaemonMetrics(t, d)
	if !strings.Contains(scrape, `wares_probe_total{app="weather-tools",result="unhealthy"}`) {
		t.Errorf("scrape missing unhealthy probe counter:\n%s", scrape)
	}
	if !strings.Contains(scrape, `wares_marketplace_errors_total{op="health"}`) {
		t.Errorf("scrape missing marketplace error counter:\n%s", scrape)
	}
}

func TestDaemonHandleAppDeleted(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})
	ins := addInstall(t, reg, "weather-tools", "Weather Tools")

	d.watchApp(ctx, ins)
	waitFor(t, 3*time.Second, func() bool {
		st, ok := d.watch.Status()["weather-tools"]
		return ok && st.Healthy
	})

	d.handleEvent(ctx, stream.Event{Type: stream.EventAppDeleted, AppID: "weather-tools"})

	if _, ok := d.watch.Status()["weather-tools"]; ok {
		t.Error("watcher should be removed after a delete event")
	}
	// Per-app metric series are dropped so scrapes stop reporting it.
	if scrape := scrapeDaemonMetrics(t, d); strings.Contains(scrape, `app="weather-tools"`) {
		t.Errorf("scrape still carries deleted app series:\n%s", scrape)
	}
	// The local install record stays; the user removes it explicitly.
	if _, err := reg.Get(ctx, "weather-tools"); err != nil {
		t.Errorf("install record should survive a marketplace delete: %v", err)
	}
}

func TestDaemonHandleAppDeletedNotInstalled(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})

	d.handleEvent(ctx, stream.Event{Type: stream.EventAppDeleted, AppID: "ghost"})

	if len(d.watch.Status()) != 0 {
		t.Error("delete event for an unknown app should be a no-op")
	}
}

func TestDaemonHandleAppUpdatedReprobes(t *testing.T) {
	ctx := context.Background()
	d, reg := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})
	ins := addInstall(t, reg, "weather-tools", "Weather Tools")

	d.watchApp(ctx, ins)
	waitFor(t, 3*time.Second, func() bool {
		st, ok := d.watch.Status()["weather-tools"]
		return ok && st.Healthy
	})

	d.handleEvent(ctx, stream.Event{
		Type:    stream.EventAppUpdated,
		AppID:   "weather-tools",
		Version: "2.0.0",
	})

	// The watcher is replaced, not dropped.
	waitFor(t, 3*time.Second, func() bool {
		st, ok := d.watch.Status()["weather-tools"]
		return ok && st.Healthy
	})

	// The event only notifies; the recorded install is unchanged until
	// the user reinstalls.
	got, err := reg.Get(ctx, "weather-tools")
	if err != nil {
		t.Fatalf("get install: %v", err)
	}
	if got.Version != "1.2.0" {
		t.Errorf("Version = %q, want the installed version", got.Version)
	}
}

func TestDaemonHandleAppUpdatedNotInstalled(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})

	d.handleEvent(ctx, stream.Event{Type: stream.EventAppUpdated, AppID: "ghost", Version: "2.0.0"})

	if len(d.watch.Status()) != 0 {
		t.Error("update event for an unknown app should not start a watcher")
	}
}

func TestDaemonApplyConfig(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})

	d.applyConfig(ctx, &config.Config{
		LogLevel: "debug",
		Daemon:   config.DaemonConfig{ProbeIntervalSec: 120},
	})

	if got := d.level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()
	if interval != 120*time.Second {
		t.Errorf("interval = %v, want 120s", interval)
	}
}

func TestDaemonApplyConfigBadLevelIgnored(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})
	d.level.Set(slog.LevelWarn)

	d.applyConfig(ctx, &config.Config{LogLevel: "verbose"})

	if got := d.level.Level(); got != slog.LevelWarn {
		t.Errorf("log level = %v, want warn to survive an invalid reload", got)
	}
}

func TestDaemonSetInstalledGauge(t *testing.T) {
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})

	d.setInstalled(context.Background(), 3)

	if scrape := scrapeDaemonMetrics(t, d); !strings.Contains(scrape, "wares_installed_apps 3") {
		t.Errorf("scrape missing installed apps gauge:\n%s", scrape)
	}
}

func TestDaemonConsumeEventsStopsOnClose(t *testing.T) {
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})

	events := make(chan stream.Event)
	done := make(chan struct{})
	go func() {
		d.consumeEvents(context.Background(), events)
		close(done)
	}()

	events <- stream.Event{Type: stream.EventAppPublished, AppID: "weather-tools"}
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumeEvents did not return after channel close")
	}
}

func TestDaemonConsumeEventsStopsOnCancel(t *testing.T) {
	d, _ := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.consumeEvents(ctx, make(chan stream.Event))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumeEvents did not return after context cancellation")
	}
}

func TestDaemonHandleHealthz(t *testing.T) {
	d, reg := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})
	ins := addInstall(t, reg, "weather-tools", "Weather Tools")
	d.watchApp(context.Background(), ins)
	waitFor(t, 3*time.Second, func() bool {
		st, ok := d.watch.Status()["weather-tools"]
		return ok && st.Healthy
	})

	rec := httptest.NewRecorder()
	d.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var body struct {
		Status string                           `json:"status"`
		Uptime string                           `json:"uptime"`
		Apps   map[string]healthwatch.AppStatus `json:"apps"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz body does not decode: %v\n%s", err, rec.Body.String())
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Uptime == "" {
		t.Error("uptime missing")
	}
	st, ok := body.Apps["weather-tools"]
	if !ok {
		t.Fatalf("apps = %v, want weather-tools entry", body.Apps)
	}
	if !st.Healthy {
		t.Error("weather-tools should report healthy")
	}
}

// syncBuffer guards a bytes.Buffer for concurrent writers; the daemon
// logs from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// The full serve lifecycle: startup, listening, graceful shutdown on
// context cancellation.
func TestServeLifecycle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	}))
	defer ts.Close()

	cfgPath := writeConfig(t, ts.URL,
		"daemon:",
		`  metrics_address: "127.0.0.1:0"`,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &out, io.Discard, []string{"-config", cfgPath, "serve"})
	}()

	waitFor(t, 5*time.Second, func() bool {
		return strings.Contains(out.String(), "metrics server listening")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down after context cancellation")
	}

	log := out.String()
	if !strings.Contains(log, "starting wares daemon") {
		t.Errorf("log missing startup line:\n%s", log)
	}
	if !strings.Contains(log, "wares daemon stopped") {
		t.Errorf("log missing shutdown line:\n%s", log)
	}
}
