// Package config handles wares configuration loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/wares"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wares/config.yaml, /etc/wares/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wares", "config.yaml"))
	}

	paths = append(paths, "/etc/wares/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all wares configuration.
type Config struct {
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	GitHub      GitHubConfig      `yaml:"github"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
}

// MarketplaceConfig defines the marketplace endpoint and credentials.
// It implements [wares.Source], so a loaded section can be handed
// straight to [wares.FromSource].
type MarketplaceConfig struct {
	URL       string `yaml:"url"`
	Key       string `yaml:"api_key"`
	Bearer    string `yaml:"token"`
	TimeoutMS int    `yaml:"timeout_ms"` // Per-request deadline (default: 30000)
	UserID    string `yaml:"user_id"`    // Sent as x-user-id on every request
}

// BaseURL implements [wares.Source].
func (m MarketplaceConfig) BaseURL() string { return m.URL }

// APIKey implements [wares.Source].
func (m MarketplaceConfig) APIKey() string { return m.Key }

// Token implements [wares.Source].
func (m MarketplaceConfig) Token() string { return m.Bearer }

// Client builds a marketplace client from this section.
func (m MarketplaceConfig) Client(logger *slog.Logger) (*wares.Client, error) {
	cfg := wares.FromSource(m)
	if m.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(m.TimeoutMS) * time.Millisecond
	}
	if m.UserID != "" {
		id := m.UserID
		cfg.UserID = func() string { return id }
	}
	cfg.Logger = logger
	return wares.New(cfg)
}

// DaemonConfig defines the background daemon settings.
type DaemonConfig struct {
	ProbeIntervalSec int    `yaml:"probe_interval_sec"` // Health probe cadence (default: 60)
	MetricsAddress   string `yaml:"metrics_address"`    // Prometheus listen address (default: ":9105")
	Stream           bool   `yaml:"stream"`             // Subscribe to the marketplace event feed
}

// ProbeInterval returns the probe cadence as a duration.
func (d DaemonConfig) ProbeInterval() time.Duration {
	if d.ProbeIntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(d.ProbeIntervalSec) * time.Second
}

// MQTTConfig defines MQTT announcement settings. Announcements are
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. tcp://mqtt.local:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`     // Default: "wares"
	DeviceName      string `yaml:"device_name"`      // Default: "Wares"
	DiscoveryPrefix string `yaml:"discovery_prefix"` // Default: "homeassistant"
}

// Configured reports whether MQTT announcements should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// GitHubConfig defines GitHub release import settings. URL overrides
// the public API endpoint for GitHub Enterprise installs.
type GitHubConfig struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Marketplace: MarketplaceConfig{
			URL:       wares.DefaultBaseURL,
			TimeoutMS: 30000,
		},
		Daemon: DaemonConfig{
			ProbeIntervalSec: 60,
			MetricsAddress:   ":9105",
			Stream:           true,
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "wares",
			DeviceName:      "Wares",
			DiscoveryPrefix: "homeassistant",
		},
	}
}

// ResolvedDataDir returns the data directory, defaulting to
// ~/.local/share/wares and expanding a leading ~/.
func (c *Config) ResolvedDataDir() (string, error) {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve data dir: %w", err)
		}
		return filepath.Join(home, ".local", "share", "wares"), nil
	}
	if strings.HasPrefix(c.DataDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve data dir: %w", err)
		}
		return filepath.Join(home, c.DataDir[2:]), nil
	}
	return c.DataDir, nil
}
