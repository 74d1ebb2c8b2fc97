// pattern: Imperative Shell

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is termhubd's full on-disk configuration, loaded from YAML and then
// overridable per-field by environment variables (see ApplyEnvOverrides).
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Web       WebConfig       `yaml:"web"`
	PTY       PTYConfig       `yaml:"pty"`
	Recording RecordingConfig `yaml:"recording"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	DBPath    string          `yaml:"db_path"`
}

// WebConfig configures the HTTP/WebSocket listener.
type WebConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// PTYConfig tunes the output debouncer and keepalive watchdog (spec.md §3,
// §6.3). Defaults match the documented constants; overriding them is an
// escape hatch for unusual deployments, not an expected operation.
type PTYConfig struct {
	DefaultShell       string `yaml:"default_shell"`
	DebounceWindowMs   int    `yaml:"debounce_window_ms"`
	IdleFlushMs        int    `yaml:"idle_flush_ms"`
	MaxBufBytes        int    `yaml:"max_buf_bytes"`
	MaxOscPayloadBytes int    `yaml:"max_osc_payload_bytes"`
	PingIntervalMs     int    `yaml:"ping_interval_ms"`
	PingTimeoutMs      int    `yaml:"ping_timeout_ms"`
}

// RecordingConfig controls session recording to disk.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type TailscaleConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Name        string   `yaml:"name"`
	Funnel      bool     `yaml:"funnel"`
	FunnelOnly  bool     `yaml:"funnel_only"`
	Ephemeral   bool     `yaml:"ephemeral"`
	Plaintext   bool     `yaml:"plaintext"`
	AuthKeyPath string   `yaml:"auth_key_path"`
	StateDir    string   `yaml:"state_dir"`
	Tags        []string `yaml:"tags"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Web: WebConfig{
			Bind: "127.0.0.1",
			Port: 7880,
		},
		PTY: PTYConfig{
			DebounceWindowMs:   100,
			IdleFlushMs:        25,
			MaxBufBytes:        4096,
			MaxOscPayloadBytes: 8192,
			PingIntervalMs:     60_000,
			PingTimeoutMs:      10_000,
		},
		Recording: RecordingConfig{
			Enabled: false,
			Dir:     "~/.local/share/termhub/recordings",
		},
		Tailscale: TailscaleConfig{
			Name:        "termhub",
			Ephemeral:   true,
			AuthKeyPath: "~/.config/termhub/tailscale-authkey",
			StateDir:    "~/.local/share/termhub/tsnsrv",
		},
		DBPath: "~/.local/share/termhub/termhub.db",
	}
}

func Load() (Config, error) {
	cfg, err := LoadFrom(filepath.Join(getConfigDir(), "config.yaml"))
	if err != nil {
		return cfg, err
	}
	return ApplyEnvOverrides(cfg, os.Getenv)
}

func LoadFrom(configPath string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// ApplyEnvOverrides layers environment variables on top of a loaded Config
// and validates the result. getenv is injected so tests don't touch the
// real process environment.
func ApplyEnvOverrides(cfg Config, getenv func(string) string) (Config, error) {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PORT: %w", err)
		}
		cfg.Web.Port = port
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("DEFAULT_SHELL"); v != "" {
		cfg.PTY.DefaultShell = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PING_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PING_INTERVAL_MS: %w", err)
		}
		cfg.PTY.PingIntervalMs = n
	}
	if v := getenv("DEBOUNCE_WINDOW_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("DEBOUNCE_WINDOW_MS: %w", err)
		}
		cfg.PTY.DebounceWindowMs = n
	}
	if v := getenv("MAX_BUF_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MAX_BUF_BYTES: %w", err)
		}
		cfg.PTY.MaxBufBytes = n
	}
	if v := getenv("MAX_OSC_PAYLOAD_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MAX_OSC_PAYLOAD_BYTES: %w", err)
		}
		cfg.PTY.MaxOscPayloadBytes = n
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate range-checks the tunables that would silently misbehave rather
// than fail loudly if set to something absurd.
func (c *Config) Validate() error {
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	if c.PTY.DebounceWindowMs < 10 || c.PTY.DebounceWindowMs > 1000 {
		return fmt.Errorf("pty.debounce_window_ms out of range: %d", c.PTY.DebounceWindowMs)
	}
	if c.PTY.IdleFlushMs <= 0 || c.PTY.IdleFlushMs > c.PTY.DebounceWindowMs {
		return fmt.Errorf("pty.idle_flush_ms out of range: %d", c.PTY.IdleFlushMs)
	}
	if c.PTY.MaxBufBytes <= 0 || c.PTY.MaxBufBytes > 1<<20 {
		return fmt.Errorf("pty.max_buf_bytes out of range: %d", c.PTY.MaxBufBytes)
	}
	if c.PTY.MaxOscPayloadBytes <= 0 || c.PTY.MaxOscPayloadBytes > 1<<20 {
		return fmt.Errorf("pty.max_osc_payload_bytes out of range: %d", c.PTY.MaxOscPayloadBytes)
	}
	if c.PTY.PingIntervalMs <= 0 {
		return fmt.Errorf("pty.ping_interval_ms out of range: %d", c.PTY.PingIntervalMs)
	}
	if c.PTY.PingTimeoutMs <= 0 || c.PTY.PingTimeoutMs >= c.PTY.PingIntervalMs {
		return fmt.Errorf("pty.ping_timeout_ms must be positive and less than ping_interval_ms, got %d", c.PTY.PingTimeoutMs)
	}
	return nil
}

// ResolveTokenPath expands a token path, resolving ~/... to the user's home directory.
// Returns empty string if path is empty.
func (c *Config) ResolveTokenPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolvePathFunc is the function signature for resolving paths with ~ expansion.
type ResolvePathFunc func(string) string

// ValidateTailscale validates the TailscaleConfig.
// resolveTokenPath expands ~ in paths (use Config.ResolveTokenPath).
func (tc *TailscaleConfig) Validate(resolvePath ResolvePathFunc) error {
	if !tc.Enabled {
		return nil
	}
	if tc.Name == "" {
		return errors.New("tailscale.name must be non-empty when tailscale is enabled")
	}
	if tc.FunnelOnly && !tc.Funnel {
		return errors.New("tailscale.funnel_only requires tailscale.funnel to be enabled")
	}
	authPath := resolvePath(tc.AuthKeyPath)
	if authPath == "" {
		return errors.New("tailscale.auth_key_path must be set when tailscale is enabled")
	}
	if _, err := os.Stat(authPath); err != nil {
		return fmt.Errorf("tailscale auth key file not found: %s", authPath)
	}
	return nil
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "termhub")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termhub")
	}

	return filepath.Join(home, ".config", "termhub")
}
