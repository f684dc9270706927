// Package vtconfig resolves the core's tunables once at daemon startup:
// built-in default, then an optional <root>/config.yaml overlay, then
// environment variables (highest precedence). There is no hot-reload —
// the core reads configuration once, the way the teacher's
// internal/config package reads settings.json once per process.
package vtconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// Root is VIBETUNNEL_ROOT — the session root directory.
	Root string `yaml:"root,omitempty"`

	// MaxCastSize is VIBETUNNEL_MAX_CAST_SIZE, in bytes.
	MaxCastSize int64 `yaml:"max_cast_size,omitempty"`

	// CastCheckInterval is VIBETUNNEL_CAST_CHECK_INTERVAL.
	CastCheckInterval time.Duration `yaml:"cast_check_interval,omitempty"`

	// TruncationTargetPct is VIBETUNNEL_TRUNC_TARGET_PCT, in (0,1].
	TruncationTargetPct float64 `yaml:"trunc_target_pct,omitempty"`

	// HeartbeatInterval is VIBETUNNEL_HEARTBEAT_INTERVAL.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// HeartbeatMisses is VIBETUNNEL_HEARTBEAT_MISSES.
	HeartbeatMisses int `yaml:"heartbeat_misses,omitempty"`

	// ClaudeTurnDebounce is an implementation-defined tunable (spec.md §9
	// open question); default 2s, documented tolerance ±500ms.
	ClaudeTurnDebounce time.Duration `yaml:"claude_turn_debounce,omitempty"`

	// LogLevel / LogFile configure vtlog.
	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// Defaults returns the built-in defaults from spec.md.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Root:                 filepath.Join(home, ".vibetunnel"),
		MaxCastSize:          10 * 1024 * 1024,
		CastCheckInterval:    30 * time.Second,
		TruncationTargetPct:  0.8,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatMisses:      3,
		ClaudeTurnDebounce:   2 * time.Second,
		LogLevel:             "info",
	}
}

// Load resolves configuration: defaults, then <root>/config.yaml (if the
// root is already known via VIBETUNNEL_ROOT or the default), then env vars.
func Load() (Config, error) {
	cfg := Defaults()

	if root := os.Getenv("VIBETUNNEL_ROOT"); root != "" {
		cfg.Root = root
	}

	if err := overlayYAML(&cfg); err != nil {
		return cfg, err
	}

	overlayEnv(&cfg)

	return cfg, nil
}

func overlayYAML(cfg *Config) error {
	path := filepath.Join(cfg.Root, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	mergeNonZero(cfg, &overlay)
	return nil
}

func mergeNonZero(dst, src *Config) {
	if src.Root != "" {
		dst.Root = src.Root
	}
	if src.MaxCastSize != 0 {
		dst.MaxCastSize = src.MaxCastSize
	}
	if src.CastCheckInterval != 0 {
		dst.CastCheckInterval = src.CastCheckInterval
	}
	if src.TruncationTargetPct != 0 {
		dst.TruncationTargetPct = src.TruncationTargetPct
	}
	if src.HeartbeatInterval != 0 {
		dst.HeartbeatInterval = src.HeartbeatInterval
	}
	if src.HeartbeatMisses != 0 {
		dst.HeartbeatMisses = src.HeartbeatMisses
	}
	if src.ClaudeTurnDebounce != 0 {
		dst.ClaudeTurnDebounce = src.ClaudeTurnDebounce
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFile != "" {
		dst.LogFile = src.LogFile
	}
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("VIBETUNNEL_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("VIBETUNNEL_MAX_CAST_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxCastSize = n
		}
	}
	if v := os.Getenv("VIBETUNNEL_CAST_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CastCheckInterval = d
		}
	}
	if v := os.Getenv("VIBETUNNEL_TRUNC_TARGET_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TruncationTargetPct = f
		}
	}
	if v := os.Getenv("VIBETUNNEL_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("VIBETUNNEL_HEARTBEAT_MISSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatMisses = n
		}
	}
	if v := os.Getenv("VIBETUNNEL_CLAUDE_TURN_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClaudeTurnDebounce = d
		}
	}
	if v := os.Getenv("VIBETUNNEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIBETUNNEL_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
}

// ControlDir returns <root>/control.
func (c Config) ControlDir() string {
	return filepath.Join(c.Root, "control")
}

// SessionDir returns <root>/control/<id>.
func (c Config) SessionDir(id string) string {
	return filepath.Join(c.ControlDir(), id)
}

// APISocketPath returns <root>/api.sock.
func (c Config) APISocketPath() string {
	return filepath.Join(c.Root, "api.sock")
}

// ControlSocketPath returns <root>/control.sock.
func (c Config) ControlSocketPath() string {
	return filepath.Join(c.Root, "control.sock")
}
