// Package config loads relay settings from an optional TOML file with
// environment variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the relay daemon.
type Config struct {
	// ListenAddr is the HTTP bind address for join, websocket and
	// diagnostics endpoints.
	ListenAddr string `toml:"listen_addr" env:"DRIFT_LISTEN_ADDR"`

	// TickRate is the authoritative simulation frequency in ticks per
	// second.
	TickRate int `toml:"tick_rate" env:"DRIFT_TICK_RATE"`

	// MaxObjects caps the replication directory.
	MaxObjects int `toml:"max_objects" env:"DRIFT_MAX_OBJECTS"`

	// TransformEpsilon suppresses transform deltas whose accumulated
	// component distance stays below this threshold.
	TransformEpsilon float64 `toml:"transform_epsilon" env:"DRIFT_TRANSFORM_EPSILON"`

	// TransferTimeout bounds how long an ownership request may stay
	// unresolved before it times out.
	TransferTimeout time.Duration `toml:"transfer_timeout" env:"DRIFT_TRANSFER_TIMEOUT"`

	// HeartbeatInterval is advertised to clients at join time.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"DRIFT_HEARTBEAT_INTERVAL"`

	// DisconnectAfter forces a disconnect when no heartbeat arrives within
	// the window.
	DisconnectAfter time.Duration `toml:"disconnect_after" env:"DRIFT_DISCONNECT_AFTER"`

	// RecorderPath enables the sqlite batch recorder when non-empty.
	RecorderPath string `toml:"recorder_path" env:"DRIFT_RECORDER_PATH"`

	// LogJSONPath enables the NDJSON log sink when non-empty.
	LogJSONPath string `toml:"log_json_path" env:"DRIFT_LOG_JSON_PATH"`

	// LogPretty switches the console sink to human-readable output.
	LogPretty bool `toml:"log_pretty" env:"DRIFT_LOG_PRETTY"`
}

// Default returns the baseline configuration used when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		TickRate:          20,
		MaxObjects:        1024,
		TransformEpsilon:  0.001,
		TransferTimeout:   3 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		DisconnectAfter:   10 * time.Second,
	}
}

// Load reads the TOML file at path (when non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the tick loop cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.TickRate <= 0 || c.TickRate > 240 {
		return fmt.Errorf("tick_rate must be in (0, 240], got %d", c.TickRate)
	}
	if c.MaxObjects <= 0 {
		return fmt.Errorf("max_objects must be positive, got %d", c.MaxObjects)
	}
	if c.TransformEpsilon < 0 {
		return fmt.Errorf("transform_epsilon must not be negative")
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("transfer_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.DisconnectAfter <= c.HeartbeatInterval {
		return fmt.Errorf("disconnect_after must exceed heartbeat_interval")
	}
	return nil
}

// TickInterval converts the tick rate into a loop period.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
