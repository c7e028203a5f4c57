// Package config loads battleshipd's server configuration from a YAML file,
// falling back to documented defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the battleship server.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error (default: info)

	// Timing (SPEC_FULL.md §5 — contract-level constants, configurable but
	// default to the spec's values)
	TurnTimeout       time.Duration `yaml:"turn_timeout"`        // per-turn clock (default: 30s)
	ReconnectWindow   time.Duration `yaml:"reconnect_window"`    // disconnect grace period (default: 60s)
	LobbyCountdown    time.Duration `yaml:"lobby_countdown"`     // pairing announcement lead time (default: 5s)
	LobbyPollInterval time.Duration `yaml:"lobby_poll_interval"` // pairing loop tick (default: 500ms)

	// Per-connection write queue / timeouts, modeled on the teacher's
	// GameClient write-pump tunables.
	SendQueueSize int           `yaml:"send_queue_size"` // per-client outbox capacity (default: 256)
	WriteTimeout  time.Duration `yaml:"write_timeout"`   // per-write deadline (default: 5s)
	ReadTimeout   time.Duration `yaml:"read_timeout"`    // idle client disconnect (default: 120s)

	// EncryptionKey, if non-empty, turns on the protocol.Cipher payload
	// encryption extension. Must be exactly 32 bytes. Empty means
	// plaintext (the default).
	EncryptionKey string `yaml:"encryption_key"`
}

// Default returns Server config with the values named in SPEC_FULL.md §5.
func Default() Server {
	return Server{
		BindAddress:       "127.0.0.1",
		Port:              5000,
		LogLevel:          "info",
		TurnTimeout:       30 * time.Second,
		ReconnectWindow:   60 * time.Second,
		LobbyCountdown:    5 * time.Second,
		LobbyPollInterval: 500 * time.Millisecond,
		SendQueueSize:     256,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       120 * time.Second,
	}
}

// Load reads Server config from a YAML file at path. If the file doesn't
// exist, Load returns the defaults unchanged.
func Load(path string) (Server, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
