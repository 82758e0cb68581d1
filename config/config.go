// Package config holds the tunables shared by clients and servers.
//
// A Config can be built in code from Default() or loaded from YAML:
//
//	default_timeout: 5s
//	max_in_flight: 64
//	max_connections: 1024
//	heartbeat_interval: 30s
//	max_frame_size: 16777216
//	codec: binary
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"muxrpc/codec"
)

// Config is the runtime configuration. Zero limits mean "unbounded".
type Config struct {
	// DefaultTimeout bounds a call whose context carries no deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxInFlight is the number of requests a server runs concurrently per connection.
	MaxInFlight int `yaml:"max_in_flight"`
	// MaxConnections is the number of connections a server serves concurrently.
	MaxConnections int `yaml:"max_connections"`
	// HeartbeatInterval is how often a stream transport sends keepalive frames (0 disables).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaxFrameSize is the largest frame body a stream transport accepts.
	MaxFrameSize uint32 `yaml:"max_frame_size"`
	// Codec selects the envelope body encoding: "json" or "binary".
	Codec string `yaml:"codec"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		DefaultTimeout:    5 * time.Second,
		MaxInFlight:       0,
		MaxConnections:    0,
		HeartbeatInterval: 30 * time.Second,
		MaxFrameSize:      16 << 20,
		Codec:             "json",
	}
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return Parse(data)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.New("config: default_timeout must be positive")
	}
	if c.MaxInFlight < 0 {
		return errors.New("config: max_in_flight must not be negative")
	}
	if c.MaxConnections < 0 {
		return errors.New("config: max_connections must not be negative")
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("config: heartbeat_interval must not be negative")
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CodecType returns the configured envelope codec, JSON when unset or invalid.
func (c Config) CodecType() codec.CodecType {
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return codec.CodecTypeJSON
	}
	return ct
}
