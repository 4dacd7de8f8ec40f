// Package config loads the controller configuration from a YAML file and
// FLEETLINK_* environment variables, applying defaults and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Server points the controller at the fleet server.
type Server struct {
	// URL is the websocket endpoint, e.g. wss://fleet.example.org/mq.
	URL string `mapstructure:"url"`
	// Passhash is the shared secret used to sign control messages.
	Passhash string `mapstructure:"passhash"`
}

// Capture tunes still-frame polling.
type Capture struct {
	FrameRate int     `mapstructure:"frame_rate"`
	Scale     float64 `mapstructure:"scale"`
}

// Stream tunes low-latency sessions.
type Stream struct {
	ResolutionFraction float64  `mapstructure:"resolution_fraction"`
	FPS                int      `mapstructure:"fps"`
	Force              bool     `mapstructure:"force"`
	ICEServers         []string `mapstructure:"ice_servers"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Log controls output verbosity and formatting.
type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Config struct {
	Server  Server  `mapstructure:"server"`
	Capture Capture `mapstructure:"capture"`
	Stream  Stream  `mapstructure:"stream"`
	Metrics Metrics `mapstructure:"metrics"`
	Log     Log     `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.frame_rate", 5)
	v.SetDefault("capture.scale", 0.5)
	v.SetDefault("stream.resolution_fraction", 0.5)
	v.SetDefault("stream.fps", 30)
	v.SetDefault("stream.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads the config file at path (optional, empty skips the file) and
// the environment, returning a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEETLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section; the first problem found is returned.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("config: server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("config: server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: server.url must be ws:// or wss://, got %q", u.Scheme)
	}
	if c.Server.Passhash == "" {
		return errors.New("config: server.passhash is required")
	}
	if c.Capture.FrameRate < 1 || c.Capture.FrameRate > 30 {
		return fmt.Errorf("config: capture.frame_rate must be 1..30, got %d", c.Capture.FrameRate)
	}
	if c.Capture.Scale <= 0 || c.Capture.Scale > 1 {
		return fmt.Errorf("config: capture.scale must be in (0, 1], got %v", c.Capture.Scale)
	}
	if c.Stream.ResolutionFraction <= 0 || c.Stream.ResolutionFraction > 1 {
		return fmt.Errorf("config: stream.resolution_fraction must be in (0, 1], got %v", c.Stream.ResolutionFraction)
	}
	if c.Stream.FPS < 1 || c.Stream.FPS > 60 {
		return fmt.Errorf("config: stream.fps must be 1..60, got %d", c.Stream.FPS)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("config: metrics.addr is required when metrics are enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}
