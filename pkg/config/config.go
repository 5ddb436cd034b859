// Package config loads grid-server configuration from defaults, an optional YAML file and
// GRID_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. GRID_ENGINE_MESSAGE_LIMIT.
const EnvPrefix = "GRID_"

// PathEnvVar names the config file when --config is not given.
const PathEnvVar = "GRID_CONFIG"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	GeoIP     GeoIPConfig     `koanf:"geoip"`
	Engine    EngineConfig    `koanf:"engine"`
	History   HistoryConfig   `koanf:"history"`
	AutoPilot AutoPilotConfig `koanf:"autopilot"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// RateLimit is requests per minute per client IP on the HTTP API. 0 disables it.
	RateLimit int `koanf:"rate_limit"`
	// SessionIdle closes viewer sessions that have no websocket and no requests for this long.
	SessionIdle time.Duration `koanf:"session_idle"`
}

type StoreConfig struct {
	// Path is the badger directory. Empty keeps documents in memory only.
	Path string `koanf:"path"`
}

type GeoIPConfig struct {
	Path     string `koanf:"path"`
	URL      string `koanf:"url"`
	UseCache bool   `koanf:"use_cache"`
	CacheDir string `koanf:"cache_dir"`
}

type EngineConfig struct {
	MessageLimit    int           `koanf:"message_limit"`
	MaxAge          time.Duration `koanf:"max_age"`
	Neighbors       int           `koanf:"neighbors"`
	LiveReplyCounts bool          `koanf:"live_reply_counts"`
	FeedPageSize    int           `koanf:"feed_page_size"`
}

type HistoryConfig struct {
	StepInterval time.Duration `koanf:"step_interval"`
	PopupDelay   time.Duration `koanf:"popup_delay"`
}

type AutoPilotConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    600,
			SessionIdle:  10 * time.Minute,
		},
		Store: StoreConfig{Path: "data/store"},
		GeoIP: GeoIPConfig{UseCache: true, CacheDir: "data/cache"},
		Engine: EngineConfig{
			MessageLimit: 200,
			MaxAge:       24 * time.Hour,
			Neighbors:    3,
			FeedPageSize: 20,
		},
		History: HistoryConfig{
			StepInterval: 3 * time.Second,
			PopupDelay:   1600 * time.Millisecond,
		},
		AutoPilot: AutoPilotConfig{Interval: 10 * time.Second},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the YAML file at path (or $GRID_CONFIG) and the environment.
// A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps GRID_ENGINE_MESSAGE_LIMIT to engine.message_limit.
// The section is the first segment; the rest is the key.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	return strings.Replace(key, "_", ".", 1)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.SessionIdle <= 0 {
		errs = append(errs, errors.New("server.session_idle must be positive"))
	}
	if c.Engine.MessageLimit <= 0 || c.Engine.MessageLimit > 200 {
		errs = append(errs, fmt.Errorf("engine.message_limit must be in 1..200, got %d", c.Engine.MessageLimit))
	}
	if c.Engine.MaxAge <= 0 {
		errs = append(errs, errors.New("engine.max_age must be positive"))
	}
	if c.Engine.Neighbors <= 0 {
		errs = append(errs, errors.New("engine.neighbors must be positive"))
	}
	if c.Engine.FeedPageSize <= 0 {
		errs = append(errs, errors.New("engine.feed_page_size must be positive"))
	}
	if c.History.StepInterval <= 0 {
		errs = append(errs, errors.New("history.step_interval must be positive"))
	}
	if c.History.PopupDelay <= 0 {
		errs = append(errs, errors.New("history.popup_delay must be positive"))
	}
	if c.AutoPilot.Interval <= 0 {
		errs = append(errs, errors.New("autopilot.interval must be positive"))
	}
	return errors.Join(errs...)
}
