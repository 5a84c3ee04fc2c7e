// Package config loads application configuration from a file and LMS_*
// environment variables, with defaults for everything so a bare binary runs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig
	Realtime  RealtimeConfig
	Dashboard DashboardConfig
	Cache     CacheConfig
	Log       LogConfig
}

// ServerConfig controls the dev server's HTTP listener.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// RealtimeConfig controls the progress channel.
type RealtimeConfig struct {
	URL                  string
	AckTimeout           time.Duration
	DialTimeout          time.Duration
	BackoffBase          time.Duration
	MaxReconnectAttempts int
}

// DashboardConfig controls the summary API client.
type DashboardConfig struct {
	BaseURL  string
	CacheTTL time.Duration
}

// CacheConfig controls the expiring cache. RedisURL switches the dashboard
// cache to the shared Redis backend when non-empty.
type CacheConfig struct {
	DefaultTTL time.Duration
	RedisURL   string
	Prefix     string
}

// LogConfig controls logging.
type LogConfig struct {
	Development bool
}

// Load reads configuration from path (optional; "" searches the working
// directory for config.{yaml,json,toml}) and the environment, e.g.
// LMS_SERVER_ADDR=:9090.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
			// Defaults plus environment are enough.
		}
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Realtime: RealtimeConfig{
			URL:                  v.GetString("realtime.url"),
			AckTimeout:           v.GetDuration("realtime.ack_timeout"),
			DialTimeout:          v.GetDuration("realtime.dial_timeout"),
			BackoffBase:          v.GetDuration("realtime.backoff_base"),
			MaxReconnectAttempts: v.GetInt("realtime.max_reconnect_attempts"),
		},
		Dashboard: DashboardConfig{
			BaseURL:  v.GetString("dashboard.base_url"),
			CacheTTL: v.GetDuration("dashboard.cache_ttl"),
		},
		Cache: CacheConfig{
			DefaultTTL: v.GetDuration("cache.default_ttl"),
			RedisURL:   v.GetString("cache.redis_url"),
			Prefix:     v.GetString("cache.prefix"),
		},
		Log: LogConfig{
			Development: v.GetBool("log.development"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("realtime.url", "ws://localhost:8080/ws")
	v.SetDefault("realtime.ack_timeout", "30s")
	v.SetDefault("realtime.dial_timeout", "10s")
	v.SetDefault("realtime.backoff_base", "1s")
	v.SetDefault("realtime.max_reconnect_attempts", 5)

	v.SetDefault("dashboard.base_url", "http://localhost:8080")
	v.SetDefault("dashboard.cache_ttl", "5m")

	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.prefix", "lms:")

	v.SetDefault("log.development", false)
}

// Validate rejects configurations that cannot work at runtime.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr must not be empty")
	}
	if c.Realtime.URL == "" {
		return errors.New("config: realtime.url must not be empty")
	}
	if c.Realtime.AckTimeout <= 0 {
		return errors.New("config: realtime.ack_timeout must be positive")
	}
	if c.Realtime.BackoffBase <= 0 {
		return errors.New("config: realtime.backoff_base must be positive")
	}
	if c.Realtime.MaxReconnectAttempts <= 0 {
		return errors.New("config: realtime.max_reconnect_attempts must be positive")
	}
	if c.Dashboard.BaseURL == "" {
		return errors.New("config: dashboard.base_url must not be empty")
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.New("config: cache.default_ttl must be positive")
	}
	return nil
}
