// Package config loads runtime configuration the way go-server-3 does:
// viper-backed, env-prefixed, with an optional file and hard-coded
// defaults for every field.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the Lens server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Graph     GraphConfig     `mapstructure:"graph"`
	OpLog     OpLogConfig     `mapstructure:"oplog"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the WebSocket listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

// WebSocketConfig controls per-connection limits and the upgrade path.
type WebSocketConfig struct {
	Path              string `mapstructure:"path"`
	MaxConnections    int    `mapstructure:"max_connections"`
	SendChannelSize   int    `mapstructure:"send_channel_size"`
	EnableCompression bool   `mapstructure:"enable_compression"`
}

// GraphConfig controls the graph state manager's cache policy (spec.md
// §9 "Open question — retaining canonical after last unsubscribe").
type GraphConfig struct {
	// CacheMode is one of "retain", "evict", "ttl".
	CacheMode string        `mapstructure:"cache_mode"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// OpLogConfig bounds the per-entity operation log (spec.md §4.2).
type OpLogConfig struct {
	MaxEntries int           `mapstructure:"max_entries"`
	MaxBytes   int           `mapstructure:"max_bytes"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// ResolverConfig controls the field resolver graph's type discovery
// (spec.md §9 "Dynamic type discovery").
type ResolverConfig struct {
	RequireExplicitType bool `mapstructure:"require_explicit_type"`
}

// ReconnectConfig controls the reconnect protocol's snapshot compression
// (spec.md §4.7).
type ReconnectConfig struct {
	CompressThreshold int `mapstructure:"compress_threshold"`
}

// MetricsConfig controls Prometheus/diagnostics endpoints.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.read_buffer_size", 16<<10)
	v.SetDefault("server.write_buffer_size", 16<<10)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.max_connections", 100000)
	v.SetDefault("websocket.send_channel_size", 256)
	v.SetDefault("websocket.enable_compression", false)

	v.SetDefault("graph.cache_mode", "retain")
	v.SetDefault("graph.cache_ttl", 10*time.Minute)

	v.SetDefault("oplog.max_entries", 10000)
	v.SetDefault("oplog.max_bytes", 8<<20)
	v.SetDefault("oplog.max_age", time.Hour)

	v.SetDefault("resolver.require_explicit_type", false)

	v.SetDefault("reconnect.compress_threshold", 4096)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "lens")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("lens")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("LENS")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.SendChannelSize <= 0 {
		cfg.WebSocket.SendChannelSize = 256
	}

	return cfg, nil
}
