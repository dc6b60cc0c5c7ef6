package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Relay    RelayConfig
	Auth     AuthConfig
	Limits   LimitsConfig
	Typing   TypingConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	// Mode is "broadcast" or "stream".
	Mode   string `mapstructure:"mode"`
	NodeID string `mapstructure:"node_id"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LimitsConfig struct {
	CommandsPerSecond float64 `mapstructure:"commands_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type TypingConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config.yaml from path (if present) and applies CHATSYNC_*
// environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.mode", "broadcast")
	v.SetDefault("limits.commands_per_second", 20.0)
	v.SetDefault("limits.burst", 40)
	v.SetDefault("typing.ttl", "5s")
	v.SetDefault("log.level", "info")

	v.BindEnv("server.addr", "CHATSYNC_SERVER_ADDR")
	v.BindEnv("store.backend", "CHATSYNC_STORE_BACKEND")
	v.BindEnv("database.url", "CHATSYNC_DATABASE_URL")
	v.BindEnv("relay.enabled", "CHATSYNC_RELAY_ENABLED")
	v.BindEnv("relay.url", "CHATSYNC_RELAY_URL")
	v.BindEnv("relay.mode", "CHATSYNC_RELAY_MODE")
	v.BindEnv("relay.node_id", "CHATSYNC_RELAY_NODE_ID")
	v.BindEnv("auth.jwt_secret", "CHATSYNC_JWT_SECRET")
	v.BindEnv("log.level", "CHATSYNC_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, everything has a default or an env var.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required when store.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url is required when relay is enabled")
		}
		if c.Relay.Mode != "broadcast" && c.Relay.Mode != "stream" {
			return fmt.Errorf("unknown relay mode %q", c.Relay.Mode)
		}
	}
	return nil
}
