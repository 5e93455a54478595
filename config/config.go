// Package config loads the server configuration from YAML with environment overrides
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the top-level application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Roster   RosterConfig   `yaml:"roster"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
	Seed    bool   `yaml:"seed"`    // Add demo students when the roster is empty
}

// RedisConfig configures the Redis connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RosterConfig holds student admission rules
type RosterConfig struct {
	Genders         []string `yaml:"genders"`
	RequireLastName bool     `yaml:"require_last_name"`
	Messages        bool     `yaml:"messages"` // Keep human-readable message history
}

// ExchangeConfig tunes the matching engine
type ExchangeConfig struct {
	RequireMutual bool `yaml:"require_mutual"`
}

// LogConfig configures zap
type LogConfig struct {
	Level       string `yaml:"level"` // "debug", "info", "warn", "error"
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Store:  StoreConfig{Backend: BackendMemory},
		Redis:  RedisConfig{Addr: "127.0.0.1:6379"},
		Roster: RosterConfig{Genders: []string{"F", "M"}, Messages: true},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads filename over the defaults. A missing file is not an error.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", filename, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("APP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid APP_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EXCHANGE_REQUIRE_MUTUAL"); v != "" {
		mutual, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid EXCHANGE_REQUIRE_MUTUAL %q: %w", v, err)
		}
		c.Exchange.RequireMutual = mutual
	}
	return nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if len(c.Roster.Genders) == 0 {
		return errors.New("roster.genders must not be empty")
	}
	return nil
}
