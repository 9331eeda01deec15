// Package config loads gateway settings from an optional YAML file with
// environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration
type Config struct {
	// ListenAddr is the REST and WebSocket bind address
	ListenAddr string
	// MetricsAddr is the Prometheus endpoint bind address
	MetricsAddr string
	// RedisAddr enables the Redis publisher when non-empty
	RedisAddr string
	// TickInterval is the client fan-out cadence
	TickInterval time.Duration
	// TokenTTL is the session token lifetime
	TokenTTL time.Duration
	// UsersFile is a JSON file of username to bcrypt hash entries
	UsersFile string
	// Exchanges selects which upstream venues to connect
	Exchanges []string
	// DefaultUsername/DefaultPassword seed a login when no users file is
	// given. Meant for development only.
	DefaultUsername string
	DefaultPassword string
}

// fileConfig is the YAML shape. Durations are strings so both "500ms" and
// bare second counts are accepted.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	RedisAddr       string   `yaml:"redis_addr"`
	TickInterval    string   `yaml:"tick_interval"`
	TokenTTL        string   `yaml:"token_ttl"`
	UsersFile       string   `yaml:"users_file"`
	Exchanges       []string `yaml:"exchanges"`
	DefaultUsername string   `yaml:"default_username"`
	DefaultPassword string   `yaml:"default_password"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		ListenAddr:      ":8000",
		MetricsAddr:     ":9090",
		TickInterval:    time.Second,
		TokenTTL:        24 * time.Hour,
		Exchanges:       []string{"binance", "kraken"},
		DefaultUsername: "admin",
		DefaultPassword: "admin",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		if err := cfg.applyFile(&file); err != nil {
			return cfg, err
		}
	}

	cfg.ListenAddr = getEnv("GW_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = getEnv("GW_METRICS_ADDR", cfg.MetricsAddr)
	cfg.RedisAddr = getEnv("GW_REDIS_ADDR", cfg.RedisAddr)
	cfg.TickInterval = getEnvDuration("GW_TICK_INTERVAL", cfg.TickInterval)
	cfg.TokenTTL = getEnvDuration("GW_TOKEN_TTL", cfg.TokenTTL)
	cfg.UsersFile = getEnv("GW_USERS_FILE", cfg.UsersFile)
	cfg.DefaultUsername = getEnv("GW_DEFAULT_USERNAME", cfg.DefaultUsername)
	cfg.DefaultPassword = getEnv("GW_DEFAULT_PASSWORD", cfg.DefaultPassword)

	if cfg.TickInterval <= 0 {
		return cfg, fmt.Errorf("tick_interval must be positive")
	}
	if cfg.TokenTTL <= 0 {
		return cfg, fmt.Errorf("token_ttl must be positive")
	}
	if len(cfg.Exchanges) == 0 {
		return cfg, fmt.Errorf("at least one exchange is required")
	}
	return cfg, nil
}

func (c *Config) applyFile(file *fileConfig) error {
	if file.ListenAddr != "" {
		c.ListenAddr = file.ListenAddr
	}
	if file.MetricsAddr != "" {
		c.MetricsAddr = file.MetricsAddr
	}
	if file.RedisAddr != "" {
		c.RedisAddr = file.RedisAddr
	}
	if file.TickInterval != "" {
		d, err := parseDuration(file.TickInterval)
		if err != nil {
			return fmt.Errorf("tick_interval: %w", err)
		}
		c.TickInterval = d
	}
	if file.TokenTTL != "" {
		d, err := parseDuration(file.TokenTTL)
		if err != nil {
			return fmt.Errorf("token_ttl: %w", err)
		}
		c.TokenTTL = d
	}
	if file.UsersFile != "" {
		c.UsersFile = file.UsersFile
	}
	if file.Exchanges != nil {
		c.Exchanges = file.Exchanges
	}
	if file.DefaultUsername != "" {
		c.DefaultUsername = file.DefaultUsername
	}
	if file.DefaultPassword != "" {
		c.DefaultPassword = file.DefaultPassword
	}
	return nil
}

// parseDuration accepts Go duration strings; bare numbers are seconds.
func parseDuration(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", value)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := parseDuration(value); err == nil {
		return d
	}
	return fallback
}
