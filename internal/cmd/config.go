package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay's file configuration. Every field has a default, so an
// absent file yields a working single-node setup.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Sync struct {
		DriftInterval    time.Duration `yaml:"drift_interval"`
		SyncTolerance    float64       `yaml:"sync_tolerance"`
		ConflictStrategy string        `yaml:"conflict_strategy"`
		EventLogCapacity int           `yaml:"event_log_capacity"`
		TeardownGrace    time.Duration `yaml:"teardown_grace"`
	} `yaml:"sync"`

	Health struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		StaleAfter   time.Duration `yaml:"stale_after"`
	} `yaml:"health"`

	Recovery struct {
		Window       time.Duration `yaml:"window"`
		MaxDrift     float64       `yaml:"max_drift"`
		StepSize     float64       `yaml:"step_size"`
		StepInterval time.Duration `yaml:"step_interval"`
	} `yaml:"recovery"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	Database struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"ssl_mode"`
	} `yaml:"database"`
}

func loadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(&config)
	return &config, nil
}

func applyEnvOverrides(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = getEnv("PORT", "8080")
	}
	if c.NATS.URL == "" {
		c.NATS.URL = getEnv("NATS_URL", "nats://localhost:4222")
	}
	if os.Getenv("NATS_ENABLED") != "" {
		c.NATS.Enabled = getEnv("NATS_ENABLED", "false") == "true"
	}

	if c.Database.Host == "" {
		c.Database.Host = getEnv("DB_HOST", "localhost")
	}
	if c.Database.Port == 0 {
		c.Database.Port = getEnvAsInt("DB_PORT", 5432)
	}
	if c.Database.User == "" {
		c.Database.User = getEnv("DB_USER", "postgres")
	}
	if c.Database.Password == "" {
		c.Database.Password = getEnv("DB_PASSWORD", "postgres")
	}
	if c.Database.Database == "" {
		c.Database.Database = getEnv("DB_NAME", "reelsync")
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	}
}

// DSN renders the membership database connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database, c.Database.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
