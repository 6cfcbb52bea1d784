package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig   `json:"server"`
	Database       DatabaseConfig `json:"database"`
	Cache          CacheConfig    `json:"cache"`
	DefinitionsDir string         `json:"definitions_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type CacheConfig struct {
	// ResultTTL is how long idempotent execution results are kept,
	// e.g. "15m". Empty disables the cache.
	ResultTTL string `json:"result_ttl"`
}

// ResultTTLDuration parses the configured TTL, defaulting to zero when unset.
func (c CacheConfig) ResultTTLDuration() (time.Duration, error) {
	if c.ResultTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ResultTTL)
	if err != nil {
		return 0, fmt.Errorf("parse cache result_ttl: %w", err)
	}
	return d, nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	return &cfg, nil
}
