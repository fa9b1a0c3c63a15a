package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variables recognized on top of the configuration file
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvNeonDatabaseURL = "NEON_DATABASE_URL"
	EnvNATSURL         = "NATS_URL"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvLogLevel        = "PGPOOL_LOG_LEVEL"
)

// dotEnvPaths are tried in order; the first readable file wins.
var dotEnvPaths = []string{".env", "../.env"}

// loadDotEnv loads the first .env file found. Variables already present in
// the process environment are never overwritten.
func loadDotEnv() string {
	for _, path := range dotEnvPaths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// applyEnvOverrides copies recognized environment variables into cfg.
// Setting NATS_URL or REDIS_ADDR also enables the matching sink.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	} else if v := os.Getenv(EnvNeonDatabaseURL); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
	}

	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.EventBus.URL = v
		cfg.EventBus.Enabled = true
	}

	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}
