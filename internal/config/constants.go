package config

import "time"

// Application constants for configuration and resource management
const (
	// Timeouts and Delays
	DefaultShutdownTimeout = 10 * time.Second // Graceful shutdown budget for all components

	// Event and Storage Limits
	DefaultEventQueryLimit = 100  // Default limit for event queries
	MaxEventQueryLimit     = 1000 // Maximum allowed limit for event queries

	// Configuration Defaults
	DefaultConfigPath   = "configs/pgpool.yaml"    // Default configuration file path
	DefaultServiceName  = "pgpool-runtime-manager" // Default telemetry service name
	DefaultSamplingRate = 0.1                      // Default telemetry sampling rate (10%)
	DefaultPoolName     = "primary"                // Pool name used in logs, events and metrics

	// Pool sizing
	DefaultMinConns    = 5
	DefaultMaxConns    = 50
	MaxPoolConns       = 500 // Warn above this
	DefaultHistorySize = 100 // Scaling history ring capacity

	// API Constants
	APIVersion        = "v1"             // Current API version
	DefaultAPITimeout = 30 * time.Second // Default API request timeout

	// Security Constants
	MaxRequestBodySize = 1 << 20 // 1MB maximum request body size
	MinAPIKeyLength    = 32

	// Rate Limiting
	DefaultRateLimit = 100 // Requests per minute per client
	BurstLimit       = 10  // Burst requests allowed

	// Audit trail
	DefaultAuditBufferSize = 256
)

// API key scopes
const (
	ScopeRead  = "read"
	ScopeAdmin = "admin"
)

// Environment-specific constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Telemetry exporter types
const (
	ExporterTypeStdout = "stdout"
	ExporterTypeOTLP   = "otlp"
)
