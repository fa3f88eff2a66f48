package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "grpc_port must be between 0 (disabled) and 65535, got %d", c.Server.GRPCPort)
	} else if c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port)
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			add("server.tls_cert_path", "tls_cert_path is required when tls_enabled is true")
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			add("server.tls_cert_path", "certificate file does not exist: %s", c.Server.TLSCertPath)
		}

		if c.Server.TLSKeyPath == "" {
			add("server.tls_key_path", "tls_key_path is required when tls_enabled is true")
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			add("server.tls_key_path", "key file does not exist: %s", c.Server.TLSKeyPath)
		}
	}
	if c.Server.ShutdownTimeout < 1 {
		add("server.shutdown_timeout", "shutdown_timeout must be at least 1 second, got %d", c.Server.ShutdownTimeout)
	}
	if c.Server.IngestRateLimit < 0 {
		add("server.ingest_rate_limit", "ingest_rate_limit must not be negative, got %d", c.Server.IngestRateLimit)
	}

	// Validate engine configuration
	if _, err := c.EngineConfig(); err != nil {
		add("engine", "%v", err)
	}

	// Validate thresholds
	if err := c.ThresholdTable().Validate(); err != nil {
		add("thresholds", "%v", err)
	}

	// Validate pipeline configuration
	if c.Pipeline.Workers < 1 {
		add("pipeline.workers", "workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueSize < 1 {
		add("pipeline.queue_size", "queue_size must be at least 1, got %d", c.Pipeline.QueueSize)
	}
	for field, value := range map[string]string{
		"pipeline.retention":       c.Pipeline.Retention,
		"pipeline.prune_interval":  c.Pipeline.PruneInterval,
		"pipeline.warmup_window":   c.Pipeline.WarmupWindow,
		"pipeline.forecast_window": c.Pipeline.ForecastWindow,
	} {
		if d, err := forecasting.ParseHorizon(value); err != nil {
			add(field, "%v", err)
		} else if d <= 0 {
			add(field, "must be positive, got %s", value)
		}
	}

	// Validate storage configuration
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path", "sqlite_path is required when backend is sqlite")
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.Storage.Redis.Address); err != nil {
			add("storage.redis.address", "invalid address format (expected host:port): %v", err)
		}
		if c.Storage.Redis.DB < 0 {
			add("storage.redis.db", "db cannot be negative, got %d", c.Storage.Redis.DB)
		}
	case "memory":
	default:
		add("storage.backend", "invalid backend '%s', must be one of: sqlite, redis, memory", c.Storage.Backend)
	}

	// Validate logging configuration
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format", "invalid format '%s', must be one of: json, console", c.Logging.Format)
	}

	// Validate audit configuration
	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "path is required when audit is enabled")
	}

	return errs
}

// ThresholdTable returns the per-metric thresholds.
func (c *Config) ThresholdTable() types.ThresholdTable {
	conv := func(t ThresholdConfig) types.Thresholds {
		return types.Thresholds{Warning: t.Warning, Critical: t.Critical, Recovery: t.Recovery}
	}
	return types.ThresholdTable{
		types.MetricCPU:     conv(c.Thresholds.CPU),
		types.MetricMemory:  conv(c.Thresholds.Memory),
		types.MetricDisk:    conv(c.Thresholds.Disk),
		types.MetricNetwork: conv(c.Thresholds.Network),
	}
}

// duration parses one of the pipeline duration strings. Invalid values
// yield zero, which the pipeline replaces with its default.
func duration(s string) time.Duration {
	d, err := forecasting.ParseHorizon(s)
	if err != nil {
		return 0
	}
	return d
}
