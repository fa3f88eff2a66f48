package config

import "context"

// Package config provides configuration management for kubilitics-sentinel.
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (SENTINEL_* prefix, "." replaced by "_")
//   3. YAML config file (default: /etc/kubilitics/sentinel.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server:     HTTP and gRPC listeners, TLS, WebSocket origins
//   2. Engine:     strategy switches, weights, voting threshold, training
//   3. Thresholds: warning/critical/recovery per metric
//   4. Pipeline:   ingest workers, queue, retention, warmup
//   5. Storage:    sqlite | redis | memory history backend
//   6. Logging:    level, format, optional rotated file
//   7. Audit:      anomaly journal
//
// Durations in the pipeline and forecast sections accept Go durations plus
// "d" and "w" units (e.g. "7d").

// ThresholdConfig holds the limits of one metric.
type ThresholdConfig struct {
	Warning  float64
	Critical float64
	Recovery float64
}

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		GRPCPort    int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		ShutdownTimeout int // seconds
		// IngestRateLimit caps sample requests per client per minute; 0 disables it.
		IngestRateLimit int
	}

	// Engine configuration
	Engine struct {
		EnableStatistical     bool
		EnableIsolationForest bool
		EnableAdaptive        bool
		Weights               struct {
			Statistical     float64
			IsolationForest float64
			Adaptive        float64
		}
		VotingThreshold  float64
		EmitEvents       bool
		AutoTrain        bool
		AutoTrainEvery   int
		StreamBufferSize int

		Statistical struct {
			WindowSize int
			K          float64
		}
		IsolationForest struct {
			NumTrees           int
			SubSampleSize      int
			Threshold          float64
			MinTrainingSamples int
			Seed               int64
		}
		Adaptive struct {
			HourlyWeight        float64
			DailyWeight         float64
			BaseSigma           float64
			MinSamplesPerBucket int
			Timezone            string
		}
		Forecast struct {
			RegressionWindow int
			SlopeThreshold   float64
			Horizon          string
		}
	}

	// Thresholds per metric
	Thresholds struct {
		CPU     ThresholdConfig
		Memory  ThresholdConfig
		Disk    ThresholdConfig
		Network ThresholdConfig
	}

	// Pipeline configuration
	Pipeline struct {
		Workers         int
		QueueSize       int
		Retention       string
		PruneInterval   string
		WarmupWindow    string
		ForecastWindow  string
		RecentAnomalies int
		WarmupOnStart   bool
	}

	// Storage configuration
	Storage struct {
		Backend    string // sqlite | redis | memory
		SQLitePath string
		Redis      struct {
			Address   string
			Password  string
			DB        int
			KeyPrefix string
		}
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}

	// Audit journal configuration
	Audit struct {
		Enabled    bool
		Path       string
		MaxSize    int
		MaxBackups int
		MaxAge     int
		Compress   bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers validated reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/sentinel.yaml")
}
