package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
	}
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("SENTINEL")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	// Set defaults
	m.setDefaults()

	if err := m.readFile(); err != nil {
		return err
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readFile reads the config file. A missing file is not an error.
func (m *viperConfigManager) readFile() error {
	if m.configPath == "" {
		return nil
	}
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinErrors(m.Get(ctx).Validate())
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

// Watch watches the config file. Each change that unmarshals and
// validates is published; invalid edits are ignored and the previous
// configuration stays in effect.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || m.configPath == "" {
		return m.watchChan
	}
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			if err := m.Reload(ctx); err != nil {
				return
			}
			// Replace a pending update with the newest one
			select {
			case <-m.watchChan:
			default:
			}
			select {
			case m.watchChan <- *m.Get(ctx):
			default:
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources. The current configuration is
// kept when the new one fails validation.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.readFile(); err != nil {
		return err
	}

	cfg, err := m.decode()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := joinErrors(cfg.Validate()); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	m.viper.SetDefault("server.ingest_rate_limit", defaults.Server.IngestRateLimit)

	// Engine defaults
	m.viper.SetDefault("engine.enable_statistical", defaults.Engine.EnableStatistical)
	m.viper.SetDefault("engine.enable_isolation_forest", defaults.Engine.EnableIsolationForest)
	m.viper.SetDefault("engine.enable_adaptive", defaults.Engine.EnableAdaptive)
	m.viper.SetDefault("engine.weights.statistical", defaults.Engine.Weights.Statistical)
	m.viper.SetDefault("engine.weights.isolation_forest", defaults.Engine.Weights.IsolationForest)
	m.viper.SetDefault("engine.weights.adaptive", defaults.Engine.Weights.Adaptive)
	m.viper.SetDefault("engine.voting_threshold", defaults.Engine.VotingThreshold)
	m.viper.SetDefault("engine.emit_events", defaults.Engine.EmitEvents)
	m.viper.SetDefault("engine.auto_train", defaults.Engine.AutoTrain)
	m.viper.SetDefault("engine.auto_train_every", defaults.Engine.AutoTrainEvery)
	m.viper.SetDefault("engine.stream_buffer_size", defaults.Engine.StreamBufferSize)
	m.viper.SetDefault("engine.statistical.window_size", defaults.Engine.Statistical.WindowSize)
	m.viper.SetDefault("engine.statistical.k", defaults.Engine.Statistical.K)
	m.viper.SetDefault("engine.isolation_forest.num_trees", defaults.Engine.IsolationForest.NumTrees)
	m.viper.SetDefault("engine.isolation_forest.sub_sample_size", defaults.Engine.IsolationForest.SubSampleSize)
	m.viper.SetDefault("engine.isolation_forest.threshold", defaults.Engine.IsolationForest.Threshold)
	m.viper.SetDefault("engine.isolation_forest.min_training_samples", defaults.Engine.IsolationForest.MinTrainingSamples)
	m.viper.SetDefault("engine.isolation_forest.seed", defaults.Engine.IsolationForest.Seed)
	m.viper.SetDefault("engine.adaptive.hourly_weight", defaults.Engine.Adaptive.HourlyWeight)
	m.viper.SetDefault("engine.adaptive.daily_weight", defaults.Engine.Adaptive.DailyWeight)
	m.viper.SetDefault("engine.adaptive.base_sigma", defaults.Engine.Adaptive.BaseSigma)
	m.viper.SetDefault("engine.adaptive.min_samples_per_bucket", defaults.Engine.Adaptive.MinSamplesPerBucket)
	m.viper.SetDefault("engine.adaptive.timezone", defaults.Engine.Adaptive.Timezone)
	m.viper.SetDefault("engine.forecast.regression_window", defaults.Engine.Forecast.RegressionWindow)
	m.viper.SetDefault("engine.forecast.slope_threshold", defaults.Engine.Forecast.SlopeThreshold)
	m.viper.SetDefault("engine.forecast.horizon", defaults.Engine.Forecast.Horizon)

	// Threshold defaults
	for name, th := range map[string]ThresholdConfig{
		"cpu":     defaults.Thresholds.CPU,
		"memory":  defaults.Thresholds.Memory,
		"disk":    defaults.Thresholds.Disk,
		"network": defaults.Thresholds.Network,
	} {
		m.viper.SetDefault("thresholds."+name+".warning", th.Warning)
		m.viper.SetDefault("thresholds."+name+".critical", th.Critical)
		m.viper.SetDefault("thresholds."+name+".recovery", th.Recovery)
	}

	// Pipeline defaults
	m.viper.SetDefault("pipeline.workers", defaults.Pipeline.Workers)
	m.viper.SetDefault("pipeline.queue_size", defaults.Pipeline.QueueSize)
	m.viper.SetDefault("pipeline.retention", defaults.Pipeline.Retention)
	m.viper.SetDefault("pipeline.prune_interval", defaults.Pipeline.PruneInterval)
	m.viper.SetDefault("pipeline.warmup_window", defaults.Pipeline.WarmupWindow)
	m.viper.SetDefault("pipeline.forecast_window", defaults.Pipeline.ForecastWindow)
	m.viper.SetDefault("pipeline.recent_anomalies", defaults.Pipeline.RecentAnomalies)
	m.viper.SetDefault("pipeline.warmup_on_start", defaults.Pipeline.WarmupOnStart)

	// Storage defaults
	m.viper.SetDefault("storage.backend", defaults.Storage.Backend)
	m.viper.SetDefault("storage.sqlite_path", defaults.Storage.SQLitePath)
	m.viper.SetDefault("storage.redis.address", defaults.Storage.Redis.Address)
	m.viper.SetDefault("storage.redis.password", defaults.Storage.Redis.Password)
	m.viper.SetDefault("storage.redis.db", defaults.Storage.Redis.DB)
	m.viper.SetDefault("storage.redis.key_prefix", defaults.Storage.Redis.KeyPrefix)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size", defaults.Logging.MaxSize)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age", defaults.Logging.MaxAge)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)
	m.viper.SetDefault("audit.max_size", defaults.Audit.MaxSize)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age", defaults.Audit.MaxAge)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)
}

// unmarshalConfig replaces the current configuration with the decoded one.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg, err := m.decode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// decode reads every key out of viper into a fresh Config.
func (m *viperConfigManager) decode() (*Config, error) {
	cfg := &Config{}
	v := m.viper

	// Server
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.TLSEnabled = v.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = v.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = v.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ShutdownTimeout = v.GetInt("server.shutdown_timeout")
	cfg.Server.IngestRateLimit = v.GetInt("server.ingest_rate_limit")

	// Engine
	cfg.Engine.EnableStatistical = v.GetBool("engine.enable_statistical")
	cfg.Engine.EnableIsolationForest = v.GetBool("engine.enable_isolation_forest")
	cfg.Engine.EnableAdaptive = v.GetBool("engine.enable_adaptive")
	cfg.Engine.Weights.Statistical = v.GetFloat64("engine.weights.statistical")
	cfg.Engine.Weights.IsolationForest = v.GetFloat64("engine.weights.isolation_forest")
	cfg.Engine.Weights.Adaptive = v.GetFloat64("engine.weights.adaptive")
	cfg.Engine.VotingThreshold = v.GetFloat64("engine.voting_threshold")
	cfg.Engine.EmitEvents = v.GetBool("engine.emit_events")
	cfg.Engine.AutoTrain = v.GetBool("engine.auto_train")
	cfg.Engine.AutoTrainEvery = v.GetInt("engine.auto_train_every")
	cfg.Engine.StreamBufferSize = v.GetInt("engine.stream_buffer_size")
	cfg.Engine.Statistical.WindowSize = v.GetInt("engine.statistical.window_size")
	cfg.Engine.Statistical.K = v.GetFloat64("engine.statistical.k")
	cfg.Engine.IsolationForest.NumTrees = v.GetInt("engine.isolation_forest.num_trees")
	cfg.Engine.IsolationForest.SubSampleSize = v.GetInt("engine.isolation_forest.sub_sample_size")
	cfg.Engine.IsolationForest.Threshold = v.GetFloat64("engine.isolation_forest.threshold")
	cfg.Engine.IsolationForest.MinTrainingSamples = v.GetInt("engine.isolation_forest.min_training_samples")
	cfg.Engine.IsolationForest.Seed = v.GetInt64("engine.isolation_forest.seed")
	cfg.Engine.Adaptive.HourlyWeight = v.GetFloat64("engine.adaptive.hourly_weight")
	cfg.Engine.Adaptive.DailyWeight = v.GetFloat64("engine.adaptive.daily_weight")
	cfg.Engine.Adaptive.BaseSigma = v.GetFloat64("engine.adaptive.base_sigma")
	cfg.Engine.Adaptive.MinSamplesPerBucket = v.GetInt("engine.adaptive.min_samples_per_bucket")
	cfg.Engine.Adaptive.Timezone = v.GetString("engine.adaptive.timezone")
	cfg.Engine.Forecast.RegressionWindow = v.GetInt("engine.forecast.regression_window")
	cfg.Engine.Forecast.SlopeThreshold = v.GetFloat64("engine.forecast.slope_threshold")
	cfg.Engine.Forecast.Horizon = v.GetString("engine.forecast.horizon")

	// Thresholds
	cfg.Thresholds.CPU = m.threshold("cpu")
	cfg.Thresholds.Memory = m.threshold("memory")
	cfg.Thresholds.Disk = m.threshold("disk")
	cfg.Thresholds.Network = m.threshold("network")

	// Pipeline
	cfg.Pipeline.Workers = v.GetInt("pipeline.workers")
	cfg.Pipeline.QueueSize = v.GetInt("pipeline.queue_size")
	cfg.Pipeline.Retention = v.GetString("pipeline.retention")
	cfg.Pipeline.PruneInterval = v.GetString("pipeline.prune_interval")
	cfg.Pipeline.WarmupWindow = v.GetString("pipeline.warmup_window")
	cfg.Pipeline.ForecastWindow = v.GetString("pipeline.forecast_window")
	cfg.Pipeline.RecentAnomalies = v.GetInt("pipeline.recent_anomalies")
	cfg.Pipeline.WarmupOnStart = v.GetBool("pipeline.warmup_on_start")

	// Storage
	cfg.Storage.Backend = v.GetString("storage.backend")
	cfg.Storage.SQLitePath = v.GetString("storage.sqlite_path")
	cfg.Storage.Redis.Address = v.GetString("storage.redis.address")
	cfg.Storage.Redis.Password = v.GetString("storage.redis.password")
	cfg.Storage.Redis.DB = v.GetInt("storage.redis.db")
	cfg.Storage.Redis.KeyPrefix = v.GetString("storage.redis.key_prefix")

	// Logging
	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSize = v.GetInt("logging.max_size")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAge = v.GetInt("logging.max_age")
	cfg.Logging.Compress = v.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.Path = v.GetString("audit.path")
	cfg.Audit.MaxSize = v.GetInt("audit.max_size")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAge = v.GetInt("audit.max_age")
	cfg.Audit.Compress = v.GetBool("audit.compress")

	return cfg, nil
}

func (m *viperConfigManager) threshold(name string) ThresholdConfig {
	return ThresholdConfig{
		Warning:  m.viper.GetFloat64("thresholds." + name + ".warning"),
		Critical: m.viper.GetFloat64("thresholds." + name + ".critical"),
		Recovery: m.viper.GetFloat64("thresholds." + name + ".recovery"),
	}
}
