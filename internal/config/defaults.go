package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 9090
	cfg.Server.TLSEnabled = false
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.ShutdownTimeout = 15
	cfg.Server.IngestRateLimit = 0

	// Engine defaults
	cfg.Engine.EnableStatistical = true
	cfg.Engine.EnableIsolationForest = true
	cfg.Engine.EnableAdaptive = true
	cfg.Engine.Weights.Statistical = 0.4
	cfg.Engine.Weights.IsolationForest = 0.3
	cfg.Engine.Weights.Adaptive = 0.3
	cfg.Engine.VotingThreshold = 0.5
	cfg.Engine.EmitEvents = true
	cfg.Engine.AutoTrain = true
	cfg.Engine.AutoTrainEvery = 100
	cfg.Engine.StreamBufferSize = 100

	cfg.Engine.Statistical.WindowSize = 30
	cfg.Engine.Statistical.K = 2

	cfg.Engine.IsolationForest.NumTrees = 100
	cfg.Engine.IsolationForest.SubSampleSize = 256
	cfg.Engine.IsolationForest.Threshold = 0.2
	cfg.Engine.IsolationForest.MinTrainingSamples = 50

	cfg.Engine.Adaptive.HourlyWeight = 0.6
	cfg.Engine.Adaptive.DailyWeight = 0.4
	cfg.Engine.Adaptive.BaseSigma = 2.5
	cfg.Engine.Adaptive.MinSamplesPerBucket = 10
	cfg.Engine.Adaptive.Timezone = "UTC"

	cfg.Engine.Forecast.RegressionWindow = 12
	cfg.Engine.Forecast.SlopeThreshold = 0.1
	cfg.Engine.Forecast.Horizon = "1h"

	// Threshold defaults
	cfg.Thresholds.CPU = ThresholdConfig{Warning: 70, Critical: 85, Recovery: 65}
	cfg.Thresholds.Memory = ThresholdConfig{Warning: 75, Critical: 90, Recovery: 70}
	cfg.Thresholds.Disk = ThresholdConfig{Warning: 80, Critical: 90, Recovery: 75}
	cfg.Thresholds.Network = ThresholdConfig{Warning: 70, Critical: 85, Recovery: 60}

	// Pipeline defaults
	cfg.Pipeline.Workers = 4
	cfg.Pipeline.QueueSize = 10000
	cfg.Pipeline.Retention = "7d"
	cfg.Pipeline.PruneInterval = "1h"
	cfg.Pipeline.WarmupWindow = "7d"
	cfg.Pipeline.ForecastWindow = "6h"
	cfg.Pipeline.RecentAnomalies = 1000
	cfg.Pipeline.WarmupOnStart = true

	// Storage defaults
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = "/var/lib/kubilitics/sentinel.db"
	cfg.Storage.Redis.Address = "localhost:6379"
	cfg.Storage.Redis.KeyPrefix = "sentinel"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAge = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.Path = "logs/anomalies.log"
	cfg.Audit.MaxSize = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAge = 30
	cfg.Audit.Compress = true

	return cfg
}
