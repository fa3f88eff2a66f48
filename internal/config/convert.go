package config

import (
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/internal/audit"
	"github.com/kubilitics/kubilitics-sentinel/internal/logging"
)

// EngineConfig builds and validates the coordinator configuration.
func (c *Config) EngineConfig() (analytics.EngineConfig, error) {
	e := analytics.DefaultEngineConfig()
	e.EnableStatistical = c.Engine.EnableStatistical
	e.EnableIsolationForest = c.Engine.EnableIsolationForest
	e.EnableAdaptive = c.Engine.EnableAdaptive
	e.Weights = analytics.Weights{
		Statistical:     c.Engine.Weights.Statistical,
		IsolationForest: c.Engine.Weights.IsolationForest,
		Adaptive:        c.Engine.Weights.Adaptive,
	}
	e.VotingThreshold = c.Engine.VotingThreshold
	e.EmitEvents = c.Engine.EmitEvents
	e.AutoTrain = c.Engine.AutoTrain
	e.AutoTrainEvery = c.Engine.AutoTrainEvery
	e.StreamBufferSize = c.Engine.StreamBufferSize

	e.Statistical.WindowSize = c.Engine.Statistical.WindowSize
	e.Statistical.K = c.Engine.Statistical.K

	e.IsolationForest.NumTrees = c.Engine.IsolationForest.NumTrees
	e.IsolationForest.SubSampleSize = c.Engine.IsolationForest.SubSampleSize
	e.IsolationForest.Threshold = c.Engine.IsolationForest.Threshold
	e.IsolationForest.MinTrainingSamples = c.Engine.IsolationForest.MinTrainingSamples
	e.IsolationForest.Seed = c.Engine.IsolationForest.Seed

	e.Adaptive.HourlyWeight = c.Engine.Adaptive.HourlyWeight
	e.Adaptive.DailyWeight = c.Engine.Adaptive.DailyWeight
	e.Adaptive.BaseSigma = c.Engine.Adaptive.BaseSigma
	e.Adaptive.MinSamplesPerBucket = c.Engine.Adaptive.MinSamplesPerBucket
	if tz := c.Engine.Adaptive.Timezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return e, fmt.Errorf("%w: adaptive timezone %q: %v", analytics.ErrInvalidConfig, tz, err)
		}
		e.Adaptive.Location = loc
	}

	e.Forecast.RegressionWindow = c.Engine.Forecast.RegressionWindow
	e.Forecast.SlopeThreshold = c.Engine.Forecast.SlopeThreshold
	if h := c.Engine.Forecast.Horizon; h != "" {
		horizon, err := forecasting.ParseHorizon(h)
		if err != nil {
			return e, fmt.Errorf("%w: forecast horizon: %v", analytics.ErrInvalidConfig, err)
		}
		e.Forecast.Horizon = horizon
	}

	return e.Validate()
}

// PipelineConfig returns the pipeline settings.
func (c *Config) PipelineConfig() analytics.PipelineConfig {
	return analytics.PipelineConfig{
		Workers:         c.Pipeline.Workers,
		QueueSize:       c.Pipeline.QueueSize,
		Retention:       duration(c.Pipeline.Retention),
		PruneInterval:   duration(c.Pipeline.PruneInterval),
		WarmupWindow:    duration(c.Pipeline.WarmupWindow),
		ForecastWindow:  duration(c.Pipeline.ForecastWindow),
		RecentAnomalies: c.Pipeline.RecentAnomalies,
	}
}

// LoggingConfig returns the application logger settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
		Compress:   c.Logging.Compress,
	}
}

// AuditConfig returns the anomaly journal settings, or nil when the
// journal is disabled.
func (c *Config) AuditConfig() *audit.Config {
	if !c.Audit.Enabled {
		return nil
	}
	cfg := audit.DefaultConfig()
	cfg.Path = c.Audit.Path
	cfg.MaxSize = c.Audit.MaxSize
	cfg.MaxBackups = c.Audit.MaxBackups
	cfg.MaxAge = c.Audit.MaxAge
	cfg.Compress = c.Audit.Compress
	return cfg
}
