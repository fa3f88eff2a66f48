package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics"
	"github.com/kubilitics/kubilitics-sentinel/internal/audit"
	"github.com/kubilitics/kubilitics-sentinel/internal/cache"
	"github.com/kubilitics/kubilitics-sentinel/internal/config"
	"github.com/kubilitics/kubilitics-sentinel/internal/db"
	"github.com/kubilitics/kubilitics-sentinel/internal/logging"
	"github.com/kubilitics/kubilitics-sentinel/internal/server"
)

// overrides are command-line values that win over the config file and
// environment.
type overrides struct {
	port     int
	grpcPort int
	storage  string
	logLevel string
}

func (o overrides) apply(cfg *config.Config) {
	if o.port > 0 {
		cfg.Server.Port = o.port
	}
	if o.grpcPort >= 0 {
		cfg.Server.GRPCPort = o.grpcPort
	}
	if o.storage != "" {
		cfg.Storage.Backend = o.storage
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}

// loadConfig loads, overrides and validates the configuration.
func loadConfig(ctx context.Context, path string, o overrides) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := mgr.Get(ctx)
	o.apply(cfg)
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return mgr, cfg, nil
}

// runtime is the wired detection stack shared by serve and replay.
type runtime struct {
	logger    *zap.Logger
	journal   audit.Logger
	pipeline  *analytics.Pipeline
	anomalies server.AnomalyQuerier
	closers   []func() error
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// openRuntime opens the storage backend and audit journal and builds the
// pipeline. On error everything opened so far is closed.
func openRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (rt *runtime, err error) {
	rt = &runtime{logger: logger, journal: audit.NewNop()}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return rt, err
	}
	deps := analytics.Dependencies{
		Logger:     logger.Named("pipeline"),
		Thresholds: cfg.ThresholdTable(),
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." && cfg.Storage.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return rt, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := db.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return rt, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		deps.History = store
		deps.Events = store
		rt.anomalies = store
		logger.Info("using sqlite storage", zap.String("path", cfg.Storage.SQLitePath))

	case "redis":
		r := cfg.Storage.Redis
		hist, err := cache.NewRedisHistory(ctx, cache.Options{
			Address:   r.Address,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		})
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, hist.Close)
		deps.History = hist
		logger.Info("using redis history storage", zap.String("address", r.Address))

	default:
		logger.Info("no history storage configured, keeping state in memory")
	}

	if ac := cfg.AuditConfig(); ac != nil {
		journal, err := audit.NewLogger(ac, logger.Named("audit"))
		if err != nil {
			return rt, fmt.Errorf("failed to open anomaly journal: %w", err)
		}
		rt.journal = journal
		deps.Journal = journal
	}

	rt.pipeline, err = analytics.NewPipeline(engineCfg, cfg.PipelineConfig(), deps)
	if err != nil {
		return rt, err
	}
	_ = rt.journal.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription("configuration loaded").
		WithMetadata("storage", cfg.Storage.Backend))
	return rt, nil
}

// Close stops the pipeline and releases storage in reverse open order.
func (rt *runtime) Close() error {
	if rt.pipeline != nil {
		rt.pipeline.Stop()
	}
	var errs []error
	if err := rt.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
