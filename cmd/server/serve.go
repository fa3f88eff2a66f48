package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/config"
	"github.com/kubilitics/kubilitics-sentinel/internal/server"
)

func newServeCmd() *cobra.Command {
	o := overrides{grpcPort: -1}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection service",
		Long: `serve loads the configuration, opens the history store, warms the models up
from stored history and exposes the REST API, the /ws/anomalies stream,
Prometheus metrics and a gRPC health service until interrupted.

Threshold changes in the config file are applied without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), o)
		},
	}
	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "HTTP port (overrides config)")
	cmd.Flags().IntVar(&o.grpcPort, "grpc-port", -1, "gRPC health port, 0 disables (overrides config)")
	cmd.Flags().StringVar(&o.storage, "storage", "", "history backend: sqlite, redis or memory (overrides config)")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level (overrides config)")
	return cmd
}

func runServe(ctx context.Context, o overrides) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, cfg, err := loadConfig(ctx, configPath, o)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("failed to close runtime", zap.Error(err))
		}
	}()

	if cfg.Pipeline.WarmupOnStart {
		start := time.Now()
		rep, err := rt.pipeline.Warmup(ctx)
		if err != nil {
			// Detection still works; the models learn from the stream instead.
			logger.Warn("warmup from history failed", zap.Error(err))
		} else {
			logger.Info("models warmed up from history",
				zap.Int("joint_samples", rep.JointSamples),
				zap.Bool("forest_trained", rep.IsolationForestTrained),
				zap.Duration("took", time.Since(start)))
		}
	}

	// Workers must outlive the signal so queued samples drain on Stop.
	rt.pipeline.Start(context.WithoutCancel(ctx))

	srv, err := server.NewServer(server.Options{
		Port:            cfg.Server.Port,
		GRPCPort:        cfg.Server.GRPCPort,
		TLSEnabled:      cfg.Server.TLSEnabled,
		TLSCertPath:     cfg.Server.TLSCertPath,
		TLSKeyPath:      cfg.Server.TLSKeyPath,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		Version:         version,
		Storage:         cfg.Storage.Backend,
		IngestRateLimit: cfg.Server.IngestRateLimit,
	}, server.Dependencies{
		Pipeline:  rt.pipeline,
		Anomalies: rt.anomalies,
		Journal:   rt.journal,
		Logger:    logger.Named("server"),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	go watchConfig(ctx, mgr, rt, o)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return srv.Stop()
}

// watchConfig applies threshold changes from the config file. Engine and
// storage settings are read once at startup.
func watchConfig(ctx context.Context, mgr config.ConfigManager, rt *runtime, o overrides) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			o.apply(&cfg)
			rt.pipeline.SetThresholds(cfg.ThresholdTable())
			if err := rt.journal.LogConfigReload(ctx, nil); err != nil {
				rt.logger.Warn("failed to journal config reload", zap.Error(err))
			}
			rt.logger.Info("configuration reloaded, thresholds updated",
				zap.Any("thresholds", cfg.ThresholdTable()))
		}
	}
}
