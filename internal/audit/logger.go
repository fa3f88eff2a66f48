package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Logger is the append-only anomaly journal.
type Logger interface {
	// Log buffers an event
	Log(ctx context.Context, event *Event) error

	// LogAnomaly journals a detected anomaly
	LogAnomaly(ctx context.Context, ev types.AnomalyEvent) error

	// Model and engine lifecycle
	LogModelTrained(ctx context.Context, version uint64, samples int) error
	LogEngineInitialized(ctx context.Context, jointSamples int, learnedMetrics int) error
	LogEngineReset(ctx context.Context) error

	// LogConfigReload journals a configuration reload and its outcome
	LogConfigReload(ctx context.Context, err error) error

	// LogRetentionPrune journals a retention sweep
	LogRetentionPrune(ctx context.Context, removed int64, err error) error

	// Sync flushes buffered entries
	Sync() error

	// Close stops the flusher and flushes
	Close() error
}

// Config represents journal configuration
type Config struct {
	// Path is the journal file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration

	// BufferSize is the number of events that forces a flush
	BufferSize int
}

// DefaultConfig returns default journal configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "logs/anomalies.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
		BufferSize:    100,
	}
}

// journal implements Logger
type journal struct {
	out         *zap.Logger
	errLog      *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a journal writing JSON lines to a rotated file.
// errLog receives marshal failures and may be nil.
func NewLogger(config *Config, errLog *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if errLog == nil {
		errLog = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Journal entries are always INFO, append-only
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	j := &journal{
		out:         zap.New(core),
		errLog:      errLog,
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}

	go j.autoFlush()

	return j, nil
}

// Log buffers an event and flushes when the buffer is full
func (j *journal) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.buffer = append(j.buffer, event)
	if len(j.buffer) >= j.config.BufferSize {
		return j.flushLocked()
	}
	return nil
}

// flushLocked writes the buffer (caller must hold lock)
func (j *journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}

	for _, event := range j.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			j.errLog.Error("failed to marshal journal event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		j.out.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	j.buffer = j.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (j *journal) autoFlush() {
	for {
		select {
		case <-j.flushTicker.C:
			j.mu.Lock()
			_ = j.flushLocked()
			j.mu.Unlock()
		case <-j.stopCh:
			return
		}
	}
}

// LogAnomaly journals a detected anomaly
func (j *journal) LogAnomaly(ctx context.Context, ev types.AnomalyEvent) error {
	event := NewEvent(EventAnomalyDetected).
		WithCorrelationID(ev.ID).
		WithServer(ev.ServerID).
		WithMetric(string(ev.DominantMetric)).
		WithSeverity(string(ev.Severity)).
		WithResult(ResultSuccess).
		WithMetadata("score", ev.Score).
		WithMetadata("consensus", ev.Consensus).
		WithMetadata("votes", ev.Votes).
		WithMetadata("values", ev.Values).
		WithDescription(fmt.Sprintf("%s anomaly on %s (score %.2f)", ev.Severity, ev.ServerID, ev.Score))
	event.Timestamp = ev.DetectedAt.UTC()

	return j.Log(ctx, event)
}

// LogModelTrained journals an isolation forest install
func (j *journal) LogModelTrained(ctx context.Context, version uint64, samples int) error {
	event := NewEvent(EventModelTrained).
		WithResult(ResultSuccess).
		WithMetadata("version", version).
		WithMetadata("samples", samples).
		WithDescription(fmt.Sprintf("Isolation forest v%d trained on %d samples", version, samples))

	return j.Log(ctx, event)
}

// LogEngineInitialized journals a bulk initialisation
func (j *journal) LogEngineInitialized(ctx context.Context, jointSamples int, learnedMetrics int) error {
	event := NewEvent(EventEngineInitialized).
		WithResult(ResultSuccess).
		WithMetadata("joint_samples", jointSamples).
		WithMetadata("learned_metrics", learnedMetrics).
		WithDescription("Engine initialized from history")

	return j.Log(ctx, event)
}

// LogEngineReset journals an engine reset
func (j *journal) LogEngineReset(ctx context.Context) error {
	event := NewEvent(EventEngineReset).
		WithResult(ResultSuccess).
		WithDescription("Engine state cleared")

	return j.Log(ctx, event)
}

// LogConfigReload journals a configuration reload
func (j *journal) LogConfigReload(ctx context.Context, err error) error {
	event := NewEvent(EventConfigReload).
		WithResult(ResultSuccess).
		WithError(err).
		WithDescription("Configuration reloaded")

	return j.Log(ctx, event)
}

// LogRetentionPrune journals a retention sweep
func (j *journal) LogRetentionPrune(ctx context.Context, removed int64, err error) error {
	event := NewEvent(EventRetentionPrune).
		WithResult(ResultSuccess).
		WithError(err).
		WithMetadata("removed", removed).
		WithDescription(fmt.Sprintf("Pruned %d stored samples", removed))

	return j.Log(ctx, event)
}

// Sync flushes buffered entries
func (j *journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return err
	}
	return j.out.Sync()
}

// Close stops the flusher and flushes
func (j *journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.stopCh)
		j.flushTicker.Stop()
	})
	return j.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// nopLogger discards everything.
type nopLogger struct{}

// NewNop returns a journal that drops every event.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogAnomaly(context.Context, types.AnomalyEvent) error { return nil }
func (nopLogger) LogModelTrained(context.Context, uint64, int) error { return nil }
func (nopLogger) LogEngineInitialized(context.Context, int, int) error { return nil }
func (nopLogger) LogEngineReset(context.Context) error { return nil }
func (nopLogger) LogConfigReload(context.Context, error) error { return nil }
func (nopLogger) LogRetentionPrune(context.Context, int64, error) error { return nil }
func (nopLogger) Sync() error { return nil }
func (nopLogger) Close() error { return nil }
