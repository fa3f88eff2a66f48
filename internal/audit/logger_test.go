package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

func newTestJournal(t *testing.T, bufferSize int) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anomalies.log")

	logger, err := NewLogger(&Config{
		Path:          path,
		MaxSize:       10,
		MaxBackups:    3,
		MaxAge:        7,
		FlushInterval: time.Hour,
		BufferSize:    bufferSize,
	}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func readJournal(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	return string(content)
}

func TestNewLogger(t *testing.T) {
	logger, _ := newTestJournal(t, 10)
	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(&Config{}, nil)
	if err == nil {
		t.Fatal("Expected error for empty path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Path != "logs/anomalies.log" {
		t.Errorf("Expected path 'logs/anomalies.log', got %s", config.Path)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", config.BufferSize)
	}
	if !config.Compress {
		t.Error("Expected compress to be true")
	}
}

func TestLogAnomaly(t *testing.T) {
	logger, path := newTestJournal(t, 10)

	ev := types.AnomalyEvent{
		ID:             "evt-1",
		ServerID:       "web-01",
		Timestamp:      time.Now(),
		DetectedAt:     time.Now(),
		Severity:       types.SeverityHigh,
		Score:          0.82,
		Consensus:      "partial",
		DominantMetric: types.MetricCPU,
		Votes:          []string{"statistical", "adaptive"},
		Values:         map[types.Metric]float64{types.MetricCPU: 97},
	}

	if err := logger.LogAnomaly(context.Background(), ev); err != nil {
		t.Fatalf("LogAnomaly failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logStr := readJournal(t, path)
	for _, want := range []string{"anomaly.detected", "web-01", "evt-1", "high"} {
		if !strings.Contains(logStr, want) {
			t.Errorf("Expected journal to contain %q", want)
		}
	}
}

func TestLifecycleEvents(t *testing.T) {
	logger, path := newTestJournal(t, 10)
	ctx := context.Background()

	_ = logger.LogModelTrained(ctx, 3, 256)
	_ = logger.LogEngineInitialized(ctx, 500, 4)
	_ = logger.LogEngineReset(ctx)
	_ = logger.LogConfigReload(ctx, errors.New("bad weights"))
	_ = logger.LogRetentionPrune(ctx, 42, nil)
	_ = logger.Sync()

	logStr := readJournal(t, path)
	for _, want := range []string{
		"model.trained", "engine.initialized", "engine.reset",
		"config.reload", "bad weights", "system.retention_prune",
	} {
		if !strings.Contains(logStr, want) {
			t.Errorf("Expected journal to contain %q", want)
		}
	}
	if !strings.Contains(logStr, `"result":"failure"`) {
		t.Error("Expected failed reload to be journaled as failure")
	}
}

func TestAutoFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anomalies.log")
	logger, err := NewLogger(&Config{
		Path:          path,
		FlushInterval: 100 * time.Millisecond,
		BufferSize:    100,
	}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	_ = logger.LogEngineReset(context.Background())

	// Wait for ticker
	time.Sleep(500 * time.Millisecond)

	if !strings.Contains(readJournal(t, path), "engine.reset") {
		t.Error("Expected event to be auto-flushed")
	}
}

func TestBufferFullFlush(t *testing.T) {
	logger, path := newTestJournal(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = logger.Log(ctx, NewEvent(EventModelTrained).WithResult(ResultSuccess))
	}

	// Buffer reached its size without Sync or ticker
	if c := strings.Count(readJournal(t, path), "model.trained"); c < 5 {
		t.Errorf("Expected 5 flushed events, got %d", c)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if id := GetCorrelationID(ctx); id != "" {
		t.Errorf("Expected empty correlation ID, got %s", id)
	}

	id := GenerateCorrelationID()
	if len(id) != 36 {
		t.Errorf("Expected UUID correlation ID, got %s", id)
	}
	ctx = WithCorrelationID(ctx, id)
	if got := GetCorrelationID(ctx); got != id {
		t.Errorf("Expected correlation ID %s, got %s", id, got)
	}
	if GenerateCorrelationID() == id {
		t.Error("Expected unique correlation IDs")
	}
}

func TestLogUsesContextCorrelationID(t *testing.T) {
	logger, path := newTestJournal(t, 10)
	ctx := WithCorrelationID(context.Background(), "req-123")

	_ = logger.LogEngineReset(ctx)
	_ = logger.Sync()

	if !strings.Contains(readJournal(t, path), "req-123") {
		t.Error("Expected correlation ID from context in journal")
	}
}

func TestEventBuilder(t *testing.T) {
	event := NewEvent(EventAnomalyDetected).
		WithCorrelationID("corr-1").
		WithServer("db-02").
		WithMetric("memory").
		WithSeverity("critical").
		WithDescription("memory spike").
		WithError(errors.New("boom")).
		WithDuration(250 * time.Millisecond).
		WithMetadata("score", 0.91)

	if event.ServerID != "db-02" || event.Metric != "memory" {
		t.Errorf("Unexpected subject: %s/%s", event.ServerID, event.Metric)
	}
	if event.Result != ResultFailure {
		t.Errorf("Expected failure result after WithError, got %s", event.Result)
	}
	if event.DurationMs != 250 {
		t.Errorf("Expected 250ms, got %d", event.DurationMs)
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["event_type"] != "anomaly.detected" {
		t.Errorf("Unexpected event_type %v", decoded["event_type"])
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	if err := logger.LogAnomaly(context.Background(), types.AnomalyEvent{}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}
