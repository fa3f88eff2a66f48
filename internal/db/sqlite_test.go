package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func allMetrics(cpu, mem, disk, net float64) map[types.Metric]float64 {
	return map[types.Metric]float64{
		types.MetricCPU:     cpu,
		types.MetricMemory:  mem,
		types.MetricDisk:    disk,
		types.MetricNetwork: net,
	}
}

// ─── Metric history ──────────────────────────────────────────────────────────

func TestAppendAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := s.Append(ctx, "web-01", ts, map[types.Metric]float64{types.MetricCPU: float64(40 + i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Range(ctx, "web-01", types.MetricCPU, base.Add(time.Minute), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].Value != 41 || got[2].Value != 43 {
		t.Errorf("unexpected values %v", got)
	}
	if !got[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("expected timestamp %v, got %v", base.Add(time.Minute), got[0].Timestamp)
	}

	// Other metrics and servers are separate
	none, err := s.Range(ctx, "web-01", types.MetricMemory, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no memory samples, got %d", len(none))
	}
}

func TestAppendOverwritesSameTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Append(ctx, "web-01", base, map[types.Metric]float64{types.MetricDisk: 10})
	_ = s.Append(ctx, "web-01", base, map[types.Metric]float64{types.MetricDisk: 20})

	got, _ := s.Range(ctx, "web-01", types.MetricDisk, base, base)
	if len(got) != 1 || got[0].Value != 20 {
		t.Errorf("expected single overwritten sample, got %v", got)
	}
}

func TestAppendRejectsUnknownMetric(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), "web-01", base, map[types.Metric]float64{"gpu": 1})
	if err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestJointOnlyCompleteTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Append(ctx, "db-01", base, allMetrics(10, 20, 30, 40))
	// Partial sample is not joint
	_ = s.Append(ctx, "db-01", base.Add(time.Minute), map[types.Metric]float64{types.MetricCPU: 11})
	_ = s.Append(ctx, "db-01", base.Add(2*time.Minute), allMetrics(12, 22, 32, 42))

	got, err := s.Joint(ctx, "db-01", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Joint: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 joint samples, got %d", len(got))
	}
	want := types.MultiMetricSample{Timestamp: base.Add(2 * time.Minute), CPU: 12, Memory: 22, Disk: 32, Network: 42}
	if got[1] != want {
		t.Errorf("expected %+v, got %+v", want, got[1])
	}
}

func TestPruneAndServers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Append(ctx, "b", base.Add(-48*time.Hour), allMetrics(1, 1, 1, 1))
	_ = s.Append(ctx, "a", base, allMetrics(2, 2, 2, 2))

	servers, err := s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 2 || servers[0] != "a" || servers[1] != "b" {
		t.Errorf("expected [a b], got %v", servers)
	}

	removed, err := s.Prune(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 4 {
		t.Errorf("expected 4 rows removed, got %d", removed)
	}

	servers, _ = s.Servers(ctx)
	if len(servers) != 1 || servers[0] != "a" {
		t.Errorf("expected [a], got %v", servers)
	}
}

// ─── Anomaly events ──────────────────────────────────────────────────────────

func event(server string, sev types.Severity, offset time.Duration) types.AnomalyEvent {
	return types.AnomalyEvent{
		ID:             uuid.NewString(),
		ServerID:       server,
		Timestamp:      base.Add(offset),
		DetectedAt:     base.Add(offset + time.Millisecond),
		Severity:       sev,
		Score:          0.8,
		Consensus:      "partial",
		DominantMetric: types.MetricCPU,
		Votes:          []string{"statistical", "adaptive"},
		Values:         map[types.Metric]float64{types.MetricCPU: 97.5},
	}
}

func TestRecordAndGetAnomaly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := event("web-01", types.SeverityHigh, 0)
	if err := s.RecordAnomaly(ctx, ev); err != nil {
		t.Fatalf("RecordAnomaly: %v", err)
	}

	got, err := s.GetAnomaly(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetAnomaly: %v", err)
	}
	if got.ServerID != "web-01" || got.Severity != types.SeverityHigh {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Values[types.MetricCPU] != 97.5 {
		t.Errorf("expected cpu 97.5, got %v", got.Values)
	}
	if len(got.Votes) != 2 || got.Votes[1] != "adaptive" {
		t.Errorf("unexpected votes %v", got.Votes)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("expected timestamp %v, got %v", ev.Timestamp, got.Timestamp)
	}

	// Duplicate IDs are rejected
	if err := s.RecordAnomaly(ctx, ev); err == nil {
		t.Error("expected duplicate id to fail")
	}

	if _, err := s.GetAnomaly(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAnomaliesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.RecordAnomaly(ctx, event("web-01", types.SeverityLow, 0))
	_ = s.RecordAnomaly(ctx, event("web-01", types.SeverityCritical, time.Minute))
	_ = s.RecordAnomaly(ctx, event("db-01", types.SeverityMedium, 2*time.Minute))

	all, err := s.ListAnomalies(ctx, types.AnomalyFilter{})
	if err != nil {
		t.Fatalf("ListAnomalies: %v", err)
	}
	if len(all) != 3 || all[0].ServerID != "db-01" {
		t.Fatalf("expected 3 events newest first, got %+v", all)
	}

	web, _ := s.ListAnomalies(ctx, types.AnomalyFilter{ServerID: "web-01"})
	if len(web) != 2 {
		t.Errorf("expected 2 web-01 events, got %d", len(web))
	}

	severe, _ := s.ListAnomalies(ctx, types.AnomalyFilter{MinSeverity: types.SeverityMedium})
	if len(severe) != 2 {
		t.Errorf("expected 2 events >= medium, got %d", len(severe))
	}

	recent, _ := s.ListAnomalies(ctx, types.AnomalyFilter{Since: base.Add(30 * time.Second)})
	if len(recent) != 2 {
		t.Errorf("expected 2 events since cutoff, got %d", len(recent))
	}

	limited, _ := s.ListAnomalies(ctx, types.AnomalyFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestAnomalySummaryAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.RecordAnomaly(ctx, event("a", types.SeverityHigh, 0))
	_ = s.RecordAnomaly(ctx, event("b", types.SeverityHigh, time.Minute))
	_ = s.RecordAnomaly(ctx, event("c", types.SeverityLow, 2*time.Minute))

	summary, err := s.AnomalySummary(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("AnomalySummary: %v", err)
	}
	if summary[types.SeverityHigh] != 2 || summary[types.SeverityLow] != 1 {
		t.Errorf("unexpected summary %v", summary)
	}

	removed, err := s.PruneAnomalies(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("PruneAnomalies: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 events pruned, got %d", removed)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	_ = s.Append(context.Background(), "web-01", base, allMetrics(1, 2, 3, 4))
	_ = s.Close()

	// Reopen runs migrate again against the existing schema
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Joint(context.Background(), "web-01", base, base)
	if err != nil {
		t.Fatalf("Joint: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected persisted sample after reopen, got %d", len(got))
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
