package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface for the sentinel service.
type Store interface {
	HistoryStore
	AnomalyStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Metric history ──────────────────────────────────────────────────────────

// HistoryStore persists raw metric samples per server.
type HistoryStore interface {
	// Append stores the values observed for serverID at ts. A repeated
	// (server, metric, timestamp) overwrites the earlier value.
	Append(ctx context.Context, serverID string, ts time.Time, values map[types.Metric]float64) error

	// Range returns one metric's samples in [from, to], oldest first.
	Range(ctx context.Context, serverID string, m types.Metric, from, to time.Time) ([]types.MetricSample, error)

	// Joint returns the timestamps in [from, to] at which every metric was
	// stored, oldest first.
	Joint(ctx context.Context, serverID string, from, to time.Time) ([]types.MultiMetricSample, error)

	// Prune deletes samples older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Servers lists every server with stored samples.
	Servers(ctx context.Context) ([]string, error)
}

// ─── Anomaly events ──────────────────────────────────────────────────────────

// AnomalyStore persists anomaly events.
type AnomalyStore interface {
	// RecordAnomaly stores an event; the event ID must be unique.
	RecordAnomaly(ctx context.Context, ev types.AnomalyEvent) error

	// ListAnomalies returns matching events, newest first.
	ListAnomalies(ctx context.Context, f types.AnomalyFilter) ([]types.AnomalyEvent, error)

	// GetAnomaly retrieves a single event by ID.
	GetAnomaly(ctx context.Context, id string) (types.AnomalyEvent, error)

	// AnomalySummary returns counts grouped by severity for a time window.
	AnomalySummary(ctx context.Context, from, to time.Time) (map[types.Severity]int, error)

	// PruneAnomalies deletes events detected before the cutoff.
	PruneAnomalies(ctx context.Context, before time.Time) (int64, error)
}
