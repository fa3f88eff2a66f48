package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Timestamps are stored as unix nanoseconds (UTC).
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metric_samples (
    server_id   TEXT NOT NULL,
    metric      TEXT NOT NULL,
    ts          INTEGER NOT NULL,
    value       REAL NOT NULL,
    PRIMARY KEY (server_id, metric, ts)
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_ts ON metric_samples(ts);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS anomaly_events (
    id              TEXT PRIMARY KEY,
    server_id       TEXT NOT NULL,
    ts              INTEGER NOT NULL,
    detected_at     INTEGER NOT NULL,
    severity        TEXT NOT NULL,
    severity_rank   INTEGER NOT NULL,
    score           REAL NOT NULL DEFAULT 0.0,
    consensus       TEXT NOT NULL DEFAULT 'none',
    dominant_metric TEXT NOT NULL DEFAULT '',
    votes           TEXT NOT NULL DEFAULT '[]',
    metric_values   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_anomaly_ts          ON anomaly_events(ts DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_server      ON anomaly_events(server_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_anomaly_detected_at ON anomaly_events(detected_at);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Every connection to :memory: is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Metric history ──────────────────────────────────────────────────────────

func (s *sqliteStore) Append(ctx context.Context, serverID string, ts time.Time, values map[types.Metric]float64) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO metric_samples(server_id, metric, ts, value)
        VALUES(?,?,?,?)
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	nanos := ts.UTC().UnixNano()
	for m, v := range values {
		if !m.Valid() {
			return fmt.Errorf("append %s: unknown metric %q", serverID, m)
		}
		if _, err := stmt.ExecContext(ctx, serverID, string(m), nanos, v); err != nil {
			return fmt.Errorf("append %s/%s: %w", serverID, m, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Range(ctx context.Context, serverID string, m types.Metric, from, to time.Time) ([]types.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT ts, value FROM metric_samples
        WHERE server_id = ? AND metric = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC
    `, serverID, string(m), from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []types.MetricSample
	for rows.Next() {
		var nanos int64
		var sample types.MetricSample
		if err := rows.Scan(&nanos, &sample.Value); err != nil {
			return nil, err
		}
		sample.Timestamp = time.Unix(0, nanos).UTC()
		result = append(result, sample)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Joint(ctx context.Context, serverID string, from, to time.Time) ([]types.MultiMetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT ts,
            MAX(CASE WHEN metric = 'cpu'     THEN value END),
            MAX(CASE WHEN metric = 'memory'  THEN value END),
            MAX(CASE WHEN metric = 'disk'    THEN value END),
            MAX(CASE WHEN metric = 'network' THEN value END)
        FROM metric_samples
        WHERE server_id = ? AND ts >= ? AND ts <= ?
        GROUP BY ts
        HAVING COUNT(DISTINCT metric) = 4
        ORDER BY ts ASC
    `, serverID, from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []types.MultiMetricSample
	for rows.Next() {
		var nanos int64
		var sample types.MultiMetricSample
		if err := rows.Scan(&nanos, &sample.CPU, &sample.Memory, &sample.Disk, &sample.Network); err != nil {
			return nil, err
		}
		sample.Timestamp = time.Unix(0, nanos).UTC()
		result = append(result, sample)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE ts < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqliteStore) Servers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT server_id FROM metric_samples ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// ─── Anomaly events ──────────────────────────────────────────────────────────

const anomalyColumns = `id,server_id,ts,detected_at,severity,score,consensus,dominant_metric,votes,metric_values`

func (s *sqliteStore) RecordAnomaly(ctx context.Context, ev types.AnomalyEvent) error {
	if ev.ID == "" {
		return errors.New("record anomaly: empty id")
	}
	votes, err := json.Marshal(ev.Votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}
	values, err := json.Marshal(ev.Values)
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO anomaly_events(id, server_id, ts, detected_at, severity, severity_rank, score, consensus, dominant_metric, votes, metric_values)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
    `,
		ev.ID, ev.ServerID, ev.Timestamp.UTC().UnixNano(), ev.DetectedAt.UTC().UnixNano(),
		string(ev.Severity), ev.Severity.Rank(), ev.Score, ev.Consensus,
		string(ev.DominantMetric), string(votes), string(values),
	)
	return err
}

func (s *sqliteStore) ListAnomalies(ctx context.Context, f types.AnomalyFilter) ([]types.AnomalyEvent, error) {
	var where []string
	args := []any{}

	if f.ServerID != "" {
		where = append(where, `server_id = ?`)
		args = append(args, f.ServerID)
	}
	if f.MinSeverity != "" {
		where = append(where, `severity_rank >= ?`)
		args = append(args, f.MinSeverity.Rank())
	}
	if !f.Since.IsZero() {
		where = append(where, `ts >= ?`)
		args = append(args, f.Since.UTC().UnixNano())
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomaly_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY ts DESC, detected_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []types.AnomalyEvent{}
	for rows.Next() {
		ev, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *sqliteStore) GetAnomaly(ctx context.Context, id string) (types.AnomalyEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomaly_events WHERE id = ?`, id)
	ev, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AnomalyEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, from, to time.Time) (map[types.Severity]int, error) {
	query := `SELECT severity, COUNT(*) FROM anomaly_events WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UTC().UnixNano())
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UTC().UnixNano())
	}
	query += ` GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[types.Severity]int{}
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, err
		}
		summary[types.Severity(sev)] = count
	}
	return summary, rows.Err()
}

func (s *sqliteStore) PruneAnomalies(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM anomaly_events WHERE detected_at < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (types.AnomalyEvent, error) {
	var (
		ev                types.AnomalyEvent
		ts, detected      int64
		severity, metric  string
		votes, valuesJSON string
	)
	if err := row.Scan(&ev.ID, &ev.ServerID, &ts, &detected, &severity, &ev.Score,
		&ev.Consensus, &metric, &votes, &valuesJSON); err != nil {
		return types.AnomalyEvent{}, err
	}
	ev.Timestamp = time.Unix(0, ts).UTC()
	ev.DetectedAt = time.Unix(0, detected).UTC()
	ev.Severity = types.Severity(severity)
	ev.DominantMetric = types.Metric(metric)
	if err := json.Unmarshal([]byte(votes), &ev.Votes); err != nil {
		return types.AnomalyEvent{}, fmt.Errorf("decode votes of %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(valuesJSON), &ev.Values); err != nil {
		return types.AnomalyEvent{}, fmt.Errorf("decode values of %s: %w", ev.ID, err)
	}
	return ev, nil
}
