package types

import "time"

// AnomalyEvent is the persisted and streamed record of one anomalous
// verdict.
type AnomalyEvent struct {
	ID             string             `json:"id"`
	ServerID       string             `json:"server_id"`
	Timestamp      time.Time          `json:"timestamp"`
	DetectedAt     time.Time          `json:"detected_at"`
	Severity       Severity           `json:"severity"`
	Score          float64            `json:"score"`
	Consensus      string             `json:"consensus"`
	DominantMetric Metric             `json:"dominant_metric,omitempty"`
	Votes          []string           `json:"votes"`
	Values         map[Metric]float64 `json:"values"`
}

// AnomalyFilter narrows an anomaly listing. Zero fields match everything.
type AnomalyFilter struct {
	ServerID    string
	MinSeverity Severity
	Since       time.Time
	Limit       int
}

// Matches reports whether e passes every set criterion except Limit.
func (f AnomalyFilter) Matches(e AnomalyEvent) bool {
	if f.ServerID != "" && e.ServerID != f.ServerID {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
