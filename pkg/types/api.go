package types

import (
	"fmt"
	"time"
)

// These types define the REST API contracts of the sentinel service.

// Request types

// SampleRequest submits one observation for a server. Either Metric and
// Value name a single metric, or Values carries several metrics keyed by
// name. Timestamp defaults to the time of receipt.
type SampleRequest struct {
	ServerID  string             `json:"server_id"`
	Timestamp *time.Time         `json:"timestamp,omitempty"`
	Metric    string             `json:"metric,omitempty"`
	Value     *float64           `json:"value,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
}

// Normalize resolves metric names and validates the request.
func (r SampleRequest) Normalize() (map[Metric]float64, error) {
	if r.ServerID == "" {
		return nil, fmt.Errorf("server_id is required")
	}

	out := make(map[Metric]float64, len(r.Values)+1)
	if r.Metric != "" || r.Value != nil {
		if r.Metric == "" || r.Value == nil {
			return nil, fmt.Errorf("metric and value must be given together")
		}
		m, err := ParseMetric(r.Metric)
		if err != nil {
			return nil, err
		}
		out[m] = *r.Value
	}
	for name, v := range r.Values {
		m, err := ParseMetric(name)
		if err != nil {
			return nil, err
		}
		if _, dup := out[m]; dup {
			return nil, fmt.Errorf("metric %s given twice", m)
		}
		out[m] = v
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no metric values given")
	}
	for m, v := range out {
		if !IsFinite(v) {
			return nil, fmt.Errorf("value for %s is not finite", m)
		}
	}
	return out, nil
}

// BatchSampleRequest submits many observations in order.
type BatchSampleRequest struct {
	Samples []SampleRequest `json:"samples"`
}

// TrendRequest asks for a trend projection of one metric.
type TrendRequest struct {
	ServerID string `json:"server_id"`
	Metric   string `json:"metric"`
	Horizon  string `json:"horizon"` // e.g. "30m", "6h", "2d"
}

// InitializeRequest seeds the learned models. With FromStore set the
// models are warmed up from the configured history store instead.
type InitializeRequest struct {
	FromStore   bool                      `json:"from_store"`
	MultiMetric []MultiMetricSample       `json:"multi_metric,omitempty"`
	PerMetric   map[Metric][]MetricSample `json:"per_metric,omitempty"`
}

// Response types

// AcceptedResponse acknowledges asynchronously queued samples.
type AcceptedResponse struct {
	Accepted   int `json:"accepted"`
	QueueDepth int `json:"queue_depth"`
}

// AnomalyListResponse lists recorded anomalies, newest first.
type AnomalyListResponse struct {
	Anomalies []AnomalyEvent `json:"anomalies"`
	Count     int            `json:"count"`
}

// AnomalySummaryResponse counts anomalies by severity over a window.
type AnomalySummaryResponse struct {
	From   time.Time        `json:"from"`
	To     time.Time        `json:"to"`
	Counts map[Severity]int `json:"counts"`
	Total  int              `json:"total"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Storage   string    `json:"storage"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
