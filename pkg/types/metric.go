package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Metric identifies one of the closed set of infrastructure metrics the
// engine understands. All values are percentages in [0, 100].
type Metric string

const (
	MetricCPU     Metric = "cpu"
	MetricMemory  Metric = "memory"
	MetricDisk    Metric = "disk"
	MetricNetwork Metric = "network"
)

// NumMetrics is the dimensionality of a MultiMetricSample.
const NumMetrics = 4

// AllMetrics lists every metric in feature order.
var AllMetrics = [NumMetrics]Metric{MetricCPU, MetricMemory, MetricDisk, MetricNetwork}

// Index returns the feature index of m, or -1 for an unknown metric.
func (m Metric) Index() int {
	switch m {
	case MetricCPU:
		return 0
	case MetricMemory:
		return 1
	case MetricDisk:
		return 2
	case MetricNetwork:
		return 3
	}
	return -1
}

// Valid reports whether m is one of the known metrics.
func (m Metric) Valid() bool { return m.Index() >= 0 }

// IsPercentage reports whether m is bounded to [0, 100].
func (m Metric) IsPercentage() bool { return m.Valid() }

func (m Metric) String() string { return string(m) }

// ParseMetric accepts the canonical names plus a few common aliases.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu", "cpu_usage":
		return MetricCPU, nil
	case "memory", "mem", "memory_usage":
		return MetricMemory, nil
	case "disk", "disk_usage":
		return MetricDisk, nil
	case "network", "net", "network_usage":
		return MetricNetwork, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// MetricSample is a single observation of one metric.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MultiMetricSample is a joint observation of all metrics for one server.
type MultiMetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Disk      float64   `json:"disk"`
	Network   float64   `json:"network"`
}

// Vector returns the sample in AllMetrics order.
func (s MultiMetricSample) Vector() [NumMetrics]float64 {
	return [NumMetrics]float64{s.CPU, s.Memory, s.Disk, s.Network}
}

// Value returns the value recorded for m, or NaN for an unknown metric.
func (s MultiMetricSample) Value(m Metric) float64 {
	idx := m.Index()
	if idx < 0 {
		return math.NaN()
	}
	return s.Vector()[idx]
}

// Sample projects a single metric out of the joint sample.
func (s MultiMetricSample) Sample(m Metric) MetricSample {
	return MetricSample{Timestamp: s.Timestamp, Value: s.Value(m)}
}

// Finite reports whether every component is a finite number.
func (s MultiMetricSample) Finite() bool {
	for _, v := range s.Vector() {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Severity ranks how serious an anomaly is.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}
