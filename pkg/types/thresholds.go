package types

import "fmt"

// Thresholds are the operator-defined limits for one metric.
type Thresholds struct {
	Warning  float64 `json:"warning" mapstructure:"warning"`
	Critical float64 `json:"critical" mapstructure:"critical"`
	Recovery float64 `json:"recovery" mapstructure:"recovery"`
}

// Validate checks that the limits are ordered recovery <= warning < critical.
func (t Thresholds) Validate() error {
	if t.Critical <= t.Warning {
		return fmt.Errorf("critical (%.2f) must be greater than warning (%.2f)", t.Critical, t.Warning)
	}
	if t.Recovery > t.Warning {
		return fmt.Errorf("recovery (%.2f) must not exceed warning (%.2f)", t.Recovery, t.Warning)
	}
	return nil
}

// Status classifies a value against the thresholds.
func (t Thresholds) Status(value float64) Status {
	switch {
	case value >= t.Critical:
		return StatusCritical
	case value >= t.Warning:
		return StatusWarning
	}
	return StatusOnline
}

// Status is the health state of a metric relative to its thresholds.
type Status string

const (
	StatusOnline   Status = "online"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Degraded reports whether the status is warning or critical.
func (s Status) Degraded() bool { return s == StatusWarning || s == StatusCritical }

// ThresholdTable is the read-only set of thresholds for every metric.
// Callers must not mutate a table after handing it to a component.
type ThresholdTable map[Metric]Thresholds

// DefaultThresholds returns the stock limits used when no configuration
// overrides them.
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		MetricCPU:     {Warning: 70, Critical: 85, Recovery: 65},
		MetricMemory:  {Warning: 75, Critical: 90, Recovery: 70},
		MetricDisk:    {Warning: 80, Critical: 90, Recovery: 75},
		MetricNetwork: {Warning: 70, Critical: 85, Recovery: 60},
	}
}

// For returns the thresholds for m, falling back to the defaults.
func (t ThresholdTable) For(m Metric) Thresholds {
	if th, ok := t[m]; ok {
		return th
	}
	return DefaultThresholds()[m]
}

// Validate checks every entry in the table.
func (t ThresholdTable) Validate() error {
	for m, th := range t {
		if !m.Valid() {
			return fmt.Errorf("thresholds: unknown metric %q", m)
		}
		if err := th.Validate(); err != nil {
			return fmt.Errorf("thresholds.%s: %w", m, err)
		}
	}
	return nil
}
