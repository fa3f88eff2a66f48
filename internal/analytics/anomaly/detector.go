package anomaly

// Package anomaly provides single-metric anomaly detection using classical
// statistics.
//
// Responsibilities:
//   - Score the current value of one metric against its trailing window
//   - Report the expected band (mean ± k·σ) and how far outside it the value is
//   - Grade the deviation into low / medium / high severity
//   - Degrade to a neutral, zero-confidence verdict when history is too short
//
// Z-Score Method:
//   - deviation = (value - mean) / max(stddev, ε)
//   - anomaly when |deviation| > k (k ≈ 2, i.e. ~95% two-sided)
//   - severity bands at k, 1.5·k and 2·k
//
// Confidence blends two signals:
//   - how far past the high band the deviation is
//   - whether the window holds enough samples to trust the estimate
//
// The detector is stateless; the caller owns the window.

import (
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Config tunes the z-score detector.
type Config struct {
	// WindowSize is the number of trailing samples considered.
	WindowSize int
	// K is the z-score threshold above which a value is anomalous.
	K float64
	// MediumMultiple and HighMultiple scale K into the severity bands.
	MediumMultiple float64
	HighMultiple   float64
	// FullTrustSamples is the window length at which the sample-size term
	// of the confidence saturates.
	FullTrustSamples int
}

// DefaultConfig returns the stock detector parameters.
func DefaultConfig() Config {
	return Config{
		WindowSize:       30,
		K:                2.0,
		MediumMultiple:   1.5,
		HighMultiple:     2.0,
		FullTrustSamples: 30,
	}
}

const (
	maxWindowSize = 10000
	epsilon       = 1e-9
)

// Verdict is the z-score detector's opinion about one value.
type Verdict struct {
	IsAnomaly      bool           `json:"is_anomaly"`
	Severity       types.Severity `json:"severity"`
	Confidence     float64        `json:"confidence"`
	Deviation      float64        `json:"deviation"`
	Mean           float64        `json:"mean"`
	StdDev         float64        `json:"std_dev"`
	UpperThreshold float64        `json:"upper_threshold"`
	LowerThreshold float64        `json:"lower_threshold"`
	WindowSize     int            `json:"window_size"`
}

// Detector is the z-score detector. The zero value is not usable; build one
// with NewDetector.
type Detector struct {
	cfg Config
}

// NewDetector returns a detector, replacing out-of-range parameters with
// defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize < 2 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WindowSize > maxWindowSize {
		cfg.WindowSize = maxWindowSize
	}
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.MediumMultiple < 1 {
		cfg.MediumMultiple = def.MediumMultiple
	}
	if cfg.HighMultiple < cfg.MediumMultiple {
		cfg.HighMultiple = cfg.MediumMultiple
	}
	if cfg.FullTrustSamples < 2 {
		cfg.FullTrustSamples = def.FullTrustSamples
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }
