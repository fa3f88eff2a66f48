package anomaly

import (
	"math"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Detect scores current against the trailing window. Windows with fewer
// than two finite points yield a neutral verdict with zero confidence.
func (d *Detector) Detect(current float64, window []types.MetricSample) Verdict {
	if len(window) > d.cfg.WindowSize {
		window = window[len(window)-d.cfg.WindowSize:]
	}

	values := make([]float64, 0, len(window))
	for _, s := range window {
		if types.IsFinite(s.Value) {
			values = append(values, s.Value)
		}
	}

	if len(values) < 2 || !types.IsFinite(current) {
		v := Verdict{Severity: types.SeverityNone, WindowSize: len(values)}
		if len(values) == 1 {
			v.Mean = values[0]
			v.UpperThreshold = values[0]
			v.LowerThreshold = values[0]
		}
		return v
	}

	mean, stdDev := meanStdDev(values)
	deviation := (current - mean) / math.Max(stdDev, epsilon)
	abs := math.Abs(deviation)

	v := Verdict{
		IsAnomaly:      abs > d.cfg.K,
		Deviation:      deviation,
		Mean:           mean,
		StdDev:         stdDev,
		UpperThreshold: mean + d.cfg.K*stdDev,
		LowerThreshold: mean - d.cfg.K*stdDev,
		WindowSize:     len(values),
		Severity:       types.SeverityNone,
	}
	if v.IsAnomaly {
		v.Severity = d.severity(abs)
	}
	v.Confidence = d.confidence(abs, len(values))
	return v
}

// severity maps |deviation| onto the configured bands.
func (d *Detector) severity(abs float64) types.Severity {
	switch {
	case abs > d.cfg.HighMultiple*d.cfg.K:
		return types.SeverityHigh
	case abs > d.cfg.MediumMultiple*d.cfg.K:
		return types.SeverityMedium
	}
	return types.SeverityLow
}

func (d *Detector) confidence(abs float64, n int) float64 {
	magnitude := math.Min(abs/(d.cfg.HighMultiple*d.cfg.K), 1)
	sufficiency := math.Min(float64(n)/float64(d.cfg.FullTrustSamples), 1)
	return math.Min(0.7*magnitude+0.3*sufficiency, 1)
}

// meanStdDev returns the mean and sample standard deviation of values,
// which must hold at least two elements.
func meanStdDev(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return mean, math.Sqrt(variance)
}
