package forecasting

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// RegressionFit is a least-squares line over a window. X is measured in
// seconds from Origin.
type RegressionFit struct {
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
	RSquared  float64   `json:"r_squared"`
	StdError  float64   `json:"std_error"`
	N         int       `json:"n"`
	Origin    time.Time `json:"origin"`
	End       time.Time `json:"end"`
}

// At evaluates the line at ts.
func (r RegressionFit) At(ts time.Time) float64 {
	return r.Intercept + r.Slope*ts.Sub(r.Origin).Seconds()
}

// elapsed returns the x coordinate of the last point.
func (r RegressionFit) elapsed() float64 { return r.End.Sub(r.Origin).Seconds() }

// window trims history to the trailing finite points the fit uses.
func (f *Forecaster) window(history []types.MetricSample) []types.MetricSample {
	out := make([]types.MetricSample, 0, min(len(history), f.cfg.RegressionWindow))
	for i := len(history) - 1; i >= 0 && len(out) < f.cfg.RegressionWindow; i-- {
		if types.IsFinite(history[i].Value) {
			out = append(out, history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Fit runs ordinary least squares over the trailing window of history.
func (f *Forecaster) Fit(history []types.MetricSample) RegressionFit {
	return fitLine(f.window(history))
}

func fitLine(points []types.MetricSample) RegressionFit {
	fit := RegressionFit{N: len(points)}
	if len(points) == 0 {
		return fit
	}
	fit.Origin = points[0].Timestamp
	fit.End = points[len(points)-1].Timestamp
	if len(points) == 1 {
		fit.Intercept = points[0].Value
		return fit
	}

	n := float64(len(points))
	var sumX, sumY, sumXY, sumX2 float64
	for _, p := range points {
		x := p.Timestamp.Sub(fit.Origin).Seconds()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if math.Abs(denom) < 1e-12 {
		fit.Intercept = sumY / n
	} else {
		fit.Slope = (n*sumXY - sumX*sumY) / denom
		fit.Intercept = (sumY - fit.Slope*sumX) / n
	}

	mean := sumY / n
	var ssTot, ssRes float64
	for _, p := range points {
		pred := fit.At(p.Timestamp)
		ssRes += (p.Value - pred) * (p.Value - pred)
		ssTot += (p.Value - mean) * (p.Value - mean)
	}
	if ssTot < 1e-12 {
		fit.RSquared = 0
	} else {
		fit.RSquared = 1 - ssRes/ssTot
	}
	if len(points) > 2 {
		fit.StdError = math.Sqrt(ssRes / (n - 2))
	}
	return fit
}

// safeFloat returns 0 if v is NaN or Inf so results stay JSON-serializable.
func safeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// ParseHorizon parses strings like "30m", "1h", "1d", "1w".
func ParseHorizon(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid horizon %q", s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	unit := s[len(s)-1]
	num, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse horizon %q", s)
	}
	switch unit {
	case 'd':
		return time.Duration(num * 24 * float64(time.Hour)), nil
	case 'w':
		return time.Duration(num * 7 * 24 * float64(time.Hour)), nil
	}
	return 0, fmt.Errorf("unknown horizon unit %q in %q", string(unit), s)
}
