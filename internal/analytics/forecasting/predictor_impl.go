package forecasting

import (
	"math"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// PredictTrend fits the trailing window and projects it horizon past the
// last observation. Fewer than two points yields a stable trend with zero
// confidence.
func (f *Forecaster) PredictTrend(history []types.MetricSample, horizon time.Duration) TrendResult {
	if horizon < 0 {
		horizon = 0
	}
	points := f.window(history)
	fit := fitLine(points)

	res := TrendResult{Trend: TrendStable, Horizon: horizon, Details: TrendDetails{Fit: fit}}
	if len(points) == 0 {
		return res
	}
	current := points[len(points)-1].Value
	res.Details.CurrentValue = current
	res.Details.AsOf = fit.End
	res.Prediction = current
	res.Details.Lower95, res.Details.Upper95 = current, current
	if len(points) < 2 {
		return res
	}

	res.Prediction = safeFloat(fit.At(fit.End.Add(horizon)))
	margin := 1.96 * fit.StdError
	res.Details.Lower95 = safeFloat(res.Prediction - margin)
	res.Details.Upper95 = safeFloat(res.Prediction + margin)

	perHour := fit.Slope * 3600 / math.Max(math.Abs(current), 1)
	res.Details.PercentPerHour = safeFloat(perHour)
	switch {
	case perHour > f.cfg.SlopeThreshold:
		res.Trend = TrendIncreasing
	case perHour < -f.cfg.SlopeThreshold:
		res.Trend = TrendDecreasing
	}

	res.Details.Sufficiency = f.sufficiency(len(points))
	res.Confidence = math.Min(1, 0.7*math.Max(0, fit.RSquared)+0.3*res.Details.Sufficiency)
	return res
}

// sufficiency ramps from 0 at two points to 1 at a full window.
func (f *Forecaster) sufficiency(n int) float64 {
	if f.cfg.RegressionWindow <= 2 {
		if n >= 2 {
			return 1
		}
		return 0
	}
	s := float64(n-2) / float64(f.cfg.RegressionWindow-2)
	return math.Min(math.Max(s, 0), 1)
}

// PredictEnhanced forecasts m over the configured horizon and estimates
// threshold breach and recovery times.
func (f *Forecaster) PredictEnhanced(history []types.MetricSample, m types.Metric) ForecastResult {
	th := f.thresholds.For(m)
	tr := f.PredictTrend(history, f.cfg.Horizon)
	fit := tr.Details.Fit
	current := tr.Details.CurrentValue

	res := ForecastResult{
		Metric:         m,
		Thresholds:     th,
		Status:         th.Status(current),
		Trend:          tr.Trend,
		CurrentValue:   current,
		RawPrediction:  tr.Prediction,
		PredictedValue: tr.Prediction,
		Confidence:     tr.Confidence,
		Horizon:        f.cfg.Horizon,
		Fit:            fit,
	}
	if fit.N == 0 {
		res.Status = types.StatusOnline
		return res
	}

	if m.IsPercentage() {
		res.PredictedValue, res.Saturated = saturate(tr.Prediction, current, th.Critical)
	}
	res.Breach = f.breach(fit, res.Status, th)
	res.Recovery = f.recovery(fit, res.Status, th)
	return res
}

// saturate damps a projection that overshoots critical while the current
// value is still below it, then clamps to [0, 100].
func saturate(raw, current, critical float64) (float64, bool) {
	adjusted := raw
	damped := false
	if raw > critical && current < critical && critical < 100 {
		headroom := 100 - critical
		overshoot := raw - critical
		adjusted = critical + headroom*(1-math.Exp(-overshoot/headroom))
		damped = true
	}
	return math.Min(math.Max(adjusted, 0), 100), damped
}

func (f *Forecaster) breach(fit RegressionFit, status types.Status, th types.Thresholds) Breach {
	var b Breach
	zero := time.Duration(0)

	switch status {
	case types.StatusCritical:
		b.WillBreachWarning, b.TimeToWarning = true, durationPtr(zero)
		b.WillBreachCritical, b.TimeToCritical = true, durationPtr(zero)
		return b
	case types.StatusWarning:
		b.WillBreachWarning, b.TimeToWarning = true, durationPtr(zero)
	default:
		if d, ok := f.crossing(fit, th.Warning, true); ok {
			b.WillBreachWarning, b.TimeToWarning = true, &d
		}
	}
	if d, ok := f.crossing(fit, th.Critical, true); ok {
		b.WillBreachCritical, b.TimeToCritical = true, &d
	}
	return b
}

func (f *Forecaster) recovery(fit RegressionFit, status types.Status, th types.Thresholds) Recovery {
	if !status.Degraded() {
		return Recovery{}
	}
	if d, ok := f.crossing(fit, th.Recovery, false); ok {
		return Recovery{WillRecover: true, TimeToRecovery: &d}
	}
	return Recovery{}
}

// crossing solves the fitted line for target, measured from the last
// observation. rising selects the slope sign that can reach it. Crossings
// already behind the last observation clamp to zero; those beyond the
// breach horizon are not reported.
func (f *Forecaster) crossing(fit RegressionFit, target float64, rising bool) (time.Duration, bool) {
	if fit.N < 2 {
		return 0, false
	}
	if (rising && fit.Slope <= 0) || (!rising && fit.Slope >= 0) {
		return 0, false
	}
	secs := (target-fit.Intercept)/fit.Slope - fit.elapsed()
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, false
	}
	if secs < 0 {
		secs = 0
	}
	if secs > f.cfg.MaxBreachHorizon.Seconds() {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func durationPtr(d time.Duration) *time.Duration { return &d }
