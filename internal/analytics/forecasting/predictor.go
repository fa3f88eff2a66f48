package forecasting

// Package forecasting projects where a metric is headed and when it will
// cross its warning or critical threshold, or recover below its recovery
// threshold.
//
// Model:
//   - Ordinary least squares over the most recent RegressionWindow points,
//     x = seconds since the first point in the window
//   - R² = 1 - SSres/SStot, reported as 0 when the window is flat
//   - Projection from the last observed timestamp
//
// Trend:
//   - slope is normalised to a fraction of the current value per hour
//   - above SlopeThreshold => increasing, below -SlopeThreshold => decreasing
//
// Percentage metrics:
//   - A projection that overshoots the critical threshold while the metric
//     is still below it is damped exponentially toward 100
//   - Results are clamped to [0, 100]
//
// Breach and recovery times are solved on the fitted line and are only
// reported when they fall within MaxBreachHorizon.

import (
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Config tunes the forecaster.
type Config struct {
	RegressionWindow int           `json:"regression_window"`
	SlopeThreshold   float64       `json:"slope_threshold"`
	Horizon          time.Duration `json:"horizon"`
	MaxBreachHorizon time.Duration `json:"max_breach_horizon"`
}

// DefaultConfig returns one hour of 5-minute samples and a 10%/hour trend
// threshold.
func DefaultConfig() Config {
	return Config{
		RegressionWindow: 12,
		SlopeThreshold:   0.1,
		Horizon:          time.Hour,
		MaxBreachHorizon: 24 * time.Hour,
	}
}

const maxRegressionWindow = 10000

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.RegressionWindow < 2 {
		c.RegressionWindow = def.RegressionWindow
	}
	if c.RegressionWindow > maxRegressionWindow {
		c.RegressionWindow = maxRegressionWindow
	}
	if c.SlopeThreshold <= 0 {
		c.SlopeThreshold = def.SlopeThreshold
	}
	if c.Horizon <= 0 {
		c.Horizon = def.Horizon
	}
	if c.MaxBreachHorizon <= 0 {
		c.MaxBreachHorizon = def.MaxBreachHorizon
	}
	return c
}

// Trend is the direction a metric is moving.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// TrendResult is the output of PredictTrend.
type TrendResult struct {
	Trend      Trend         `json:"trend"`
	Prediction float64       `json:"prediction"`
	Confidence float64       `json:"confidence"`
	Horizon    time.Duration `json:"horizon"`
	Details    TrendDetails  `json:"details"`
}

// TrendDetails carries the fit behind a TrendResult.
type TrendDetails struct {
	Fit            RegressionFit `json:"fit"`
	CurrentValue   float64       `json:"current_value"`
	PercentPerHour float64       `json:"percent_per_hour"`
	Lower95        float64       `json:"lower_95"`
	Upper95        float64       `json:"upper_95"`
	Sufficiency    float64       `json:"data_sufficiency"`
	AsOf           time.Time     `json:"as_of"`
}

// Breach estimates when the fitted line reaches each threshold. A nil time
// means no crossing is predicted within the breach horizon.
type Breach struct {
	WillBreachWarning  bool           `json:"will_breach_warning"`
	TimeToWarning      *time.Duration `json:"time_to_warning,omitempty"`
	WillBreachCritical bool           `json:"will_breach_critical"`
	TimeToCritical     *time.Duration `json:"time_to_critical,omitempty"`
}

// Recovery estimates when a degraded metric falls back below its recovery
// threshold.
type Recovery struct {
	WillRecover    bool           `json:"will_recover"`
	TimeToRecovery *time.Duration `json:"time_to_recovery,omitempty"`
}

// ForecastResult is the output of PredictEnhanced.
type ForecastResult struct {
	Metric         types.Metric     `json:"metric"`
	Status         types.Status     `json:"status"`
	Thresholds     types.Thresholds `json:"thresholds"`
	Trend          Trend            `json:"trend"`
	CurrentValue   float64          `json:"current_value"`
	PredictedValue float64          `json:"predicted_value"`
	RawPrediction  float64          `json:"raw_prediction"`
	Saturated      bool             `json:"saturated"`
	Confidence     float64          `json:"confidence"`
	Horizon        time.Duration    `json:"horizon"`
	Fit            RegressionFit    `json:"fit"`
	Breach         Breach           `json:"breach"`
	Recovery       Recovery         `json:"recovery"`
}

// Forecaster is stateless apart from its configuration and threshold table
// and may be shared freely.
type Forecaster struct {
	cfg        Config
	thresholds types.ThresholdTable
}

// New returns a forecaster. A nil table selects the default thresholds.
func New(cfg Config, thresholds types.ThresholdTable) *Forecaster {
	if thresholds == nil {
		thresholds = types.DefaultThresholds()
	}
	return &Forecaster{cfg: cfg.normalized(), thresholds: thresholds}
}

// Config returns the effective configuration.
func (f *Forecaster) Config() Config { return f.cfg }

// Thresholds returns the limits used for m.
func (f *Forecaster) Thresholds(m types.Metric) types.Thresholds { return f.thresholds.For(m) }
