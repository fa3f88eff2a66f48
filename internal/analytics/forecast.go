package analytics

import (
	"time"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// PredictTrend projects the buffered history of one metric.
func (c *Coordinator) PredictTrend(serverID string, m types.Metric, horizon time.Duration) forecasting.TrendResult {
	return c.forecaster.PredictTrend(c.Window(serverID, m), horizon)
}

// PredictEnhanced forecasts one metric from its buffered history,
// including breach and recovery estimates.
func (c *Coordinator) PredictEnhanced(serverID string, m types.Metric) forecasting.ForecastResult {
	return c.forecaster.PredictEnhanced(c.Window(serverID, m), m)
}
