package analytics

import (
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Input is one sample entering the coordinator: either a single metric or
// a joint sample, keyed by server.
type Input struct {
	ServerID  string
	Timestamp time.Time
	Values    [types.NumMetrics]float64
	Present   [types.NumMetrics]bool
}

// SingleInput wraps a single-metric sample.
func SingleInput(serverID string, m types.Metric, s types.MetricSample) Input {
	in := Input{ServerID: serverID, Timestamp: s.Timestamp}
	if i := m.Index(); i >= 0 {
		in.Values[i] = s.Value
		in.Present[i] = true
	}
	return in
}

// MultiInput wraps a joint sample.
func MultiInput(serverID string, s types.MultiMetricSample) Input {
	in := Input{ServerID: serverID, Timestamp: s.Timestamp, Values: s.Vector()}
	for i := range in.Present {
		in.Present[i] = true
	}
	return in
}

// usable reports which metrics are present and finite.
func (in Input) usable() (mask [types.NumMetrics]bool, found bool) {
	for i := range in.Values {
		if in.Present[i] && types.IsFinite(in.Values[i]) {
			mask[i] = true
			found = true
		}
	}
	return mask, found
}

// joint returns the sample as a MultiMetricSample when all four metrics are
// usable.
func (in Input) joint(mask [types.NumMetrics]bool) (types.MultiMetricSample, bool) {
	for _, ok := range mask {
		if !ok {
			return types.MultiMetricSample{}, false
		}
	}
	return types.MultiMetricSample{
		Timestamp: in.Timestamp,
		CPU:       in.Values[0],
		Memory:    in.Values[1],
		Disk:      in.Values[2],
		Network:   in.Values[3],
	}, true
}

// Historical seeds the learned models. Missing per-metric history is
// projected from the joint samples.
type Historical struct {
	MultiMetric []types.MultiMetricSample             `json:"multiMetric,omitempty"`
	PerMetric   map[types.Metric][]types.MetricSample `json:"perMetric,omitempty"`
}

// InitReport summarises what Initialize learned.
type InitReport struct {
	IsolationForestTrained bool                 `json:"isolationForestTrained"`
	JointSamples           int                  `json:"jointSamples"`
	LearnedMetrics         map[types.Metric]int `json:"learnedMetrics"`
}

// complete reports whether every metric is present.
func (in Input) complete() bool {
	for _, ok := range in.Present {
		if !ok {
			return false
		}
	}
	return true
}
