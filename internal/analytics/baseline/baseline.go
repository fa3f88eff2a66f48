package baseline

// Package baseline models the expected value of each metric by recurring
// time context. Every metric keeps 24 hour-of-day buckets, 7 day-of-week
// buckets and a global prior; a query blends the hour and weekday slots by
// configured weights, scaled down when a slot holds few samples, with the
// missing weight given to the global prior.

import (
	"math"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Direction tells which expected bound a value crossed.
type Direction string

const (
	DirectionHigh   Direction = "high"
	DirectionLow    Direction = "low"
	DirectionNormal Direction = "normal"
)

// Config tunes the baseline.
type Config struct {
	HourlyWeight          float64 `json:"hourly_weight"`
	DailyWeight           float64 `json:"daily_weight"`
	MinSamplesPerBucket   int     `json:"min_samples_per_bucket"`
	BaseSigma             float64 `json:"base_sigma"`
	MinStdDev             float64 `json:"min_std_dev"`
	FullConfidenceSamples int     `json:"full_confidence_samples"`

	// MinGlobalSamples is the prior size below which Evaluate abstains.
	MinGlobalSamples int            `json:"min_global_samples"`
	Location         *time.Location `json:"-"`
}

// DefaultConfig returns the stock blend.
func DefaultConfig() Config {
	return Config{
		HourlyWeight:          0.6,
		DailyWeight:           0.4,
		MinSamplesPerBucket:   10,
		BaseSigma:             2.5,
		MinStdDev:             0.5,
		FullConfidenceSamples: 30,
		MinGlobalSamples:      2,
		Location:              time.UTC,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.HourlyWeight < 0 || c.DailyWeight < 0 || c.HourlyWeight+c.DailyWeight <= 0 {
		c.HourlyWeight, c.DailyWeight = def.HourlyWeight, def.DailyWeight
	}
	if sum := c.HourlyWeight + c.DailyWeight; sum > 1 {
		c.HourlyWeight /= sum
		c.DailyWeight /= sum
	}
	if c.MinSamplesPerBucket < 1 {
		c.MinSamplesPerBucket = def.MinSamplesPerBucket
	}
	if c.BaseSigma <= 0 {
		c.BaseSigma = def.BaseSigma
	}
	if c.MinStdDev < 0 {
		c.MinStdDev = 0
	}
	if c.FullConfidenceSamples < 1 {
		c.FullConfidenceSamples = def.FullConfidenceSamples
	}
	if c.MinGlobalSamples < 2 {
		c.MinGlobalSamples = def.MinGlobalSamples
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Verdict is the baseline's opinion about one value.
type Verdict struct {
	IsAnomaly      bool      `json:"is_anomaly"`
	Direction      Direction `json:"direction"`
	Deviation      float64   `json:"deviation"`
	ExpectedMean   float64   `json:"expected_mean"`
	ExpectedStdDev float64   `json:"expected_std_dev"`
	UpperBound     float64   `json:"upper_bound"`
	LowerBound     float64   `json:"lower_bound"`
	Confidence     float64   `json:"confidence"`
	HourSamples    int       `json:"hour_samples"`
	DaySamples     int       `json:"day_samples"`
}

// Status lists the metrics that have learned anything.
type Status struct {
	Metrics []types.Metric       `json:"metrics"`
	Samples map[types.Metric]int `json:"samples"`
}

type metricState struct {
	mu sync.RWMutex
	s  series
}

// Baseline is safe for concurrent use; each metric has its own lock.
type Baseline struct {
	cfg     Config
	metrics [types.NumMetrics]metricState
}

// New returns an empty baseline.
func New(cfg Config) *Baseline {
	return &Baseline{cfg: cfg.normalized()}
}

// Config returns the effective configuration.
func (b *Baseline) Config() Config { return b.cfg }

func (b *Baseline) state(m types.Metric) *metricState {
	i := m.Index()
	if i < 0 {
		return nil
	}
	return &b.metrics[i]
}

// Learn bulk-loads history for m. Non-finite values are skipped.
func (b *Baseline) Learn(m types.Metric, history []types.MetricSample) int {
	st := b.state(m)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, s := range history {
		if !types.IsFinite(s.Value) {
			continue
		}
		st.s.add(s.Value, s.Timestamp.In(b.cfg.Location))
		n++
	}
	return n
}

// Observe folds a single sample into the buckets of m.
func (b *Baseline) Observe(m types.Metric, s types.MetricSample) {
	st := b.state(m)
	if st == nil || !types.IsFinite(s.Value) {
		return
	}
	st.mu.Lock()
	st.s.add(s.Value, s.Timestamp.In(b.cfg.Location))
	st.mu.Unlock()
}

// Evaluate judges value at ts against the learned expectation for m. It
// returns false when m has not learned enough to form an expectation.
func (b *Baseline) Evaluate(m types.Metric, value float64, ts time.Time) (Verdict, bool) {
	st := b.state(m)
	if st == nil || !types.IsFinite(value) {
		return Verdict{}, false
	}
	ts = ts.In(b.cfg.Location)

	st.mu.RLock()
	hour := st.s.hourly[ts.Hour()]
	day := st.s.daily[int(ts.Weekday())]
	global := st.s.global
	st.mu.RUnlock()

	if global.Count < b.cfg.MinGlobalSamples {
		return Verdict{}, false
	}

	mean, std := b.blend(hour, day, global)
	std = math.Max(std, b.cfg.MinStdDev)
	v := Verdict{
		Direction:      DirectionNormal,
		ExpectedMean:   mean,
		ExpectedStdDev: std,
		UpperBound:     mean + b.cfg.BaseSigma*std,
		LowerBound:     mean - b.cfg.BaseSigma*std,
		HourSamples:    hour.Count,
		DaySamples:     day.Count,
	}
	v.Deviation = (value - mean) / math.Max(std, 1e-9)

	switch {
	case value > v.UpperBound:
		v.IsAnomaly, v.Direction = true, DirectionHigh
	case value < v.LowerBound:
		v.IsAnomaly, v.Direction = true, DirectionLow
	}
	v.Confidence = math.Min(1, float64(hour.Count+day.Count)/float64(2*b.cfg.FullConfidenceSamples))
	return v, true
}

// blend mixes the slot statistics. Each slot's weight is scaled by how
// close it is to the per-bucket floor; the remainder goes to the prior.
func (b *Baseline) blend(hour, day, global Bucket) (float64, float64) {
	floor := float64(b.cfg.MinSamplesPerBucket)
	wh := b.cfg.HourlyWeight * math.Min(1, float64(hour.Count)/floor)
	wd := b.cfg.DailyWeight * math.Min(1, float64(day.Count)/floor)
	wg := 1 - wh - wd

	total := wh + wd + wg
	mean := (wh*hour.Mean() + wd*day.Mean() + wg*global.Mean()) / total
	variance := (wh*sq(hour.StdDev()) + wd*sq(day.StdDev()) + wg*sq(global.StdDev())) / total
	return mean, math.Sqrt(variance)
}

func sq(x float64) float64 { return x * x }

// Bucket returns copies of the hour-of-day and day-of-week slots that ts
// falls in for m.
func (b *Baseline) Bucket(m types.Metric, ts time.Time) (hour, day Bucket) {
	st := b.state(m)
	if st == nil {
		return Bucket{}, Bucket{}
	}
	ts = ts.In(b.cfg.Location)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.hourly[ts.Hour()], st.s.daily[int(ts.Weekday())]
}

// Learned reports whether m has any samples.
func (b *Baseline) Learned(m types.Metric) bool {
	st := b.state(m)
	if st == nil {
		return false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.global.Count > 0
}

// Reset forgets everything.
func (b *Baseline) Reset() {
	for i := range b.metrics {
		st := &b.metrics[i]
		st.mu.Lock()
		st.s = series{}
		st.mu.Unlock()
	}
}

// Status lists learned metrics in feature order.
func (b *Baseline) Status() Status {
	st := Status{Metrics: []types.Metric{}, Samples: make(map[types.Metric]int)}
	for i, m := range types.AllMetrics {
		ms := &b.metrics[i]
		ms.mu.RLock()
		n := ms.s.global.Count
		ms.mu.RUnlock()
		if n > 0 {
			st.Metrics = append(st.Metrics, m)
			st.Samples[m] = n
		}
	}
	return st
}
