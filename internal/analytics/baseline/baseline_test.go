package baseline

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Monday 2025-01-06 00:00 UTC.
var monday = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

// dailyPattern yields `days` days of hourly samples: 80 during 09:00-17:00,
// 20 otherwise, with a ±1 wobble.
func dailyPattern(days int) []types.MetricSample {
	var out []types.MetricSample
	for h := 0; h < days*24; h++ {
		ts := monday.Add(time.Duration(h) * time.Hour)
		v := 20.0
		if ts.Hour() >= 9 && ts.Hour() < 17 {
			v = 80
		}
		if h%2 == 0 {
			v++
		} else {
			v--
		}
		out = append(out, types.MetricSample{Timestamp: ts, Value: v})
	}
	return out
}

func TestBucket_MeanStdDev(t *testing.T) {
	var b Bucket
	assert.Zero(t, b.Mean())
	assert.Zero(t, b.StdDev())

	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		b.Add(v, monday)
	}
	assert.Equal(t, 8, b.Count)
	assert.InDelta(t, 5.0, b.Mean(), 1e-12)
	assert.InDelta(t, 2.0, b.StdDev(), 1e-12)
}

func TestBucket_StdDevNeverNaN(t *testing.T) {
	var b Bucket
	for i := 0; i < 1000; i++ {
		b.Add(0.1+1e9, monday)
	}
	assert.False(t, math.IsNaN(b.StdDev()))
}

func TestEvaluate_AbstainsWithoutHistory(t *testing.T) {
	b := New(DefaultConfig())
	_, ok := b.Evaluate(types.MetricCPU, 50, monday)
	assert.False(t, ok)

	b.Observe(types.MetricCPU, types.MetricSample{Timestamp: monday, Value: 50})
	_, ok = b.Evaluate(types.MetricCPU, 50, monday)
	assert.False(t, ok, "a single sample is not a baseline")
}

func TestEvaluate_LearnsTimeOfDay(t *testing.T) {
	b := New(DefaultConfig())
	require.Equal(t, 14*24, b.Learn(types.MetricCPU, dailyPattern(14)))

	// 80% is normal at 10:00, anomalous at 03:00.
	nextMonday := monday.Add(14 * 24 * time.Hour)
	busy, ok := b.Evaluate(types.MetricCPU, 80, nextMonday.Add(10*time.Hour))
	require.True(t, ok)
	assert.False(t, busy.IsAnomaly)
	assert.Equal(t, DirectionNormal, busy.Direction)

	night, ok := b.Evaluate(types.MetricCPU, 80, nextMonday.Add(3*time.Hour))
	require.True(t, ok)
	assert.True(t, night.IsAnomaly)
	assert.Equal(t, DirectionHigh, night.Direction)
	assert.Greater(t, night.Deviation, 0.0)
	assert.Greater(t, night.UpperBound, night.ExpectedMean)

	low, ok := b.Evaluate(types.MetricCPU, 0, nextMonday.Add(10*time.Hour))
	require.True(t, ok)
	assert.Equal(t, DirectionLow, low.Direction)
}

func TestEvaluate_ConfidenceCapped(t *testing.T) {
	b := New(DefaultConfig())
	b.Learn(types.MetricMemory, dailyPattern(3))

	v, ok := b.Evaluate(types.MetricMemory, 20, monday.Add(3*24*time.Hour+2*time.Hour))
	require.True(t, ok)
	// Thursday 02:00: three samples in the hour slot, none for the weekday.
	assert.Equal(t, 3, v.HourSamples)
	assert.Zero(t, v.DaySamples)
	assert.InDelta(t, 3.0/60, v.Confidence, 1e-12)

	b.Learn(types.MetricMemory, dailyPattern(60))
	v, _ = b.Evaluate(types.MetricMemory, 20, monday.Add(2*time.Hour))
	assert.Equal(t, 1.0, v.Confidence)
}

func TestEvaluate_SparseBucketsFallBackToPrior(t *testing.T) {
	b := New(DefaultConfig())
	// 40 samples all at 12:00 on Mondays, value 50.
	for i := 0; i < 40; i++ {
		ts := monday.Add(time.Duration(i)*7*24*time.Hour + 12*time.Hour)
		b.Observe(types.MetricDisk, types.MetricSample{Timestamp: ts, Value: 50})
	}

	// Tuesday 03:00 has empty slots, so the prior decides.
	v, ok := b.Evaluate(types.MetricDisk, 50, monday.Add(24*time.Hour+3*time.Hour))
	require.True(t, ok)
	assert.InDelta(t, 50, v.ExpectedMean, 1e-9)
	assert.Zero(t, v.HourSamples)
	assert.Zero(t, v.Confidence)
	assert.False(t, v.IsAnomaly)
}

func TestEvaluate_MinStdDevFloor(t *testing.T) {
	b := New(DefaultConfig())
	for i := 0; i < 20; i++ {
		b.Observe(types.MetricNetwork, types.MetricSample{Timestamp: monday.Add(time.Duration(i) * time.Minute), Value: 30})
	}
	v, ok := b.Evaluate(types.MetricNetwork, 30.5, monday)
	require.True(t, ok)
	assert.False(t, v.IsAnomaly)
	assert.Equal(t, 0.5, v.ExpectedStdDev)
}

func TestObserve_IgnoresNonFinite(t *testing.T) {
	b := New(DefaultConfig())
	b.Observe(types.MetricCPU, types.MetricSample{Timestamp: monday, Value: math.NaN()})
	b.Observe(types.MetricCPU, types.MetricSample{Timestamp: monday, Value: math.Inf(-1)})
	assert.False(t, b.Learned(types.MetricCPU))
}

func TestLocation_ShiftsBuckets(t *testing.T) {
	tz := time.FixedZone("UTC+3", 3*3600)
	cfg := DefaultConfig()
	cfg.Location = tz
	b := New(cfg)
	b.Observe(types.MetricCPU, types.MetricSample{Timestamp: monday, Value: 10})

	hour, day := b.Bucket(types.MetricCPU, monday)
	assert.Equal(t, 1, hour.Count)
	assert.Equal(t, 1, day.Count)
	hour, _ = b.Bucket(types.MetricCPU, monday.Add(-3*time.Hour))
	assert.Zero(t, hour.Count, "midnight UTC is 03:00 in the bucket zone")
}

func TestStatusAndReset(t *testing.T) {
	b := New(DefaultConfig())
	b.Learn(types.MetricMemory, dailyPattern(1))
	b.Learn(types.MetricCPU, dailyPattern(1))

	st := b.Status()
	assert.Equal(t, []types.Metric{types.MetricCPU, types.MetricMemory}, st.Metrics)
	assert.Equal(t, 24, st.Samples[types.MetricCPU])

	b.Reset()
	assert.Empty(t, b.Status().Metrics)
}

func TestConcurrentObserveEvaluate(t *testing.T) {
	b := New(DefaultConfig())
	var wg sync.WaitGroup
	for _, m := range types.AllMetrics {
		wg.Add(1)
		go func(m types.Metric) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ts := monday.Add(time.Duration(i) * time.Minute)
				b.Observe(m, types.MetricSample{Timestamp: ts, Value: float64(i % 10)})
				b.Evaluate(m, 5, ts)
			}
		}(m)
	}
	wg.Wait()
	for _, m := range types.AllMetrics {
		assert.Equal(t, 500, b.Status().Samples[m])
	}
}

func TestUnknownMetric(t *testing.T) {
	b := New(DefaultConfig())
	assert.Zero(t, b.Learn(types.Metric("gpu"), dailyPattern(1)))
	_, ok := b.Evaluate(types.Metric("gpu"), 1, monday)
	assert.False(t, ok)
}
