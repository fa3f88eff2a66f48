package ml

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// normalFleet returns n joint samples clustered around typical utilisation.
func normalFleet(n int, seed int64) []types.MultiMetricSample {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	out := make([]types.MultiMetricSample, n)
	for i := range out {
		out[i] = types.MultiMetricSample{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			CPU:       45 + rng.NormFloat64()*3,
			Memory:    60 + rng.NormFloat64()*3,
			Disk:      40 + rng.NormFloat64()*2,
			Network:   30 + rng.NormFloat64()*4,
		}
	}
	return out
}

func seeded() Config {
	cfg := DefaultConfig()
	cfg.Seed = 42
	return cfg
}

func TestDetector_UntrainedIsNeutral(t *testing.T) {
	d := NewDetector(seeded(), nil)

	v := d.Detect(types.MultiMetricSample{CPU: 99, Memory: 99, Disk: 99, Network: 99})
	assert.False(t, v.IsAnomaly)
	assert.Zero(t, v.Score)
	assert.False(t, d.Status().Trained)
}

func TestDetector_FitRequiresMinimumSamples(t *testing.T) {
	d := NewDetector(seeded(), nil)

	assert.False(t, d.Fit(normalFleet(49, 1)))
	assert.False(t, d.Trained())
	assert.Zero(t, d.Version())

	assert.True(t, d.Fit(normalFleet(50, 1)))
	assert.True(t, d.Trained())
	assert.Equal(t, uint64(1), d.Version())
}

func TestDetector_FitIgnoresNonFinite(t *testing.T) {
	d := NewDetector(seeded(), nil)
	samples := normalFleet(50, 1)
	samples[3].CPU = math.NaN()

	assert.False(t, d.Fit(samples), "only 49 usable samples")
}

func TestDetector_ScoresOutlierAboveNormal(t *testing.T) {
	d := NewDetector(seeded(), nil)
	require.True(t, d.Fit(normalFleet(300, 7)))

	normal := d.Detect(types.MultiMetricSample{CPU: 45, Memory: 60, Disk: 40, Network: 30})
	outlier := d.Detect(types.MultiMetricSample{CPU: 98, Memory: 97, Disk: 95, Network: 99})

	assert.False(t, normal.IsAnomaly, "score %.3f", normal.Score)
	assert.True(t, outlier.IsAnomaly, "score %.3f", outlier.Score)
	assert.Greater(t, outlier.Score, normal.Score)
	assert.Less(t, outlier.PathLength, normal.PathLength)
	assert.LessOrEqual(t, outlier.Score, 1.0)
}

func TestDetector_TypicalPointsScoreNearZero(t *testing.T) {
	d := NewDetector(seeded(), nil)
	fleet := normalFleet(200, 11)
	require.True(t, d.Fit(fleet))

	var sum float64
	flagged := 0
	for _, s := range fleet {
		v := d.Detect(s)
		sum += v.Score
		if v.IsAnomaly {
			flagged++
		}
	}
	assert.Less(t, sum/float64(len(fleet)), 0.2)
	assert.Less(t, flagged, len(fleet)/10)

	centre := d.Detect(types.MultiMetricSample{CPU: 45, Memory: 60, Disk: 40, Network: 30})
	assert.LessOrEqual(t, centre.Score, 0.05)

	outlier := d.Detect(types.MultiMetricSample{CPU: 98, Memory: 97, Disk: 95, Network: 99})
	assert.Greater(t, outlier.Score, DefaultConfig().Threshold)
}

func TestDetector_VerdictVersionMatchesModel(t *testing.T) {
	d := NewDetector(seeded(), nil)
	require.True(t, d.Fit(normalFleet(60, 1)))
	require.True(t, d.Fit(normalFleet(60, 2)))

	v := d.Detect(types.MultiMetricSample{CPU: 45, Memory: 60, Disk: 40, Network: 30})
	assert.Equal(t, uint64(2), v.ModelVersion)
	assert.Equal(t, d.model.Load().Version(), v.ModelVersion)
	assert.Equal(t, d.Version(), v.ModelVersion)
}

func TestRescale(t *testing.T) {
	assert.Zero(t, rescale(0.3), "deeper than expected clamps to zero")
	assert.Zero(t, rescale(0.5))
	assert.InDelta(t, 0.2, rescale(0.6), 1e-12)
	assert.Equal(t, 1.0, rescale(1))
}

func TestDetector_ContributionsNormalized(t *testing.T) {
	d := NewDetector(seeded(), nil)
	require.True(t, d.Fit(normalFleet(200, 3)))

	v := d.Detect(types.MultiMetricSample{CPU: 95, Memory: 60, Disk: 40, Network: 30})
	sum := 0.0
	for _, c := range v.Contribution {
		assert.GreaterOrEqual(t, c, 0.0)
		sum += c
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, v.Contribution[0], v.ContributionOf(types.MetricCPU))
}

func TestDetector_SeedIsDeterministic(t *testing.T) {
	a := NewDetector(seeded(), nil)
	b := NewDetector(seeded(), nil)
	fleet := normalFleet(120, 9)
	require.True(t, a.Fit(fleet))
	require.True(t, b.Fit(fleet))

	q := types.MultiMetricSample{CPU: 70, Memory: 50, Disk: 45, Network: 10}
	assert.Equal(t, a.Detect(q).Score, b.Detect(q).Score)
}

func TestDetector_Reset(t *testing.T) {
	d := NewDetector(seeded(), nil)
	require.True(t, d.Fit(normalFleet(60, 2)))

	d.Reset()
	assert.False(t, d.Trained())
	assert.Zero(t, d.Detect(types.MultiMetricSample{CPU: 99}).Score)
}

func TestDetector_IdenticalSamples(t *testing.T) {
	d := NewDetector(seeded(), nil)
	flat := make([]types.MultiMetricSample, 60)
	for i := range flat {
		flat[i] = types.MultiMetricSample{CPU: 50, Memory: 50, Disk: 50, Network: 50}
	}
	require.True(t, d.Fit(flat))

	v := d.Detect(types.MultiMetricSample{CPU: 50, Memory: 50, Disk: 50, Network: 50})
	assert.False(t, math.IsNaN(v.Score))
	assert.Equal(t, [types.NumMetrics]float64{}, v.Contribution, "no splits were crossed")
}

func TestDetector_TryFitSingleFlight(t *testing.T) {
	d := NewDetector(seeded(), nil)
	d.building.Store(true)
	assert.False(t, d.TryFit(normalFleet(60, 1)))
	assert.False(t, d.Trained())

	d.building.Store(false)
	assert.True(t, d.TryFit(normalFleet(60, 1)))
	assert.False(t, d.Status().Building)
}

func TestDetector_ConcurrentDetectDuringFit(t *testing.T) {
	d := NewDetector(seeded(), nil)
	require.True(t, d.Fit(normalFleet(100, 1)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				v := d.Detect(types.MultiMetricSample{CPU: 45, Memory: 60, Disk: 40, Network: 30})
				assert.True(t, v.Score >= 0 && v.Score <= 1)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		d.TryFit(normalFleet(100, int64(i)))
	}
	wg.Wait()
	assert.GreaterOrEqual(t, d.Version(), uint64(2))
}

func TestConfig_Caps(t *testing.T) {
	cfg := Config{NumTrees: 1 << 20, SubSampleSize: 1 << 20, MaxDepth: 1000}.normalized()
	assert.Equal(t, maxTrees, cfg.NumTrees)
	assert.Equal(t, maxSubSampleSize, cfg.SubSampleSize)
	assert.Equal(t, maxTreeDepth, cfg.MaxDepth)
}

func TestAveragePathLength(t *testing.T) {
	assert.Zero(t, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.24, averagePathLength(256), 0.05)
}
