package analytics

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/baseline"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

var epoch = time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.IsolationForest.Seed = 7
	return cfg
}

func newCoordinator(t *testing.T, cfg EngineConfig, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, opts...)
	require.NoError(t, err)
	return c
}

// joint returns a steady joint sample with a small deterministic wobble.
func joint(i int) types.MultiMetricSample {
	return types.MultiMetricSample{
		Timestamp: epoch.Add(time.Duration(i) * time.Minute),
		CPU:       40 + float64(i%7),
		Memory:    55 + float64(i%5),
		Disk:      35 + float64(i%3),
		Network:   20 + float64(i%11),
	}
}

func single(i int, m types.Metric, v float64) Input {
	return SingleInput("srv-1", m, types.MetricSample{Timestamp: epoch.Add(time.Duration(i) * time.Minute), Value: v})
}

func TestNewCoordinator_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"zero weights", func(c *EngineConfig) { c.Weights = Weights{} }},
		{"negative weight", func(c *EngineConfig) { c.Weights.Adaptive = -0.1 }},
		{"threshold above one", func(c *EngineConfig) { c.VotingThreshold = 1.2 }},
		{"threshold below zero", func(c *EngineConfig) { c.VotingThreshold = -0.01 }},
		{"zero buffer", func(c *EngineConfig) { c.StreamBufferSize = 0 }},
		{"huge buffer", func(c *EngineConfig) { c.StreamBufferSize = maxStreamBufferSize + 1 }},
		{"negative retrain interval", func(c *EngineConfig) { c.AutoTrainEvery = -1 }},
		{"training set larger than any buffer", func(c *EngineConfig) {
			c.IsolationForest.MinTrainingSamples = maxStreamBufferSize + 1
		}},
		{"nothing enabled", func(c *EngineConfig) {
			c.EnableStatistical, c.EnableIsolationForest, c.EnableAdaptive = false, false, false
		}},
		{"enabled strategy has no weight", func(c *EngineConfig) {
			c.EnableStatistical, c.EnableAdaptive = false, false
			c.Weights.IsolationForest = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := NewCoordinator(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestNewCoordinator_NormalizesWeights(t *testing.T) {
	cfg := testConfig()
	cfg.Weights = Weights{Statistical: 2, IsolationForest: 1, Adaptive: 1}
	c := newCoordinator(t, cfg)

	w := c.Config().Weights
	assert.InDelta(t, 0.5, w.Statistical, 1e-12)
	assert.InDelta(t, 0.25, w.IsolationForest, 1e-12)
	assert.InDelta(t, 1.0, w.Statistical+w.IsolationForest+w.Adaptive, 1e-12)
	assert.Equal(t, 30, c.Config().Statistical.WindowSize, "sub-configs report effective values")
}

func TestProcess_IsolationForestTrainsOnFiftiethSample(t *testing.T) {
	c := newCoordinator(t, testConfig())

	for i := 0; i < 49; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	assert.False(t, c.Stats().ModelsStatus.IsolationForestTrained)

	v := c.Process(MultiInput("srv-1", joint(49)))
	assert.Nil(t, v.Multivariate, "the triggering sample is scored before training")
	assert.True(t, c.Stats().ModelsStatus.IsolationForestTrained)

	v = c.Process(MultiInput("srv-1", joint(50)))
	require.NotNil(t, v.Multivariate)
	assert.Equal(t, uint64(1), v.Multivariate.ModelVersion)
}

func TestProcess_PeriodicRetrain(t *testing.T) {
	c := newCoordinator(t, testConfig())
	for i := 0; i < 50; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	require.Equal(t, uint64(1), c.Stats().ModelsStatus.IsolationForestVersion)

	for i := 50; i < 149; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	assert.Equal(t, uint64(1), c.Stats().ModelsStatus.IsolationForestVersion)

	c.Process(MultiInput("srv-1", joint(149)))
	c.Wait()
	assert.Equal(t, uint64(2), c.Stats().ModelsStatus.IsolationForestVersion)
	assert.Equal(t, uint64(2), c.Stats().Retrains)
}

func TestProcess_RetrainRunsInBackground(t *testing.T) {
	release := make(chan struct{})
	var triggers []string
	hook := func(version uint64, samples int, trigger string) {
		triggers = append(triggers, trigger)
		if version == 2 {
			<-release
		}
	}
	c := newCoordinator(t, testConfig(), WithRetrainHook(hook))
	for i := 0; i < 149; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}

	done := make(chan UnifiedVerdict)
	go func() { done <- c.Process(MultiInput("srv-1", joint(149))) }()
	select {
	case v := <-done:
		require.NotNil(t, v.Multivariate)
		assert.Equal(t, uint64(1), v.Multivariate.ModelVersion, "scored by the model in place")
	case <-time.After(2 * time.Second):
		t.Fatal("Process waited for the retrain")
	}

	close(release)
	c.Wait()
	assert.Equal(t, uint64(2), c.Stats().ModelsStatus.IsolationForestVersion)
	assert.Equal(t, []string{"stream", "stream"}, triggers)

	v := c.Process(MultiInput("srv-1", joint(150)))
	require.NotNil(t, v.Multivariate)
	assert.Equal(t, uint64(2), v.Multivariate.ModelVersion)
}

func TestProcess_SmallStreamBufferStillTrains(t *testing.T) {
	cfg := testConfig()
	cfg.StreamBufferSize = 30
	c := newCoordinator(t, cfg)
	for i := 0; i < 60; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	assert.True(t, c.Stats().ModelsStatus.IsolationForestTrained)
	assert.Len(t, c.JointWindow("srv-1"), 50, "joint ring holds a full training set")
	assert.Len(t, c.Window("srv-1", types.MetricCPU), 30)
}

// gaussianJoint draws joint samples around a fixed operating point.
func gaussianJoint(n int, seed int64) []types.MultiMetricSample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]types.MultiMetricSample, n)
	for i := range out {
		out[i] = types.MultiMetricSample{
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
			CPU:       45 + rng.NormFloat64()*5,
			Memory:    60 + rng.NormFloat64()*5,
			Disk:      40 + rng.NormFloat64()*3,
			Network:   30 + rng.NormFloat64()*6,
		}
	}
	return out
}

func TestProcess_IsolationForestQuietOnStationaryData(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStatistical, cfg.EnableAdaptive = false, false
	c := newCoordinator(t, cfg)

	samples := gaussianJoint(600, 3)
	flagged, scored := 0, 0
	var scoreSum float64
	for i, s := range samples {
		v := c.Process(MultiInput("srv-1", s))
		if i < 100 || v.Multivariate == nil {
			continue
		}
		scored++
		scoreSum += v.Multivariate.Score
		if v.IsAnomaly {
			flagged++
		}
	}
	c.Wait()

	require.Equal(t, 500, scored)
	assert.Less(t, scoreSum/float64(scored), 0.2, "typical points score near zero")
	assert.Less(t, float64(flagged)/float64(scored), 0.05, "false positive rate")
}

func TestProcess_AutoTrainOff(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTrain = false
	c := newCoordinator(t, cfg)
	for i := 0; i < 60; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	assert.False(t, c.Stats().ModelsStatus.IsolationForestTrained)
}

func TestCombine_StrictThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStatistical, cfg.EnableAdaptive = false, false
	cfg.VotingThreshold = 0.5
	c := newCoordinator(t, cfg)

	v := UnifiedVerdict{Multivariate: &ml.Verdict{Score: 0.5}}
	c.combine(&v)
	assert.Equal(t, 0.5, v.WeightedScore)
	assert.False(t, v.IsAnomaly)
	assert.Equal(t, types.SeverityNone, v.Severity)

	v = UnifiedVerdict{Multivariate: &ml.Verdict{Score: 0.51, IsAnomaly: false}}
	c.combine(&v)
	assert.True(t, v.IsAnomaly)
	assert.Equal(t, types.SeverityMedium, v.Severity)
	assert.Equal(t, ConsensusNone, v.Consensus, "the forest itself did not vote")
}

func TestCombine_Renormalizes(t *testing.T) {
	c := newCoordinator(t, testConfig())

	// Only the statistical strategy has an opinion: its score passes
	// through unchanged.
	v := UnifiedVerdict{}
	v.Statistical[0] = &anomaly.Verdict{IsAnomaly: true, Severity: types.SeverityMedium, Deviation: 3.5}
	c.combine(&v)
	assert.InDelta(t, 0.75, v.WeightedScore, 1e-12)
	assert.True(t, v.IsAnomaly)
	assert.Equal(t, types.SeverityHigh, v.Severity)

	// All three present: plain weighted sum.
	v = UnifiedVerdict{Multivariate: &ml.Verdict{Score: 0.8, IsAnomaly: true}}
	v.Statistical[1] = &anomaly.Verdict{IsAnomaly: true, Severity: types.SeverityHigh, Deviation: 9}
	v.Adaptive[1] = &baseline.Verdict{IsAnomaly: true, Deviation: 7}
	c.combine(&v)
	assert.InDelta(t, 0.4*0.95+0.3*0.8+0.3*1.0, v.WeightedScore, 1e-12)
	assert.Equal(t, ConsensusFull, v.Consensus)
	assert.Equal(t, []Strategy{StrategyStatistical, StrategyIsolationForest, StrategyAdaptive}, v.Votes)
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Equal(t, types.MetricMemory, v.DominantMetric)

	// Nothing present.
	v = UnifiedVerdict{}
	c.combine(&v)
	assert.Zero(t, v.WeightedScore)
	assert.False(t, v.IsAnomaly)
}

func TestProcess_SingleStrategyScoreInRange(t *testing.T) {
	cfg := testConfig()
	cfg.EnableIsolationForest, cfg.EnableAdaptive = false, false
	c := newCoordinator(t, cfg)

	for i := 0; i < 35; i++ {
		v := c.Process(single(i, types.MetricCPU, 50))
		assert.GreaterOrEqual(t, v.WeightedScore, 0.0)
		assert.LessOrEqual(t, v.WeightedScore, 1.0)
	}
	v := c.Process(single(35, types.MetricCPU, 90))
	require.True(t, v.IsAnomaly)
	assert.InDelta(t, 0.95, v.WeightedScore, 1e-9)
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Equal(t, ConsensusPartial, v.Consensus)
	assert.Equal(t, types.MetricCPU, v.DominantMetric)
	assert.Nil(t, v.Multivariate)
}

func TestDominantMetric_Precedence(t *testing.T) {
	// Multivariate contribution wins over adaptive when no statistical
	// anomaly is high.
	v := UnifiedVerdict{Multivariate: &ml.Verdict{IsAnomaly: true, Contribution: [4]float64{0.1, 0.2, 0.6, 0.1}}}
	v.Adaptive[0] = &baseline.Verdict{IsAnomaly: true, Deviation: 4}
	v.Statistical[3] = &anomaly.Verdict{IsAnomaly: true, Severity: types.SeverityLow, Deviation: 2.2}
	assert.Equal(t, types.MetricDisk, v.dominantMetric())

	// Without a decisive contribution the adaptive anomaly is next.
	v.Multivariate.Contribution = [4]float64{0.25, 0.25, 0.25, 0.25}
	assert.Equal(t, types.MetricCPU, v.dominantMetric())

	// Then the largest statistical anomaly.
	v.Adaptive[0] = nil
	assert.Equal(t, types.MetricNetwork, v.dominantMetric())

	// A high statistical anomaly beats everything.
	v.Statistical[1] = &anomaly.Verdict{IsAnomaly: true, Severity: types.SeverityHigh, Deviation: -6}
	assert.Equal(t, types.MetricMemory, v.dominantMetric())

	assert.Equal(t, types.Metric(""), (&UnifiedVerdict{}).dominantMetric())
}

func TestProcess_NonFiniteValues(t *testing.T) {
	c := newCoordinator(t, testConfig())

	v := c.Process(single(0, types.MetricCPU, math.NaN()))
	assert.True(t, v.Skipped)
	assert.False(t, v.IsAnomaly)
	assert.Empty(t, c.Window("srv-1", types.MetricCPU))

	s := joint(1)
	s.Disk = math.Inf(1)
	v = c.Process(MultiInput("srv-1", s))
	assert.False(t, v.Skipped)
	assert.Nil(t, v.Values[2])
	assert.Len(t, c.Window("srv-1", types.MetricCPU), 1)
	assert.Empty(t, c.Window("srv-1", types.MetricDisk))
	assert.Empty(t, c.JointWindow("srv-1"), "partial joint samples stay out of the joint buffer")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.TotalProcessed)
	assert.Equal(t, uint64(1), st.SkippedSamples)
}

func TestProcess_AnomalyHandler(t *testing.T) {
	cfg := testConfig()
	cfg.EnableIsolationForest, cfg.EnableAdaptive = false, false

	var got []UnifiedVerdict
	c := newCoordinator(t, cfg, WithAnomalyHandler(func(v UnifiedVerdict) { got = append(got, v) }))
	for i := 0; i < 20; i++ {
		c.Process(single(i, types.MetricMemory, 60))
	}
	require.Empty(t, got)
	v := c.Process(single(20, types.MetricMemory, 99))
	require.Len(t, got, 1)
	assert.Equal(t, types.MetricMemory, got[0].DominantMetric)
	assert.NotEmpty(t, v.EventID)
	assert.Equal(t, v.EventID, got[0].EventID)
	assert.False(t, got[0].DetectedAt.IsZero())

	cfg.EmitEvents = false
	got = nil
	quiet := newCoordinator(t, cfg, WithAnomalyHandler(func(v UnifiedVerdict) { got = append(got, v) }))
	for i := 0; i < 20; i++ {
		quiet.Process(single(i, types.MetricMemory, 60))
	}
	v = quiet.Process(single(20, types.MetricMemory, 99))
	assert.True(t, v.IsAnomaly)
	assert.Empty(t, got)
}

func TestStats_Idempotent(t *testing.T) {
	c := newCoordinator(t, testConfig())
	for i := 0; i < 60; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	a := c.Stats()
	b := c.Stats()
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(60), a.TotalProcessed)
	assert.Equal(t, 4*60, a.BufferSize)
	assert.Equal(t, 60, a.JointBufferSize)
	assert.Equal(t, 1, a.Servers)
	assert.Equal(t, types.AllMetrics[:], a.ModelsStatus.AdaptiveMetrics)
}

func TestInitialize(t *testing.T) {
	c := newCoordinator(t, testConfig())

	hist := make([]types.MultiMetricSample, 80)
	for i := range hist {
		hist[i] = joint(i)
	}
	rep := c.Initialize(Historical{
		MultiMetric: hist,
		PerMetric: map[types.Metric][]types.MetricSample{
			types.MetricCPU: {{Timestamp: epoch, Value: 10}, {Timestamp: epoch, Value: 12}},
		},
	})

	assert.True(t, rep.IsolationForestTrained)
	assert.Equal(t, 2, rep.LearnedMetrics[types.MetricCPU])
	assert.Equal(t, 80, rep.LearnedMetrics[types.MetricNetwork])

	st := c.Stats()
	assert.True(t, st.ModelsStatus.IsolationForestTrained)
	assert.Zero(t, st.TotalProcessed)

	small := newCoordinator(t, testConfig())
	rep = small.Initialize(Historical{MultiMetric: hist[:49]})
	assert.False(t, rep.IsolationForestTrained)
}

func TestReset(t *testing.T) {
	c := newCoordinator(t, testConfig())
	for i := 0; i < 60; i++ {
		c.Process(MultiInput("srv-1", joint(i)))
	}
	c.Reset()

	st := c.Stats()
	assert.Zero(t, st.TotalProcessed)
	assert.Zero(t, st.BufferSize)
	assert.False(t, st.ModelsStatus.IsolationForestTrained)
	assert.Empty(t, st.ModelsStatus.AdaptiveMetrics)
}

func TestProcess_ConcurrentServers(t *testing.T) {
	c := newCoordinator(t, testConfig())

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Process(MultiInput(server, joint(i)))
			}
		}(fmt.Sprintf("srv-%d", s))
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, uint64(800), st.TotalProcessed)
	assert.Equal(t, 8, st.Servers)
	assert.Equal(t, 8*4*100, st.BufferSize)
	assert.Equal(t, 800, st.JointBufferSize)
	assert.True(t, st.ModelsStatus.IsolationForestTrained)
}

func TestBufferCapacityBound(t *testing.T) {
	cfg := testConfig()
	cfg.StreamBufferSize = 10
	c := newCoordinator(t, cfg)
	for i := 0; i < 25; i++ {
		c.Process(single(i, types.MetricDisk, float64(i)))
	}
	w := c.Window("srv-1", types.MetricDisk)
	require.Len(t, w, 10)
	assert.Equal(t, 15.0, w[0].Value)
	assert.Equal(t, 24.0, w[9].Value)
}

func TestPredictEnhanced_FromBuffer(t *testing.T) {
	c := newCoordinator(t, testConfig(), WithThresholds(types.ThresholdTable{
		types.MetricCPU: {Warning: 70, Critical: 85, Recovery: 65},
	}))
	for i, v := range []float64{50, 55, 60} {
		c.Process(SingleInput("srv-1", types.MetricCPU, types.MetricSample{
			Timestamp: epoch.Add(time.Duration(i) * 10 * time.Minute),
			Value:     v,
		}))
	}

	res := c.PredictEnhanced("srv-1", types.MetricCPU)
	assert.InDelta(t, 1.0/120, res.Fit.Slope, 1e-9)
	require.NotNil(t, res.Breach.TimeToWarning)
	assert.Equal(t, 20*time.Minute, res.Breach.TimeToWarning.Round(time.Second))

	tr := c.PredictTrend("srv-1", types.MetricCPU, 30*time.Minute)
	assert.InDelta(t, 75, tr.Prediction, 1e-9)
}

func TestUnifiedVerdict_Event(t *testing.T) {
	cpu := 91.0
	v := UnifiedVerdict{
		ServerID:       "srv-9",
		Timestamp:      epoch,
		IsAnomaly:      true,
		WeightedScore:  0.9,
		Severity:       types.SeverityCritical,
		Consensus:      ConsensusPartial,
		DominantMetric: types.MetricCPU,
		Votes:          []Strategy{StrategyStatistical},
		EventID:        "id-1",
		DetectedAt:     epoch.Add(time.Second),
	}
	v.Values[0] = &cpu

	ev := v.Event()
	assert.Equal(t, "id-1", ev.ID)
	assert.Equal(t, epoch.Add(time.Second), ev.DetectedAt)
	assert.Equal(t, "partial", ev.Consensus)
	assert.Equal(t, []string{"statistical"}, ev.Votes)
	assert.Equal(t, map[types.Metric]float64{types.MetricCPU: 91}, ev.Values)
}
