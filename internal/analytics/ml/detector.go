package ml

// Package ml provides the multivariate outlier detector: an isolation forest
// over the joint cpu/memory/disk/network vector of a server.
//
// The trained forest is immutable. Detector keeps the current one behind an
// atomic pointer, so scoring never blocks while a replacement is built.

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// Config tunes the forest.
type Config struct {
	NumTrees      int `json:"num_trees"`
	SubSampleSize int `json:"sub_sample_size"`

	// MaxDepth <= 0 selects ceil(log2(ψ)).
	MaxDepth int `json:"max_depth"`

	// Threshold applies to the rescaled score; 0.2 matches a raw
	// isolation score of 0.6.
	Threshold          float64 `json:"threshold"`
	MinTrainingSamples int     `json:"min_training_samples"`

	// Seed 0 seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the standard isolation forest parameters.
func DefaultConfig() Config {
	return Config{
		NumTrees:           100,
		SubSampleSize:      256,
		Threshold:          0.2,
		MinTrainingSamples: 50,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.NumTrees <= 0 {
		c.NumTrees = def.NumTrees
	}
	if c.NumTrees > maxTrees {
		c.NumTrees = maxTrees
	}
	if c.SubSampleSize <= 1 {
		c.SubSampleSize = def.SubSampleSize
	}
	if c.SubSampleSize > maxSubSampleSize {
		c.SubSampleSize = maxSubSampleSize
	}
	if c.MaxDepth > maxTreeDepth {
		c.MaxDepth = maxTreeDepth
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		c.Threshold = def.Threshold
	}
	if c.MinTrainingSamples < 2 {
		c.MinTrainingSamples = def.MinTrainingSamples
	}
	return c
}

// Verdict is the multivariate detector's opinion about one joint sample.
type Verdict struct {
	IsAnomaly    bool                      `json:"is_anomaly"`
	Score        float64                   `json:"anomaly_score"`
	PathLength   float64                   `json:"path_length"`
	Contribution [types.NumMetrics]float64 `json:"per_metric_contribution"`
	ModelVersion uint64                    `json:"model_version"`
}

// ContributionOf returns the share attributed to m.
func (v Verdict) ContributionOf(m types.Metric) float64 {
	if i := m.Index(); i >= 0 {
		return v.Contribution[i]
	}
	return 0
}

// Status describes the current model.
type Status struct {
	Trained   bool      `json:"is_trained"`
	Version   uint64    `json:"version"`
	TrainedOn int       `json:"trained_on"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
	NumTrees  int       `json:"num_trees"`
	Building  bool      `json:"building"`
}

// Detector scores joint samples against the latest trained forest.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	model    atomic.Pointer[IsolationForest]
	version  atomic.Uint64
	building atomic.Bool

	// swapMu orders model installs against Reset so a build started before
	// a reset cannot resurrect a stale model.
	swapMu     sync.Mutex
	generation uint64
}

// NewDetector returns an untrained detector.
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg.normalized(), logger: logger}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Fit builds a new forest from samples and installs it. Non-finite samples
// are ignored; fewer than MinTrainingSamples usable points is a no-op that
// returns false.
func (d *Detector) Fit(samples []types.MultiMetricSample) bool {
	points := make([][types.NumMetrics]float64, 0, len(samples))
	for _, s := range samples {
		if s.Finite() {
			points = append(points, s.Vector())
		}
	}
	if len(points) < d.cfg.MinTrainingSamples {
		d.logger.Debug("isolation forest fit skipped",
			zap.Int("samples", len(points)),
			zap.Int("required", d.cfg.MinTrainingSamples))
		return false
	}

	d.swapMu.Lock()
	gen := d.generation
	d.swapMu.Unlock()

	start := time.Now()
	forest := BuildForest(points, d.cfg, rand.New(rand.NewSource(d.seed())))

	d.swapMu.Lock()
	defer d.swapMu.Unlock()
	if gen != d.generation {
		return false
	}
	v := d.version.Add(1)
	forest.version = v
	d.model.Store(forest)

	d.logger.Info("isolation forest trained",
		zap.Uint64("version", v),
		zap.Int("samples", len(points)),
		zap.Int("trees", forest.NumTrees()),
		zap.Int("sample_size", forest.SampleSize()),
		zap.Duration("took", time.Since(start)))
	return true
}

// TryFit is Fit guarded so at most one build runs at a time. It returns
// false without building when another build is in flight.
func (d *Detector) TryFit(samples []types.MultiMetricSample) bool {
	if !d.building.CompareAndSwap(false, true) {
		return false
	}
	defer d.building.Store(false)
	return d.Fit(samples)
}

func (d *Detector) seed() int64 {
	if d.cfg.Seed != 0 {
		return d.cfg.Seed + int64(d.version.Load())
	}
	return time.Now().UnixNano()
}

// Detect scores s. An untrained detector returns a zero verdict.
func (d *Detector) Detect(s types.MultiMetricSample) Verdict {
	forest := d.model.Load()
	if forest == nil || !s.Finite() {
		return Verdict{}
	}
	score, path, contribution := forest.Score(s.Vector())
	return Verdict{
		IsAnomaly:    score > forest.Threshold(),
		Score:        score,
		PathLength:   path,
		Contribution: contribution,
		ModelVersion: forest.Version(),
	}
}

// Trained reports whether a model is installed.
func (d *Detector) Trained() bool { return d.model.Load() != nil }

// Version counts installed models since construction.
func (d *Detector) Version() uint64 { return d.version.Load() }

// Reset drops the current model. In-flight builds are discarded.
func (d *Detector) Reset() {
	d.swapMu.Lock()
	d.generation++
	d.model.Store(nil)
	d.swapMu.Unlock()
}

// Status reports the current model.
func (d *Detector) Status() Status {
	st := Status{Version: d.version.Load(), Building: d.building.Load()}
	if f := d.model.Load(); f != nil {
		st.Trained = true
		st.TrainedOn = f.trainedOn
		st.TrainedAt = f.trainedAt
		st.NumTrees = f.NumTrees()
	}
	return st
}
