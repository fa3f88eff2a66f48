package analytics

// Package analytics runs the anomaly-detection ensemble over streaming
// per-server metrics.
//
// Every sample passes through three independent strategies:
//   1. Statistical: z-score of each metric against its own trailing window
//   2. Isolation forest: joint cpu/memory/disk/network outlier score
//   3. Adaptive baseline: deviation from the hour-of-day / day-of-week norm
//
// Their scalar scores are combined by weighted voting. Strategies that are
// disabled or cannot form an opinion yet are left out and the remaining
// weights are renormalised, so partial participation never biases the
// result toward "normal".
//
// The Coordinator is a long-lived shared instance. Buffers are sharded per
// (server, metric) and per server, counters sit behind a small mutex and the
// isolation forest is rebuilt off the hot path and swapped in atomically.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/baseline"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/buffer"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// ErrInvalidConfig is wrapped by every construction-time validation error.
var ErrInvalidConfig = errors.New("invalid engine config")

const maxStreamBufferSize = 100000

// Strategy names one detection strategy.
type Strategy string

const (
	StrategyStatistical     Strategy = "statistical"
	StrategyIsolationForest Strategy = "isolation_forest"
	StrategyAdaptive        Strategy = "adaptive"
)

// Weights are the voting weights of the three strategies.
type Weights struct {
	Statistical     float64 `json:"statistical" mapstructure:"statistical"`
	IsolationForest float64 `json:"isolationForest" mapstructure:"isolation_forest"`
	Adaptive        float64 `json:"adaptive" mapstructure:"adaptive"`
}

func (w Weights) sum() float64 { return w.Statistical + w.IsolationForest + w.Adaptive }

// EngineConfig is validated once by NewCoordinator.
type EngineConfig struct {
	EnableStatistical     bool    `json:"enableStatistical" mapstructure:"enable_statistical"`
	EnableIsolationForest bool    `json:"enableIsolationForest" mapstructure:"enable_isolation_forest"`
	EnableAdaptive        bool    `json:"enableAdaptive" mapstructure:"enable_adaptive"`
	Weights               Weights `json:"weights" mapstructure:"weights"`
	VotingThreshold       float64 `json:"votingThreshold" mapstructure:"voting_threshold"`
	EmitEvents            bool    `json:"emitEvents" mapstructure:"emit_events"`
	AutoTrain             bool    `json:"autoTrain" mapstructure:"auto_train"`
	// AutoTrainEvery is the number of joint samples between retrains once
	// the forest is trained. Zero disables periodic retraining.
	AutoTrainEvery   int `json:"autoTrainEvery" mapstructure:"auto_train_every"`
	StreamBufferSize int `json:"streamBufferSize" mapstructure:"stream_buffer_size"`

	Statistical     anomaly.Config     `json:"statistical" mapstructure:"-"`
	IsolationForest ml.Config          `json:"isolationForest" mapstructure:"-"`
	Adaptive        baseline.Config    `json:"adaptive" mapstructure:"-"`
	Forecast        forecasting.Config `json:"forecast" mapstructure:"-"`
}

// DefaultEngineConfig enables every strategy with 0.4 / 0.3 / 0.3 weights.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EnableStatistical:     true,
		EnableIsolationForest: true,
		EnableAdaptive:        true,
		Weights:               Weights{Statistical: 0.4, IsolationForest: 0.3, Adaptive: 0.3},
		VotingThreshold:       0.5,
		EmitEvents:            true,
		AutoTrain:             true,
		AutoTrainEvery:        100,
		StreamBufferSize:      100,
		Statistical:           anomaly.DefaultConfig(),
		IsolationForest:       ml.DefaultConfig(),
		Adaptive:              baseline.DefaultConfig(),
		Forecast:              forecasting.DefaultConfig(),
	}
}

// Validate checks the configuration and returns it with weights normalised
// to sum to 1.
func (c EngineConfig) Validate() (EngineConfig, error) {
	w := c.Weights
	if w.Statistical < 0 || w.IsolationForest < 0 || w.Adaptive < 0 {
		return c, fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfig)
	}
	sum := w.sum()
	if sum <= 0 {
		return c, fmt.Errorf("%w: weights sum to zero", ErrInvalidConfig)
	}
	if !c.EnableStatistical && !c.EnableIsolationForest && !c.EnableAdaptive {
		return c, fmt.Errorf("%w: no strategy enabled", ErrInvalidConfig)
	}
	if c.activeWeight(w) <= 0 {
		return c, fmt.Errorf("%w: enabled strategies carry zero weight", ErrInvalidConfig)
	}
	if c.VotingThreshold < 0 || c.VotingThreshold > 1 {
		return c, fmt.Errorf("%w: votingThreshold %.3f outside [0,1]", ErrInvalidConfig, c.VotingThreshold)
	}
	if c.StreamBufferSize <= 0 {
		return c, fmt.Errorf("%w: streamBufferSize must be positive", ErrInvalidConfig)
	}
	if c.StreamBufferSize > maxStreamBufferSize {
		return c, fmt.Errorf("%w: streamBufferSize exceeds %d", ErrInvalidConfig, maxStreamBufferSize)
	}
	if c.AutoTrainEvery < 0 {
		return c, fmt.Errorf("%w: autoTrainEvery must not be negative", ErrInvalidConfig)
	}
	if c.EnableIsolationForest && c.IsolationForest.MinTrainingSamples > maxStreamBufferSize {
		return c, fmt.Errorf("%w: isolationForest.minTrainingSamples exceeds %d", ErrInvalidConfig, maxStreamBufferSize)
	}

	c.Weights = Weights{
		Statistical:     w.Statistical / sum,
		IsolationForest: w.IsolationForest / sum,
		Adaptive:        w.Adaptive / sum,
	}
	return c, nil
}

func (c EngineConfig) activeWeight(w Weights) float64 {
	total := 0.0
	if c.EnableStatistical {
		total += w.Statistical
	}
	if c.EnableIsolationForest {
		total += w.IsolationForest
	}
	if c.EnableAdaptive {
		total += w.Adaptive
	}
	return total
}

// Consensus is how many strategies independently voted "anomaly".
type Consensus string

const (
	ConsensusNone    Consensus = "none"
	ConsensusPartial Consensus = "partial"
	ConsensusFull    Consensus = "full"
)

// UnifiedVerdict is the combined result for one sample. Per-metric slots
// are nil when the metric was absent, non-finite or its strategy did not
// run.
type UnifiedVerdict struct {
	ServerID       string                              `json:"serverId"`
	Timestamp      time.Time                           `json:"timestamp"`
	IsAnomaly      bool                                `json:"isAnomaly"`
	WeightedScore  float64                             `json:"weightedScore"`
	Severity       types.Severity                      `json:"severity"`
	Consensus      Consensus                           `json:"consensusLevel"`
	DominantMetric types.Metric                        `json:"dominantMetric,omitempty"`
	Votes          []Strategy                          `json:"votes"`
	Statistical    [types.NumMetrics]*anomaly.Verdict  `json:"statistical"`
	Multivariate   *ml.Verdict                         `json:"multivariate,omitempty"`
	Adaptive       [types.NumMetrics]*baseline.Verdict `json:"adaptive"`
	Values         [types.NumMetrics]*float64          `json:"values"`
	Skipped        bool                                `json:"skipped,omitempty"`
	Latency        time.Duration                       `json:"latency"`

	// EventID and DetectedAt are set on anomalous verdicts and identify the
	// anomaly event in notifications and storage.
	EventID    string    `json:"eventId,omitempty"`
	DetectedAt time.Time `json:"-"`
}

// Event converts an anomalous verdict into its persisted form.
func (v UnifiedVerdict) Event() types.AnomalyEvent {
	ev := types.AnomalyEvent{
		ID:             v.EventID,
		ServerID:       v.ServerID,
		Timestamp:      v.Timestamp,
		DetectedAt:     v.DetectedAt,
		Severity:       v.Severity,
		Score:          v.WeightedScore,
		Consensus:      string(v.Consensus),
		DominantMetric: v.DominantMetric,
		Votes:          make([]string, 0, len(v.Votes)),
		Values:         make(map[types.Metric]float64),
	}
	for _, s := range v.Votes {
		ev.Votes = append(ev.Votes, string(s))
	}
	for i, m := range types.AllMetrics {
		if v.Values[i] != nil {
			ev.Values[m] = *v.Values[i]
		}
	}
	return ev
}

// ModelsStatus reports what each strategy has learned.
type ModelsStatus struct {
	StatisticalEnabled     bool           `json:"statisticalEnabled"`
	IsolationForestEnabled bool           `json:"isolationForestEnabled"`
	IsolationForestTrained bool           `json:"isolationForestTrained"`
	IsolationForestVersion uint64         `json:"isolationForestVersion"`
	AdaptiveEnabled        bool           `json:"adaptiveEnabled"`
	AdaptiveMetrics        []types.Metric `json:"adaptiveMetrics"`
}

// StreamingStats are the coordinator's running counters.
type StreamingStats struct {
	TotalProcessed    uint64        `json:"totalProcessed"`
	AnomaliesDetected uint64        `json:"anomaliesDetected"`
	SkippedSamples    uint64        `json:"skippedSamples"`
	Retrains          uint64        `json:"retrains"`
	AverageLatency    time.Duration `json:"averageLatency"`
	BufferSize        int           `json:"bufferSize"`
	JointBufferSize   int           `json:"jointBufferSize"`
	Servers           int           `json:"servers"`
	ModelsStatus      ModelsStatus  `json:"modelsStatus"`
}

// AnomalyHandler is notified of each anomalous verdict when EmitEvents is
// set. It runs on the processing goroutine before Process returns and must
// not block.
type AnomalyHandler func(UnifiedVerdict)

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAnomalyHandler registers the anomaly notification callback.
func WithAnomalyHandler(h AnomalyHandler) Option {
	return func(c *Coordinator) { c.handler = h }
}

// RetrainHook is notified after a new isolation forest is installed.
// Trigger is "stream" or "initialize". Periodic stream retrains call it
// from a background goroutine.
type RetrainHook func(version uint64, samples int, trigger string)

// WithRetrainHook registers the model install callback.
func WithRetrainHook(h RetrainHook) Option {
	return func(c *Coordinator) { c.onRetrain = h }
}

// WithThresholds sets the table the forecaster reads.
func WithThresholds(t types.ThresholdTable) Option {
	return func(c *Coordinator) { c.thresholds = t }
}

// Coordinator orchestrates the three strategies. It is safe for concurrent
// use.
type Coordinator struct {
	cfg        EngineConfig
	logger     *zap.Logger
	handler    AnomalyHandler
	onRetrain  RetrainHook
	thresholds types.ThresholdTable

	statistical *anomaly.Detector
	forest      *ml.Detector
	baseline    *baseline.Baseline
	forecaster  *forecasting.Forecaster

	series *buffer.Store[buffer.SeriesKey, types.MetricSample]
	joint  *buffer.Store[string, types.MultiMetricSample]

	// jointSinceTrain counts joint samples since the last install or
	// background retrain dispatch.
	jointSinceTrain atomic.Int64
	retraining      atomic.Bool
	retrainWG       sync.WaitGroup

	statsMu sync.Mutex
	stats   counters
}

type counters struct {
	total      uint64
	anomalies  uint64
	skipped    uint64
	retrains   uint64
	avgLatency float64
}

// NewCoordinator validates cfg and builds a coordinator.
func NewCoordinator(cfg EngineConfig, opts ...Option) (*Coordinator, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.statistical = anomaly.NewDetector(cfg.Statistical)
	c.forest = ml.NewDetector(cfg.IsolationForest, c.logger.Named("isolation_forest"))
	c.baseline = baseline.New(cfg.Adaptive)
	c.forecaster = forecasting.New(cfg.Forecast, c.thresholds)
	c.series = buffer.NewStore[buffer.SeriesKey, types.MetricSample](cfg.StreamBufferSize)

	// The joint ring must be able to hold a first training set.
	jointCap := cfg.StreamBufferSize
	if need := c.forest.Config().MinTrainingSamples; cfg.EnableIsolationForest && jointCap < need {
		jointCap = need
	}
	c.joint = buffer.NewStore[string, types.MultiMetricSample](jointCap)

	// Effective sub-configs after each component applied its defaults.
	c.cfg.Statistical = c.statistical.Config()
	c.cfg.IsolationForest = c.forest.Config()
	c.cfg.Adaptive = c.baseline.Config()
	c.cfg.Forecast = c.forecaster.Config()

	c.logger.Info("anomaly coordinator ready",
		zap.Bool("statistical", cfg.EnableStatistical),
		zap.Bool("isolation_forest", cfg.EnableIsolationForest),
		zap.Bool("adaptive", cfg.EnableAdaptive),
		zap.Float64("voting_threshold", cfg.VotingThreshold),
		zap.Int("buffer_size", cfg.StreamBufferSize),
		zap.Int("joint_buffer_size", jointCap))
	return c, nil
}

// Config returns the validated configuration.
func (c *Coordinator) Config() EngineConfig { return c.cfg }

// Forecaster returns the trend forecaster bound to the coordinator's
// thresholds.
func (c *Coordinator) Forecaster() *forecasting.Forecaster { return c.forecaster }
