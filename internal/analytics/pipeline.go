package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-sentinel/internal/audit"
	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

var (
	// ErrQueueFull is returned by Enqueue when the ingest queue has no room.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrPipelineStopped is returned by Enqueue after Stop.
	ErrPipelineStopped = errors.New("pipeline stopped")
	// ErrMissingServer is returned for samples without a server ID.
	ErrMissingServer = errors.New("server id is required")
)

// HistoryStore persists raw samples so models can be warmed up after a
// restart and forecasts can look further back than the stream buffer.
type HistoryStore interface {
	// Append stores the values observed for serverID at ts.
	Append(ctx context.Context, serverID string, ts time.Time, values map[types.Metric]float64) error
	// Range returns one metric's samples in [from, to], oldest first.
	Range(ctx context.Context, serverID string, m types.Metric, from, to time.Time) ([]types.MetricSample, error)
	// Joint returns the timestamps at which all metrics were stored.
	Joint(ctx context.Context, serverID string, from, to time.Time) ([]types.MultiMetricSample, error)
	// Prune removes samples older than before and reports how many.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Servers lists every server with stored history.
	Servers(ctx context.Context) ([]string, error)
}

// EventStore persists anomaly events.
type EventStore interface {
	RecordAnomaly(ctx context.Context, ev types.AnomalyEvent) error
	ListAnomalies(ctx context.Context, f types.AnomalyFilter) ([]types.AnomalyEvent, error)
}

// PipelineConfig tunes the service wrapper around the coordinator.
type PipelineConfig struct {
	Workers         int           `json:"workers" mapstructure:"workers"`
	QueueSize       int           `json:"queueSize" mapstructure:"queue_size"`
	Retention       time.Duration `json:"retention" mapstructure:"retention"`
	PruneInterval   time.Duration `json:"pruneInterval" mapstructure:"prune_interval"`
	WarmupWindow    time.Duration `json:"warmupWindow" mapstructure:"warmup_window"`
	ForecastWindow  time.Duration `json:"forecastWindow" mapstructure:"forecast_window"`
	RecentAnomalies int           `json:"recentAnomalies" mapstructure:"recent_anomalies"`
}

// DefaultPipelineConfig returns the service defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:         4,
		QueueSize:       10000,
		Retention:       7 * 24 * time.Hour,
		PruneInterval:   time.Hour,
		WarmupWindow:    7 * 24 * time.Hour,
		ForecastWindow:  6 * time.Hour,
		RecentAnomalies: 1000,
	}
}

func (c PipelineConfig) normalized() PipelineConfig {
	d := DefaultPipelineConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.WarmupWindow <= 0 {
		c.WarmupWindow = d.WarmupWindow
	}
	if c.ForecastWindow <= 0 {
		c.ForecastWindow = d.ForecastWindow
	}
	if c.RecentAnomalies <= 0 {
		c.RecentAnomalies = d.RecentAnomalies
	}
	return c
}

// Dependencies are the optional collaborators of a Pipeline. Nil fields
// disable the corresponding feature.
type Dependencies struct {
	History    HistoryStore
	Events     EventStore
	Journal    audit.Logger
	Logger     *zap.Logger
	Thresholds types.ThresholdTable
}

// Pipeline wraps a Coordinator for the service: it persists samples,
// records anomalies, fans them out to subscribers and runs the
// background ingest workers and retention sweeps.
type Pipeline struct {
	cfg     PipelineConfig
	coord   *Coordinator
	history HistoryStore
	events  EventStore
	journal audit.Logger
	logger  *zap.Logger

	thresholds atomic.Pointer[types.ThresholdTable]

	queue    chan Input
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once

	mu      sync.RWMutex
	recent  []types.AnomalyEvent
	subs    map[int]chan types.AnomalyEvent
	nextSub int
}

// NewPipeline builds the coordinator from engineCfg and wires it to deps.
func NewPipeline(engineCfg EngineConfig, cfg PipelineConfig, deps Dependencies) (*Pipeline, error) {
	cfg = cfg.normalized()
	p := &Pipeline{
		cfg:     cfg,
		history: deps.History,
		events:  deps.Events,
		journal: deps.Journal,
		logger:  deps.Logger,
		queue:   make(chan Input, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		recent:  make([]types.AnomalyEvent, 0, cfg.RecentAnomalies),
		subs:    make(map[int]chan types.AnomalyEvent),
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.journal == nil {
		p.journal = audit.NewNop()
	}
	table := deps.Thresholds
	if table == nil {
		table = types.DefaultThresholds()
	}
	p.thresholds.Store(&table)

	coord, err := NewCoordinator(engineCfg,
		WithLogger(p.logger.Named("coordinator")),
		WithThresholds(table),
		WithRetrainHook(p.onRetrain),
		WithAnomalyHandler(p.publish),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	p.coord = coord
	return p, nil
}

// Coordinator returns the wrapped coordinator.
func (p *Pipeline) Coordinator() *Coordinator { return p.coord }

// SetThresholds replaces the table used by Forecast and Trend.
func (p *Pipeline) SetThresholds(t types.ThresholdTable) {
	if t == nil {
		t = types.DefaultThresholds()
	}
	p.thresholds.Store(&t)
}

// Thresholds returns the active threshold table.
func (p *Pipeline) Thresholds() types.ThresholdTable { return *p.thresholds.Load() }

// Start launches the ingest workers and, when a history store is set, the
// retention loop.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	if p.history != nil {
		p.wg.Add(1)
		go p.retentionLoop(ctx)
	}
	p.logger.Info("pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Stop halts background work. Queued samples are processed before the
// workers exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
		p.wg.Wait()
		p.coord.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
		p.logger.Info("pipeline stopped")
	})
}

// Ingest processes one sample synchronously.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (UnifiedVerdict, error) {
	if in.ServerID == "" {
		return UnifiedVerdict{}, ErrMissingServer
	}

	v := p.coord.Process(in)
	metrics.DetectionLatency.Observe(v.Latency.Seconds())
	if v.Skipped {
		metrics.SamplesProcessed.WithLabelValues("skipped").Inc()
		return v, nil
	}
	kind := "single"
	if in.complete() {
		kind = "multi"
	}
	metrics.SamplesProcessed.WithLabelValues(kind).Inc()

	p.persist(ctx, v)
	if v.IsAnomaly {
		p.recordAnomaly(ctx, v)
	}
	return v, nil
}

// IngestBatch processes samples in order. Samples without a server ID are
// returned as skipped verdicts.
func (p *Pipeline) IngestBatch(ctx context.Context, inputs []Input) []UnifiedVerdict {
	out := make([]UnifiedVerdict, len(inputs))
	for i, in := range inputs {
		v, err := p.Ingest(ctx, in)
		if err != nil {
			v = UnifiedVerdict{ServerID: in.ServerID, Timestamp: in.Timestamp, Skipped: true,
				Severity: types.SeverityNone, Consensus: ConsensusNone, Votes: []Strategy{}}
		}
		out[i] = v
	}
	return out
}

// Enqueue hands a sample to the background workers without waiting.
func (p *Pipeline) Enqueue(in Input) error {
	if in.ServerID == "" {
		return ErrMissingServer
	}
	if p.stopped.Load() {
		return ErrPipelineStopped
	}
	select {
	case p.queue <- in:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.QueueDropped.Inc()
		return ErrQueueFull
	}
}

// QueueLen reports how many samples wait for a worker.
func (p *Pipeline) QueueLen() int { return len(p.queue) }

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case in := <-p.queue:
			p.ingestQueued(ctx, in)
		case <-p.stopCh:
			p.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		select {
		case in := <-p.queue:
			p.ingestQueued(ctx, in)
		default:
			return
		}
	}
}

func (p *Pipeline) ingestQueued(ctx context.Context, in Input) {
	metrics.QueueDepth.Set(float64(len(p.queue)))
	if _, err := p.Ingest(ctx, in); err != nil {
		p.logger.Warn("queued sample rejected", zap.String("server", in.ServerID), zap.Error(err))
	}
}

// persist writes the usable values of v to the history store.
func (p *Pipeline) persist(ctx context.Context, v UnifiedVerdict) {
	if p.history == nil {
		return
	}
	values := make(map[types.Metric]float64, types.NumMetrics)
	for i, m := range types.AllMetrics {
		if v.Values[i] != nil {
			values[m] = *v.Values[i]
		}
	}
	if err := p.history.Append(ctx, v.ServerID, v.Timestamp, values); err != nil {
		metrics.StoreErrors.WithLabelValues("history", "append").Inc()
		p.logger.Warn("failed to persist sample", zap.String("server", v.ServerID), zap.Error(err))
	}
}

func (p *Pipeline) recordAnomaly(ctx context.Context, v UnifiedVerdict) {
	ev := v.Event()

	metrics.AnomaliesDetected.WithLabelValues(string(ev.Severity), ev.Consensus).Inc()
	for _, s := range v.Votes {
		metrics.StrategyVotes.WithLabelValues(string(s)).Inc()
	}

	if p.events != nil {
		if err := p.events.RecordAnomaly(ctx, ev); err != nil {
			metrics.StoreErrors.WithLabelValues("events", "record").Inc()
			p.logger.Warn("failed to store anomaly", zap.String("id", ev.ID), zap.Error(err))
		}
	}
	if err := p.journal.LogAnomaly(ctx, ev); err != nil {
		p.logger.Warn("failed to journal anomaly", zap.String("id", ev.ID), zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recent) >= p.cfg.RecentAnomalies {
		copy(p.recent, p.recent[1:])
		p.recent = p.recent[:len(p.recent)-1]
	}
	p.recent = append(p.recent, ev)
}

// publish is the coordinator's anomaly handler. It fans the event out to
// subscribers; the coordinator only calls it when EmitEvents is set.
func (p *Pipeline) publish(v UnifiedVerdict) {
	ev := v.Event()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe registers a listener for anomaly events. Events are dropped
// for a subscriber whose buffer is full. The returned function
// unsubscribes and closes the channel.
func (p *Pipeline) Subscribe(buffer int) (<-chan types.AnomalyEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.AnomalyEvent, buffer)

	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
	}
}

// Anomalies lists recorded anomaly events, newest first. The event store
// is authoritative when configured; otherwise the in-memory ring is used.
func (p *Pipeline) Anomalies(ctx context.Context, f types.AnomalyFilter) ([]types.AnomalyEvent, error) {
	if p.events != nil {
		return p.events.ListAnomalies(ctx, f)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.AnomalyEvent, 0)
	for i := len(p.recent) - 1; i >= 0; i-- {
		if !f.Matches(p.recent[i]) {
			continue
		}
		out = append(out, p.recent[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// historyFor returns stored samples for one metric, falling back to the
// stream buffer when the store is absent, failing or empty.
func (p *Pipeline) historyFor(ctx context.Context, serverID string, m types.Metric) []types.MetricSample {
	if p.history != nil {
		to := time.Now()
		if w := p.coord.Window(serverID, m); len(w) > 0 && w[len(w)-1].Timestamp.After(to) {
			to = w[len(w)-1].Timestamp
		}
		samples, err := p.history.Range(ctx, serverID, m, to.Add(-p.cfg.ForecastWindow), to)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("history", "range").Inc()
			p.logger.Warn("history lookup failed, using stream buffer",
				zap.String("server", serverID), zap.String("metric", string(m)), zap.Error(err))
		} else if len(samples) > 0 {
			return samples
		}
	}
	return p.coord.Window(serverID, m)
}

func (p *Pipeline) forecaster() *forecasting.Forecaster {
	return forecasting.New(p.coord.Config().Forecast, p.Thresholds())
}

// Forecast predicts one metric of a server with breach and recovery
// estimates against the active thresholds.
func (p *Pipeline) Forecast(ctx context.Context, serverID string, m types.Metric) (forecasting.ForecastResult, error) {
	if !m.Valid() {
		return forecasting.ForecastResult{}, fmt.Errorf("invalid metric %q", m)
	}
	res := p.forecaster().PredictEnhanced(p.historyFor(ctx, serverID, m), m)
	metrics.ForecastRequests.WithLabelValues(string(m), string(res.Status)).Inc()
	return res, nil
}

// Trend projects one metric of a server over horizon.
func (p *Pipeline) Trend(ctx context.Context, serverID string, m types.Metric, horizon time.Duration) (forecasting.TrendResult, error) {
	if !m.Valid() {
		return forecasting.TrendResult{}, fmt.Errorf("invalid metric %q", m)
	}
	return p.forecaster().PredictTrend(p.historyFor(ctx, serverID, m), horizon), nil
}

// Warmup initialises the coordinator from the history store.
func (p *Pipeline) Warmup(ctx context.Context) (InitReport, error) {
	if p.history == nil {
		return InitReport{LearnedMetrics: map[types.Metric]int{}}, nil
	}
	servers, err := p.history.Servers(ctx)
	if err != nil {
		return InitReport{}, fmt.Errorf("failed to list servers: %w", err)
	}
	sort.Strings(servers)

	to := time.Now()
	from := to.Add(-p.cfg.WarmupWindow)
	h := Historical{PerMetric: make(map[types.Metric][]types.MetricSample)}
	for _, server := range servers {
		joint, err := p.history.Joint(ctx, server, from, to)
		if err != nil {
			return InitReport{}, fmt.Errorf("failed to load joint history for %s: %w", server, err)
		}
		h.MultiMetric = append(h.MultiMetric, joint...)

		for _, m := range types.AllMetrics {
			samples, err := p.history.Range(ctx, server, m, from, to)
			if err != nil {
				return InitReport{}, fmt.Errorf("failed to load %s history for %s: %w", m, server, err)
			}
			h.PerMetric[m] = append(h.PerMetric[m], samples...)
		}
	}

	return p.Initialize(ctx, h), nil
}

// Initialize seeds the models from h and journals the result.
func (p *Pipeline) Initialize(ctx context.Context, h Historical) InitReport {
	rep := p.coord.Initialize(h)
	if err := p.journal.LogEngineInitialized(ctx, rep.JointSamples, len(rep.LearnedMetrics)); err != nil {
		p.logger.Warn("failed to journal initialization", zap.Error(err))
	}
	return rep
}

// Reset clears the coordinator and the in-memory anomaly ring.
func (p *Pipeline) Reset(ctx context.Context) {
	p.coord.Reset()
	metrics.ModelVersion.Set(0)

	p.mu.Lock()
	p.recent = p.recent[:0]
	p.mu.Unlock()

	if err := p.journal.LogEngineReset(ctx); err != nil {
		p.logger.Warn("failed to journal reset", zap.Error(err))
	}
}

// Stats returns the coordinator counters.
func (p *Pipeline) Stats() StreamingStats {
	st := p.coord.Stats()
	metrics.TrackedServers.Set(float64(st.Servers))
	return st
}

// EventPruner is implemented by event stores that expire old events.
type EventPruner interface {
	PruneAnomalies(ctx context.Context, before time.Time) (int64, error)
}

// PruneNow removes stored samples, and anomaly events when the event store
// supports it, older than the retention period. It reports the number of
// samples removed.
func (p *Pipeline) PruneNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-p.cfg.Retention)

	if ep, ok := p.events.(EventPruner); ok {
		n, err := ep.PruneAnomalies(ctx, cutoff)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("events", "prune").Inc()
			p.logger.Warn("failed to prune anomaly events", zap.Error(err))
		} else if n > 0 {
			p.logger.Info("pruned anomaly events", zap.Int64("removed", n))
		}
	}

	if p.history == nil {
		return 0, nil
	}
	removed, err := p.history.Prune(ctx, cutoff)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("history", "prune").Inc()
	} else {
		metrics.RetentionPruned.Add(float64(removed))
	}
	if jerr := p.journal.LogRetentionPrune(ctx, removed, err); jerr != nil {
		p.logger.Warn("failed to journal prune", zap.Error(jerr))
	}
	return removed, err
}

func (p *Pipeline) retentionLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := p.PruneNow(ctx)
			if err != nil {
				p.logger.Error("retention sweep failed", zap.Error(err))
				continue
			}
			p.logger.Debug("retention sweep", zap.Int64("removed", removed))
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) onRetrain(version uint64, samples int, trigger string) {
	metrics.ModelRetrains.WithLabelValues(trigger).Inc()
	metrics.ModelVersion.Set(float64(version))
	p.logger.Info("isolation forest installed",
		zap.Uint64("version", version),
		zap.Int("samples", samples),
		zap.String("trigger", trigger))
	if err := p.journal.LogModelTrained(context.Background(), version, samples); err != nil {
		p.logger.Warn("failed to journal model install", zap.Error(err))
	}
}
