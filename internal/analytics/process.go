package analytics

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/buffer"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// maxTrainingSet bounds how many joint samples a retrain gathers across
// servers.
const maxTrainingSet = 4096

// Process runs one sample through every enabled strategy and returns the
// combined verdict. Non-finite values are dropped before they reach any
// buffer; a sample with nothing usable is returned as Skipped.
func (c *Coordinator) Process(in Input) UnifiedVerdict {
	start := time.Now()
	if in.Timestamp.IsZero() {
		in.Timestamp = start
	}

	v := UnifiedVerdict{
		ServerID:  in.ServerID,
		Timestamp: in.Timestamp,
		Severity:  types.SeverityNone,
		Consensus: ConsensusNone,
		Votes:     []Strategy{},
	}

	mask, ok := in.usable()
	if !ok {
		v.Skipped = true
		c.statsMu.Lock()
		c.stats.skipped++
		c.statsMu.Unlock()
		c.logger.Debug("sample skipped: no finite values", zap.String("server", in.ServerID))
		return v
	}

	for i, m := range types.AllMetrics {
		if !mask[i] {
			continue
		}
		val := in.Values[i]
		v.Values[i] = &val
		sample := types.MetricSample{Timestamp: in.Timestamp, Value: val}

		prior, _ := c.series.Push(buffer.SeriesKey{ServerID: in.ServerID, Metric: m}, sample)

		if c.cfg.EnableStatistical {
			sv := c.statistical.Detect(val, prior)
			v.Statistical[i] = &sv
		}
		if c.cfg.EnableAdaptive {
			if av, ok := c.baseline.Evaluate(m, val, in.Timestamp); ok {
				v.Adaptive[i] = &av
			}
			c.baseline.Observe(m, sample)
		}
	}

	jointLen := 0
	js, isJoint := in.joint(mask)
	if isJoint {
		jointLen, _ = c.joint.Append(in.ServerID, js)
		if c.cfg.EnableIsolationForest && c.forest.Trained() {
			mv := c.forest.Detect(js)
			v.Multivariate = &mv
		}
	}

	c.combine(&v)
	v.Latency = time.Since(start)
	c.record(v)

	if v.IsAnomaly {
		v.EventID = uuid.NewString()
		v.DetectedAt = time.Now().UTC()
		c.logger.Debug("anomaly detected",
			zap.String("server", v.ServerID),
			zap.Float64("score", v.WeightedScore),
			zap.String("severity", string(v.Severity)),
			zap.String("dominant_metric", string(v.DominantMetric)))
		if c.cfg.EmitEvents && c.handler != nil {
			c.handler(v)
		}
	}

	if isJoint {
		c.maybeRetrain(jointLen)
	}
	return v
}

// ProcessBatch processes samples in order.
func (c *Coordinator) ProcessBatch(inputs []Input) []UnifiedVerdict {
	out := make([]UnifiedVerdict, len(inputs))
	for i, in := range inputs {
		out[i] = c.Process(in)
	}
	return out
}

func (c *Coordinator) record(v UnifiedVerdict) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.total++
	if v.IsAnomaly {
		c.stats.anomalies++
	}
	c.stats.avgLatency += (float64(v.Latency) - c.stats.avgLatency) / float64(c.stats.total)
}

// maybeRetrain trains the forest the first time a server's joint buffer
// holds enough samples and then every AutoTrainEvery joint samples. The
// first fit runs on the calling goroutine so the model is in place when
// that Process call returns. Later rebuilds run in the background while
// the current model keeps scoring; at most one is in flight.
func (c *Coordinator) maybeRetrain(jointLen int) {
	if !c.cfg.EnableIsolationForest || !c.cfg.AutoTrain {
		return
	}
	seen := c.jointSinceTrain.Add(1)

	if !c.forest.Trained() {
		if jointLen < c.cfg.IsolationForest.MinTrainingSamples {
			return
		}
		set := c.trainingSet()
		if c.forest.TryFit(set) {
			c.jointSinceTrain.Store(0)
			c.installed(len(set), "stream")
		}
		return
	}

	if c.cfg.AutoTrainEvery <= 0 || seen < int64(c.cfg.AutoTrainEvery) {
		return
	}
	if !c.retraining.CompareAndSwap(false, true) {
		return
	}
	c.jointSinceTrain.Store(0)
	set := c.trainingSet()

	c.retrainWG.Add(1)
	go func() {
		defer c.retrainWG.Done()
		defer c.retraining.Store(false)
		if c.forest.TryFit(set) {
			c.installed(len(set), "stream")
		}
	}()
}

// Wait blocks until a background retrain, if any, has finished.
func (c *Coordinator) Wait() { c.retrainWG.Wait() }

func (c *Coordinator) installed(samples int, trigger string) {
	c.statsMu.Lock()
	c.stats.retrains++
	c.statsMu.Unlock()
	if c.onRetrain != nil {
		c.onRetrain(c.forest.Version(), samples, trigger)
	}
}

// trainingSet gathers the joint buffers of every server, keeping at most
// maxTrainingSet samples.
func (c *Coordinator) trainingSet() []types.MultiMetricSample {
	var out []types.MultiMetricSample
	for _, server := range c.joint.Keys() {
		out = append(out, c.joint.Snapshot(server)...)
	}
	if len(out) > maxTrainingSet {
		out = out[len(out)-maxTrainingSet:]
	}
	return out
}

// Initialize bulk-fits the isolation forest (when at least the minimum
// number of joint samples is given) and bulk-learns the adaptive baseline.
func (c *Coordinator) Initialize(h Historical) InitReport {
	rep := InitReport{JointSamples: len(h.MultiMetric), LearnedMetrics: make(map[types.Metric]int)}

	if c.cfg.EnableIsolationForest && len(h.MultiMetric) >= c.cfg.IsolationForest.MinTrainingSamples {
		if c.forest.Fit(h.MultiMetric) {
			rep.IsolationForestTrained = true
			c.jointSinceTrain.Store(0)
			c.installed(len(h.MultiMetric), "initialize")
		}
	}

	if c.cfg.EnableAdaptive {
		for _, m := range types.AllMetrics {
			history, ok := h.PerMetric[m]
			if !ok && len(h.MultiMetric) > 0 {
				history = make([]types.MetricSample, len(h.MultiMetric))
				for i, s := range h.MultiMetric {
					history[i] = s.Sample(m)
				}
			}
			if n := c.baseline.Learn(m, history); n > 0 {
				rep.LearnedMetrics[m] = n
			}
		}
	}

	c.logger.Info("coordinator initialized",
		zap.Int("joint_samples", rep.JointSamples),
		zap.Bool("isolation_forest_trained", rep.IsolationForestTrained),
		zap.Int("learned_metrics", len(rep.LearnedMetrics)))
	return rep
}

// Stats returns a snapshot of the running counters.
func (c *Coordinator) Stats() StreamingStats {
	c.statsMu.Lock()
	st := StreamingStats{
		TotalProcessed:    c.stats.total,
		AnomaliesDetected: c.stats.anomalies,
		SkippedSamples:    c.stats.skipped,
		Retrains:          c.stats.retrains,
		AverageLatency:    time.Duration(c.stats.avgLatency),
	}
	c.statsMu.Unlock()

	st.BufferSize = c.series.Total()
	st.JointBufferSize = c.joint.Total()
	st.Servers = len(c.Servers())

	fs := c.forest.Status()
	st.ModelsStatus = ModelsStatus{
		StatisticalEnabled:     c.cfg.EnableStatistical,
		IsolationForestEnabled: c.cfg.EnableIsolationForest,
		IsolationForestTrained: fs.Trained,
		IsolationForestVersion: fs.Version,
		AdaptiveEnabled:        c.cfg.EnableAdaptive,
		AdaptiveMetrics:        c.baseline.Status().Metrics,
	}
	return st
}

// Reset clears buffers, learned models and counters. It waits for a
// background retrain to finish first.
func (c *Coordinator) Reset() {
	c.Wait()
	c.series.Reset()
	c.joint.Reset()
	c.forest.Reset()
	c.baseline.Reset()
	c.jointSinceTrain.Store(0)

	c.statsMu.Lock()
	c.stats = counters{}
	c.statsMu.Unlock()
	c.logger.Info("coordinator reset")
}

// Window returns the buffered history of one metric for a server.
func (c *Coordinator) Window(serverID string, m types.Metric) []types.MetricSample {
	return c.series.Snapshot(buffer.SeriesKey{ServerID: serverID, Metric: m})
}

// JointWindow returns the buffered joint history for a server.
func (c *Coordinator) JointWindow(serverID string) []types.MultiMetricSample {
	return c.joint.Snapshot(serverID)
}

// Servers lists every server with buffered data.
func (c *Coordinator) Servers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range c.series.Keys() {
		if _, ok := seen[k.ServerID]; !ok {
			seen[k.ServerID] = struct{}{}
			out = append(out, k.ServerID)
		}
	}
	return out
}
