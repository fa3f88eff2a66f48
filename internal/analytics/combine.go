package analytics

import (
	"math"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

const (
	// adaptiveMaxSigma caps the adaptive deviation before scaling to [0,1].
	adaptiveMaxSigma = 5.0
	// minContribution is the share a multivariate dimension needs to be
	// named dominant.
	minContribution = 0.3
)

// statisticalBandScore maps a z-score severity band to a scalar score.
func statisticalBandScore(s types.Severity) float64 {
	switch s {
	case types.SeverityHigh, types.SeverityCritical:
		return 0.95
	case types.SeverityMedium:
		return 0.75
	case types.SeverityLow:
		return 0.55
	}
	return 0
}

// severityTier grades a combined score.
func severityTier(score float64) types.Severity {
	switch {
	case score >= 0.85:
		return types.SeverityCritical
	case score >= 0.7:
		return types.SeverityHigh
	case score >= 0.5:
		return types.SeverityMedium
	}
	return types.SeverityLow
}

// combine fills the voting fields of v from its per-strategy verdicts.
func (c *Coordinator) combine(v *UnifiedVerdict) {
	w := c.cfg.Weights
	var weighted, active float64
	votes := v.Votes[:0]

	if score, voted, ok := v.statisticalScore(); ok {
		weighted += score * w.Statistical
		active += w.Statistical
		if voted {
			votes = append(votes, StrategyStatistical)
		}
	}
	if v.Multivariate != nil {
		weighted += v.Multivariate.Score * w.IsolationForest
		active += w.IsolationForest
		if v.Multivariate.IsAnomaly {
			votes = append(votes, StrategyIsolationForest)
		}
	}
	if score, voted, ok := v.adaptiveScore(); ok {
		weighted += score * w.Adaptive
		active += w.Adaptive
		if voted {
			votes = append(votes, StrategyAdaptive)
		}
	}

	if active != 0 && active != 1 {
		weighted /= active
	}
	weighted = math.Min(math.Max(weighted, 0), 1)

	v.WeightedScore = weighted
	v.Votes = votes
	v.IsAnomaly = weighted > c.cfg.VotingThreshold
	v.Severity = types.SeverityNone
	if v.IsAnomaly {
		v.Severity = severityTier(weighted)
	}
	switch len(votes) {
	case 0:
		v.Consensus = ConsensusNone
	case 3:
		v.Consensus = ConsensusFull
	default:
		v.Consensus = ConsensusPartial
	}
	v.DominantMetric = v.dominantMetric()
}

// statisticalScore is the highest band score across metrics. ok is false
// when no metric produced a verdict.
func (v *UnifiedVerdict) statisticalScore() (score float64, voted, ok bool) {
	for _, sv := range v.Statistical {
		if sv == nil {
			continue
		}
		ok = true
		if sv.IsAnomaly {
			voted = true
			score = math.Max(score, statisticalBandScore(sv.Severity))
		}
	}
	return score, voted, ok
}

// adaptiveScore is the largest capped, normalised deviation across metrics.
func (v *UnifiedVerdict) adaptiveScore() (score float64, voted, ok bool) {
	for _, av := range v.Adaptive {
		if av == nil {
			continue
		}
		ok = true
		if av.IsAnomaly {
			voted = true
		}
		dev := math.Min(math.Abs(av.Deviation), adaptiveMaxSigma)
		score = math.Max(score, dev/adaptiveMaxSigma)
	}
	return score, voted, ok
}

// dominantMetric prefers a high-severity statistical anomaly, then the
// multivariate dimension with the largest contribution, then the largest
// adaptive anomaly, then the largest statistical anomaly.
func (v *UnifiedVerdict) dominantMetric() types.Metric {
	best, bestDev := -1, 0.0
	for i, sv := range v.Statistical {
		if sv != nil && sv.IsAnomaly && sv.Severity == types.SeverityHigh {
			if d := math.Abs(sv.Deviation); best < 0 || d > bestDev {
				best, bestDev = i, d
			}
		}
	}
	if best >= 0 {
		return types.AllMetrics[best]
	}

	if mv := v.Multivariate; mv != nil && mv.IsAnomaly {
		top, share := -1, 0.0
		for i, c := range mv.Contribution {
			if c >= minContribution && c > share {
				top, share = i, c
			}
		}
		if top >= 0 {
			return types.AllMetrics[top]
		}
	}

	for i, av := range v.Adaptive {
		if av != nil && av.IsAnomaly {
			if d := math.Abs(av.Deviation); best < 0 || d > bestDev {
				best, bestDev = i, d
			}
		}
	}
	if best >= 0 {
		return types.AllMetrics[best]
	}

	for i, sv := range v.Statistical {
		if sv != nil && sv.IsAnomaly {
			if d := math.Abs(sv.Deviation); best < 0 || d > bestDev {
				best, bestDev = i, d
			}
		}
	}
	if best >= 0 {
		return types.AllMetrics[best]
	}
	return ""
}
