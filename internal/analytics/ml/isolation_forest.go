package ml

import (
	"math"
	"math/rand"
	"time"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

const (
	maxTrees         = 1000
	maxSubSampleSize = 4096
	maxTreeDepth     = 32

	eulerGamma = 0.5772156649
)

// isolationTree is a single node of a randomized partition tree.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left         *isolationTree
	right        *isolationTree
	size         int
	isLeaf       bool
}

// IsolationForest is an immutable, trained ensemble of isolation trees over
// the four-dimensional cpu/memory/disk/network space. Build one with
// BuildForest; it is safe for concurrent scoring.
type IsolationForest struct {
	trees      []*isolationTree
	sampleSize int
	maxDepth   int
	norm       float64
	threshold  float64
	trainedOn  int
	trainedAt  time.Time

	// version is assigned by the Detector when the forest is installed.
	version uint64
}

// BuildForest trains a forest on points. rng is consumed by the build and
// must not be shared with concurrent callers.
func BuildForest(points [][types.NumMetrics]float64, cfg Config, rng *rand.Rand) *IsolationForest {
	cfg = cfg.normalized()

	sampleSize := cfg.SubSampleSize
	if sampleSize > len(points) {
		sampleSize = len(points)
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = int(math.Ceil(math.Log2(float64(sampleSize))))
		if maxDepth < 1 {
			maxDepth = 1
		}
	}
	if maxDepth > maxTreeDepth {
		maxDepth = maxTreeDepth
	}

	f := &IsolationForest{
		trees:      make([]*isolationTree, 0, cfg.NumTrees),
		sampleSize: sampleSize,
		maxDepth:   maxDepth,
		norm:       averagePathLength(sampleSize),
		threshold:  cfg.Threshold,
		trainedOn:  len(points),
		trainedAt:  time.Now(),
	}
	if len(points) == 0 {
		return f
	}

	scratch := make([][types.NumMetrics]float64, len(points))
	for i := 0; i < cfg.NumTrees; i++ {
		copy(scratch, points)
		sample := subSample(scratch, sampleSize, rng)
		f.trees = append(f.trees, f.buildTree(sample, 0, rng))
	}
	return f
}

// subSample shuffles the first n positions of data in place (partial
// Fisher-Yates) and returns them.
func subSample(data [][types.NumMetrics]float64, n int, rng *rand.Rand) [][types.NumMetrics]float64 {
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(data)-i)
		data[i], data[j] = data[j], data[i]
	}
	// The tree build partitions in place, so hand it its own copy.
	out := make([][types.NumMetrics]float64, n)
	copy(out, data[:n])
	return out
}

func (f *IsolationForest) buildTree(data [][types.NumMetrics]float64, depth int, rng *rand.Rand) *isolationTree {
	if len(data) <= 1 || depth >= f.maxDepth || allIdentical(data) {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	// Only split on dimensions that actually vary in this partition.
	var candidates [types.NumMetrics]int
	n := 0
	for feature := 0; feature < types.NumMetrics; feature++ {
		lo, hi := featureRange(data, feature)
		if hi > lo {
			candidates[n] = feature
			n++
		}
	}
	splitFeature := candidates[rng.Intn(n)]
	lo, hi := featureRange(data, splitFeature)
	splitValue := lo + rng.Float64()*(hi-lo)

	left, right := partition(data, splitFeature, splitValue)
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{size: len(data), isLeaf: true}
	}

	return &isolationTree{
		splitFeature: splitFeature,
		splitValue:   splitValue,
		left:         f.buildTree(left, depth+1, rng),
		right:        f.buildTree(right, depth+1, rng),
		size:         len(data),
	}
}

// Score returns the anomaly score in [0,1], the mean path length, and the
// per-dimension split frequency along the point's paths (summing to 1, or
// all zero when no split was crossed).
func (f *IsolationForest) Score(x [types.NumMetrics]float64) (float64, float64, [types.NumMetrics]float64) {
	var contribution [types.NumMetrics]float64
	if len(f.trees) == 0 || f.norm <= 0 {
		return 0, 0, contribution
	}

	var splits [types.NumMetrics]int
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0, &splits)
	}
	avg := total / float64(len(f.trees))
	score := rescale(math.Pow(2, -avg/f.norm))

	crossed := 0
	for _, c := range splits {
		crossed += c
	}
	if crossed > 0 {
		for i, c := range splits {
			contribution[i] = float64(c) / float64(crossed)
		}
	}
	return math.Min(math.Max(score, 0), 1), avg, contribution
}

// rescale maps the raw isolation score 2^(-E[h]/c(ψ)) onto [0,1] so that a
// point isolated at the expected depth c(ψ) (raw 0.5) or deeper scores 0 and
// an immediately isolated point (raw 1) scores 1.
func rescale(raw float64) float64 {
	return math.Max(0, (raw-0.5)/0.5)
}

// Threshold is the operating score above which a point is anomalous.
func (f *IsolationForest) Threshold() float64 { return f.threshold }

// Version is the install sequence number of this forest, 0 until installed.
func (f *IsolationForest) Version() uint64 { return f.version }

// NumTrees returns the ensemble size.
func (f *IsolationForest) NumTrees() int { return len(f.trees) }

// SampleSize returns the effective subsample size ψ.
func (f *IsolationForest) SampleSize() int { return f.sampleSize }

func pathLength(tree *isolationTree, x [types.NumMetrics]float64, depth int, splits *[types.NumMetrics]int) float64 {
	for !tree.isLeaf {
		splits[tree.splitFeature]++
		if x[tree.splitFeature] < tree.splitValue {
			tree = tree.left
		} else {
			tree = tree.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(tree.size)
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*harmonicNumber(n-1) - 2*float64(n-1)/float64(n)
}

func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + eulerGamma
}

func allIdentical(data [][types.NumMetrics]float64) bool {
	first := data[0]
	for _, p := range data[1:] {
		for j := range first {
			if math.Abs(p[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data [][types.NumMetrics]float64, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, p := range data[1:] {
		if p[feature] < lo {
			lo = p[feature]
		}
		if p[feature] > hi {
			hi = p[feature]
		}
	}
	return lo, hi
}

// partition reorders data in place so that points below splitValue come
// first and returns both halves as subslices.
func partition(data [][types.NumMetrics]float64, feature int, splitValue float64) ([][types.NumMetrics]float64, [][types.NumMetrics]float64) {
	i := 0
	for j := range data {
		if data[j][feature] < splitValue {
			data[i], data[j] = data[j], data[i]
			i++
		}
	}
	return data[:i], data[i:]
}
