package baseline

import (
	"math"
	"time"
)

// Bucket accumulates running sums for one temporal slot. Mean and StdDev
// are derived on read.
type Bucket struct {
	Sum         float64   `json:"sum"`
	SumSquares  float64   `json:"sum_squares"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Add folds v into the bucket.
func (b *Bucket) Add(v float64, ts time.Time) {
	b.Sum += v
	b.SumSquares += v * v
	b.Count++
	if ts.After(b.LastUpdated) {
		b.LastUpdated = ts
	}
}

// Mean returns the bucket mean, or 0 when empty.
func (b Bucket) Mean() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

// StdDev returns the population standard deviation. Negative variance from
// rounding is clamped to zero.
func (b Bucket) StdDev() float64 {
	if b.Count == 0 {
		return 0
	}
	mean := b.Mean()
	variance := b.SumSquares/float64(b.Count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// series holds every bucket for one metric.
type series struct {
	hourly [24]Bucket
	daily  [7]Bucket
	global Bucket
}

func (s *series) add(v float64, ts time.Time) {
	s.hourly[ts.Hour()].Add(v, ts)
	s.daily[int(ts.Weekday())].Add(v, ts)
	s.global.Add(v, ts)
}
