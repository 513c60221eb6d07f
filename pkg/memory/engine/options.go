package engine

import (
	"time"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/embed"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/trace"
)

// ScoreWeights controls the contribution of each component of the composite
// recall score.
type ScoreWeights struct {
	Similarity float64
	Recency    float64
	Trust      float64
}

// Options configures a cognitive domain manager.
type Options struct {
	Weights ScoreWeights
	// DecayRate is the per-second rate of the exponential recency decay.
	DecayRate float64
	MinScore  float64
	// OverFetch multiplies k when querying the vector index so that
	// filters and the score threshold still leave enough candidates.
	OverFetch int
	DefaultK  int
	Boost     float64
	Dimension int
	Sharding  bool
	// Root is the local cache root; empty means the default under the home directory.
	Root  string
	Sinks []trace.Sink
	Clock func() time.Time
}

// DefaultOptions returns the defaults used for any zero field.
func DefaultOptions() Options {
	return Options{
		Weights: ScoreWeights{
			Similarity: 0.5,
			Recency:    0.3,
			Trust:      0.2,
		},
		DecayRate: 0.00005,
		MinScore:  0.15,
		OverFetch: 10,
		DefaultK:  5,
		Boost:     0.1,
		Dimension: embed.DefaultDimension,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.Weights.Similarity == 0 && o.Weights.Recency == 0 && o.Weights.Trust == 0 {
		o.Weights = defaults.Weights
	}
	if o.DecayRate == 0 {
		o.DecayRate = defaults.DecayRate
	}
	if o.MinScore == 0 {
		o.MinScore = defaults.MinScore
	}
	if o.OverFetch <= 0 {
		o.OverFetch = defaults.OverFetch
	}
	if o.DefaultK <= 0 {
		o.DefaultK = defaults.DefaultK
	}
	if o.Boost == 0 {
		o.Boost = defaults.Boost
	}
	if o.Dimension <= 0 {
		o.Dimension = defaults.Dimension
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
