package embedding

import (
	"errors"
	"fmt"
	"slices"

	"github.com/book-expert/vc-service/internal/core"
	"gonum.org/v1/gonum/floats"
)

// Aggregation selects how several reference clips of one speaker combine
// into a single embedding.
type Aggregation int

// Supported aggregations.
const (
	AggregateMean Aggregation = iota
	AggregateFirst
	AggregateMaxNorm
)

var (
	// ErrNoClips indicates aggregation was asked to combine nothing.
	ErrNoClips = errors.New("no embeddings to aggregate")
	// ErrShapeMismatch indicates clips produced embeddings of different sizes.
	ErrShapeMismatch = errors.New("embedding sizes differ between clips")
	// ErrUnknownAggregation indicates an unrecognised aggregation name.
	ErrUnknownAggregation = errors.New("unknown aggregation")
)

// ParseAggregation maps a configuration value onto an Aggregation.
func ParseAggregation(name string) (Aggregation, error) {
	switch name {
	case "", "mean":
		return AggregateMean, nil
	case "first":
		return AggregateFirst, nil
	case "max_norm":
		return AggregateMaxNorm, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAggregation, name)
	}
}

// String returns the configuration name of the aggregation.
func (a Aggregation) String() string {
	switch a {
	case AggregateMean:
		return "mean"
	case AggregateFirst:
		return "first"
	case AggregateMaxNorm:
		return "max_norm"
	default:
		return "unknown"
	}
}

// Combine reduces clip embeddings according to a.
func (a Aggregation) Combine(clips []core.Embedding) (core.Embedding, error) {
	if len(clips) == 0 {
		return core.Embedding{}, ErrNoClips
	}

	dim := clips[0].Dim()
	for _, clip := range clips[1:] {
		if clip.Dim() != dim {
			return core.Embedding{}, fmt.Errorf("%w: %d vs %d", ErrShapeMismatch, dim, clip.Dim())
		}
	}

	switch a {
	case AggregateFirst:
		return clips[0].Clone(), nil
	case AggregateMaxNorm:
		best := 0
		for i := range clips {
			if floats.Norm(clips[i].Vector, 2) > floats.Norm(clips[best].Vector, 2) {
				best = i
			}
		}

		return clips[best].Clone(), nil
	case AggregateMean:
		sum := make([]float64, dim)
		for _, clip := range clips {
			floats.Add(sum, clip.Vector)
		}

		floats.Scale(1/float64(len(clips)), sum)

		return core.Embedding{Vector: sum, Shape: slices.Clone(clips[0].Shape)}, nil
	default:
		return core.Embedding{}, fmt.Errorf("%w: %d", ErrUnknownAggregation, int(a))
	}
}
