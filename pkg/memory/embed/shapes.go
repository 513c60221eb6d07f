package embed

import (
	"context"
	"math"

	"github.com/m-mizutani/goerr/v2"
)

// Providers come in more than one call shape. Each shape gets one adapter
// so callers only ever see Embedder.

// Func adapts a plain single-text function.
type Func func(ctx context.Context, text string) ([]float32, error)

func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// BatchFunc is the shape of providers that only embed lists of texts.
type BatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// FromBatch adapts a batch provider to Embedder.
func FromBatch(fn BatchFunc) Embedder {
	return Func(func(ctx context.Context, text string) ([]float32, error) {
		out, err := fn(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(out) == 0 || len(out[0]) == 0 {
			return nil, ErrEmptyEmbedding
		}
		return out[0], nil
	})
}

// Float64Func is the shape of providers that answer with float64 vectors.
type Float64Func func(ctx context.Context, text string) ([]float64, error)

// FromFloat64 adapts a float64 provider to Embedder.
func FromFloat64(fn Float64Func) Embedder {
	return Func(func(ctx context.Context, text string) ([]float32, error) {
		v, err := fn(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(v) == 0 {
			return nil, ErrEmptyEmbedding
		}
		out := make([]float32, len(v))
		for i, x := range v {
			out[i] = float32(x)
		}
		return out, nil
	})
}

// Checked rejects empty, zero-norm, non-finite and wrongly sized vectors.
func Checked(e Embedder, dim int) Embedder {
	return Func(func(ctx context.Context, text string) ([]float32, error) {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(v) == 0 {
			return nil, ErrEmptyEmbedding
		}
		if dim > 0 && len(v) != dim {
			return nil, goerr.New("embedding dimension mismatch",
				goerr.V("expected", dim), goerr.V("actual", len(v)))
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return nil, goerr.Wrap(ErrDegenerateEmbedding, "check embedding", goerr.V("norm", norm))
		}
		return v, nil
	})
}
