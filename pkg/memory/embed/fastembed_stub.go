//go:build !fastembed

package embed

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
)

// FastEmbedOptions configures the local ONNX embedder.
type FastEmbedOptions struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}

type FastEmbedder struct{}

func defaultFastEmbedOptions() *FastEmbedOptions { return nil }

func NewFastEmbedder(_ context.Context, _ *FastEmbedOptions) (*FastEmbedder, error) {
	return nil, goerr.New("fastembed support not included; rebuild with -tags fastembed")
}

func (FastEmbedder) Close() error { return nil }

func (FastEmbedder) Dim() int { return 0 }

func (FastEmbedder) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrNotSupported
}

func (FastEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrNotSupported
}
