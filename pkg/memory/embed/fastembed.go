//go:build fastembed

package embed

import (
	"context"
	"runtime"

	fastembed "github.com/anush008/fastembed-go"
	"github.com/m-mizutani/goerr/v2"
)

// FastEmbedOptions configures the local ONNX embedder.
type FastEmbedOptions struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}

type FastEmbedder struct {
	m   *fastembed.FlagEmbedding
	dim int
	bs  int
}

func defaultFastEmbedOptions() *FastEmbedOptions {
	return &FastEmbedOptions{
		Model:     string(fastembed.BGESmallENV15),
		CacheDir:  ".fastembed",
		BatchSize: 64,
	}
}

func NewFastEmbedder(_ context.Context, opt *FastEmbedOptions) (*FastEmbedder, error) {
	if opt == nil {
		opt = defaultFastEmbedOptions()
	}
	m, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:     fastembed.EmbeddingModel(opt.Model),
		CacheDir:  opt.CacheDir,
		MaxLength: opt.MaxLength,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "init fastembed", goerr.V("model", opt.Model))
	}
	bs := opt.BatchSize
	if bs <= 0 || bs > 4*runtime.GOMAXPROCS(0) {
		bs = 4 * runtime.GOMAXPROCS(0)
	}
	return &FastEmbedder{m: m, dim: DimensionFor(opt.Model), bs: bs}, nil
}

func (e *FastEmbedder) Close() error {
	if e.m != nil {
		e.m.Destroy()
	}
	return nil
}

func (e *FastEmbedder) Dim() int { return e.dim }

// EmbedBatch embeds passages in one call; it satisfies BatchFunc.
func (e *FastEmbedder) EmbedBatch(_ context.Context, docs []string) ([][]float32, error) {
	inputs := make([]string, len(docs))
	for i, d := range docs {
		inputs[i] = "passage: " + d
	}
	out, err := e.m.PassageEmbed(inputs, e.bs)
	if err != nil {
		return nil, goerr.Wrap(err, "fastembed passage embed")
	}
	return out, nil
}

func (e *FastEmbedder) Embed(_ context.Context, q string) ([]float32, error) {
	v, err := e.m.QueryEmbed(q)
	if err != nil {
		return nil, goerr.Wrap(err, "fastembed query embed")
	}
	return v, nil
}
