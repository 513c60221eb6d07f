package embed

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

// CachedEmbedder memoises embeddings keyed by namespace and text.
type CachedEmbedder struct {
	base      Embedder
	namespace string
	cache     *ristretto.Cache
}

// NewCachedEmbedder keeps up to capacity vectors. namespace separates
// caches of different models sharing one process.
func NewCachedEmbedder(base Embedder, namespace string, capacity int64) (*CachedEmbedder, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
		// cost is counted in entries, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create embedding cache")
	}
	return &CachedEmbedder{base: base, namespace: namespace, cache: cache}, nil
}

func (c *CachedEmbedder) key(text string) string {
	return model.Fingerprint(c.namespace, text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if v, ok := c.cache.Get(k); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}
	vec, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(k, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() error {
	c.cache.Close()
	return nil
}
