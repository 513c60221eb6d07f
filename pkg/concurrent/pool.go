package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// ForEach runs fn for every item with at most maxConcurrency calls in
// flight. The first error cancels the context handed to the remaining calls
// and is returned.
func ForEach[T any](ctx context.Context, items []T, maxConcurrency int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for _, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, item)
		})
	}
	return g.Wait()
}
