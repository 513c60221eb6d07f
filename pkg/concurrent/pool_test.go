package concurrent_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/raizoken23/Stage-One-sub000/pkg/concurrent"
)

func TestForEachRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int64
	items := make([]int, 32)

	err := concurrent.ForEach(context.Background(), items, 3, func(context.Context, int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		inFlight.Add(-1)
		return nil
	})
	gt.NoError(t, err)
	gt.True(t, peak.Load() <= 3)
}

func TestForEachReturnsError(t *testing.T) {
	boom := errors.New("boom")
	err := concurrent.ForEach(context.Background(), []int{1, 2, 3}, 2, func(_ context.Context, v int) error {
		if v == 2 {
			return boom
		}
		return nil
	})
	gt.True(t, errors.Is(err, boom))
}

func TestForEachEmpty(t *testing.T) {
	called := false
	err := concurrent.ForEach(context.Background(), []string(nil), 2, func(context.Context, string) error {
		called = true
		return nil
	})
	gt.NoError(t, err)
	gt.False(t, called)
}
