package embed

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/m-mizutani/gt"
)

type countingEmbedder struct {
	calls atomic.Int64
	vec   []float32
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	if c.vec != nil {
		return c.vec, nil
	}
	return []float32{float32(len(text))}, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestDummyEmbeddingIsDeterministicUnitVector(t *testing.T) {
	a := DummyEmbedding("the quick brown fox", 64)
	b := DummyEmbedding("the quick brown fox", 64)
	gt.A(t, a).Length(64)
	gt.Equal(t, a, b)

	norm := dot(a, a)
	gt.True(t, norm > 0.999 && norm < 1.001)
}

func TestDummyEmbeddingSharedWordsAreCloser(t *testing.T) {
	base := DummyEmbedding("system event log", 256)
	near := DummyEmbedding("system event", 256)
	gt.True(t, dot(base, near) > 0.5)
}

func TestDummyEmbeddingEmptyText(t *testing.T) {
	v := DummyEmbedding("", 8)
	gt.Equal(t, v[0], float32(1))
}

func TestDummyEmbedderDefaultDimension(t *testing.T) {
	v, err := DummyEmbedder{}.Embed(context.Background(), "x")
	gt.NoError(t, err)
	gt.A(t, v).Length(DefaultDimension)
}

func TestDimensionFor(t *testing.T) {
	gt.Equal(t, DimensionFor("text-embedding-3-large"), 3072)
	gt.Equal(t, DimensionFor("TEXT-EMBEDDING-3-SMALL"), 1536)
	gt.Equal(t, DimensionFor("something-else"), DefaultDimension)
}

func TestFromBatch(t *testing.T) {
	e := FromBatch(func(_ context.Context, texts []string) ([][]float32, error) {
		gt.A(t, texts).Length(1)
		return [][]float32{{1, 2, 3}}, nil
	})
	v, err := e.Embed(context.Background(), "x")
	gt.NoError(t, err)
	gt.Equal(t, v, []float32{1, 2, 3})

	empty := FromBatch(func(context.Context, []string) ([][]float32, error) { return nil, nil })
	_, err = empty.Embed(context.Background(), "x")
	gt.True(t, errors.Is(err, ErrEmptyEmbedding))
}

func TestFromFloat64(t *testing.T) {
	e := FromFloat64(func(context.Context, string) ([]float64, error) { return []float64{0.5, -1}, nil })
	v, err := e.Embed(context.Background(), "x")
	gt.NoError(t, err)
	gt.Equal(t, v, []float32{0.5, -1})
}

func TestCheckedRejectsWrongDimension(t *testing.T) {
	e := Checked(&countingEmbedder{vec: []float32{1, 2}}, 3)
	_, err := e.Embed(context.Background(), "x")
	gt.Error(t, err)

	e = Checked(&countingEmbedder{vec: []float32{}}, 0)
	_, err = e.Embed(context.Background(), "x")
	gt.True(t, errors.Is(err, ErrEmptyEmbedding))

	e = Checked(&countingEmbedder{vec: []float32{1, 2, 3}}, 3)
	v, err := e.Embed(context.Background(), "x")
	gt.NoError(t, err)
	gt.A(t, v).Length(3)
}

func TestCheckedRejectsDegenerateVectors(t *testing.T) {
	nan := float32(math.NaN())
	for _, v := range [][]float32{
		{0, 0, 0},
		{1, nan, 0},
		{float32(math.Inf(1)), 0, 0},
	} {
		_, err := Checked(&countingEmbedder{vec: v}, 3).Embed(context.Background(), "x")
		gt.True(t, errors.Is(err, ErrDegenerateEmbedding))
	}
}

func TestCachedEmbedderReusesVectors(t *testing.T) {
	base := &countingEmbedder{vec: []float32{1, 0}}
	c, err := NewCachedEmbedder(base, "m", 16)
	gt.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, err = c.Embed(ctx, "hello")
	gt.NoError(t, err)
	c.Wait()
	_, err = c.Embed(ctx, "hello")
	gt.NoError(t, err)
	gt.Equal(t, base.calls.Load(), int64(1))

	_, err = c.Embed(ctx, "other")
	gt.NoError(t, err)
	gt.Equal(t, base.calls.Load(), int64(2))
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	base := &countingEmbedder{err: errors.New("boom")}
	c, err := NewCachedEmbedder(base, "m", 16)
	gt.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "x")
	gt.Error(t, err)
	c.Wait()
	_, err = c.Embed(context.Background(), "x")
	gt.Error(t, err)
	gt.Equal(t, base.calls.Load(), int64(2))
}

func TestLoggedEmbedderPassesThrough(t *testing.T) {
	base := &countingEmbedder{vec: []float32{1}}
	v, err := NewLoggedEmbedder(base, "test", nil).Embed(context.Background(), "x")
	gt.NoError(t, err)
	gt.Equal(t, v, []float32{1})
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), "nope", "", 8)
	gt.Error(t, err)

	e, err := New(context.Background(), "dummy", "", 8)
	gt.NoError(t, err)
	v, err := e.Embed(context.Background(), "x")
	gt.NoError(t, err)
	gt.A(t, v).Length(8)
}

func TestAutoEmbedderSelection(t *testing.T) {
	t.Setenv("COGDOMAIN_EMBED_PROVIDER", "openai")
	t.Setenv("COGDOMAIN_EMBED_MODEL", "text-embedding-3-small")
	t.Setenv("OPENAI_API_KEY", "dummy-key")

	e := AutoEmbedder(context.Background(), 1536)
	_, ok := e.(*OpenAIEmbedder)
	gt.True(t, ok)
}

func TestAutoEmbedderFallback(t *testing.T) {
	t.Setenv("COGDOMAIN_EMBED_PROVIDER", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OLLAMA_HOST", "")

	e := AutoEmbedder(context.Background(), 32)
	d, ok := e.(DummyEmbedder)
	gt.True(t, ok)
	gt.Equal(t, d.Dimension, 32)
}
