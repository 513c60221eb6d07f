package engine

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode"

	"github.com/m-mizutani/gt"

	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/blob"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/embed"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
)

var vocab = []string{"alpha", "beta", "strategic", "data", "outcome", "system", "log", "event", "plan", "deploy", "error"}

// keywordEmbedder counts vocabulary words; the last dimension is always set
// so that no text maps to the zero vector.
type keywordEmbedder struct {
	calls atomic.Int64
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	k.calls.Add(1)
	v := make([]float32, len(vocab)+1)
	v[len(vocab)] = 1
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if i := slices.Index(vocab, w); i >= 0 {
			v[i]++
		}
	}
	return v, nil
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newBlobs(t *testing.T) *blob.FSStore {
	t.Helper()
	s, err := blob.NewFSStore(t.TempDir(), blob.BucketName("", "test_domain"))
	gt.NoError(t, err)
	return s
}

func testOptions(t *testing.T) Options {
	return Options{
		Dimension: len(vocab) + 1,
		Root:      t.TempDir(),
		Clock:     func() time.Time { return testNow },
	}
}

func newManager(t *testing.T, blobs blob.Store, e embed.Embedder, opts Options) *Manager {
	t.Helper()
	ctx := logging.With(context.Background(), logging.Discard())
	m := New(ctx, "test_domain", blobs, e, opts)
	gt.NoError(t, m.Err())
	gt.True(t, m.IsReady())
	return m
}

func ingest(t *testing.T, m *Manager, agent, in, out string, typ model.MemoryType) IngestResult {
	t.Helper()
	res, err := m.Ingest(context.Background(), model.MemoryRecord{
		AgentID:    agent,
		InputText:  in,
		OutputText: out,
		MemoryType: typ,
	})
	gt.NoError(t, err)
	return res
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	m := newManager(t, blobs, &keywordEmbedder{}, testOptions(t))

	a := ingest(t, m, "alpha", "Alpha's strategic data", "Outcome A", model.MemoryStrategy)
	gt.Equal(t, a.Status, StatusSuccess)
	b := ingest(t, m, "beta", "Beta's system log", "System event B", model.MemorySystem)
	gt.Equal(t, b.Status, StatusSuccess)

	again := ingest(t, m, "alpha", "Alpha's strategic data", "Outcome A", model.MemoryStrategy)
	gt.Equal(t, again.Status, StatusSkipped)

	r := m.Reinforce(ctx, a.Fingerprint, 0.15)
	gt.Equal(t, r.Status, StatusSuccess)
	gt.Equal(t, r.OldScore, 0.75)
	gt.Equal(t, r.NewScore, 0.9)

	hits, err := m.Recall(ctx, RecallQuery{Text: "system event", K: 1, AgentID: "beta", MemoryType: model.MemorySystem})
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].Record.Fingerprint, b.Fingerprint)

	hits, err = m.Recall(ctx, RecallQuery{Text: "xyzzy plugh", K: 1}.WithMinScore(0.95))
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)

	gt.NoError(t, m.Shutdown(ctx, true))
	gt.False(t, m.IsReady())

	// a fresh cache root stands in for a wiped machine
	fresh := newManager(t, blobs, &keywordEmbedder{}, testOptions(t))
	defer fresh.Shutdown(ctx, false)

	hits, err = fresh.Recall(ctx, RecallQuery{Text: "strategic", K: 1})
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].Record.Fingerprint, a.Fingerprint)
	gt.Equal(t, hits[0].Record.Trust(), 0.9)
	gt.Equal(t, hits[0].Record.InputText, "Alpha's strategic data")
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	first := ingest(t, m, "alpha", "deploy plan", "done", model.MemoryPlan)
	second := ingest(t, m, "alpha", "  deploy plan ", "done", model.MemoryPlan)
	gt.Equal(t, first.Status, StatusSuccess)
	gt.Equal(t, second.Status, StatusSkipped)
	gt.Equal(t, second.Fingerprint, first.Fingerprint)

	st := m.Stats(ctx)
	gt.Equal(t, st.Records, 1)
	gt.Equal(t, st.Vectors, 1)
	gt.Equal(t, st.Metrics.Ingested, int64(1))
	gt.Equal(t, st.Metrics.Skipped, int64(1))
	gt.Equal(t, st.DurableEvents, 1)
}

func TestIngestSharesVectorIDAcrossTiers(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	inputs := []string{"alpha data", "beta log", "system error", "deploy plan"}
	for i, in := range inputs {
		res := ingest(t, m, "alpha", in, "ok", model.MemoryTask)
		gt.Equal(t, res.Status, StatusSuccess)
		gt.Equal(t, res.VectorID, int64(i))

		rec, err := m.cache.Metadata().GetByFingerprint(ctx, res.Fingerprint)
		gt.NoError(t, err)
		gt.Equal(t, rec.VectorID, res.VectorID)
		_, err = m.cache.Primary().Vector(ctx, res.VectorID)
		gt.NoError(t, err)
	}
	gt.Equal(t, m.cache.Primary().Len(), len(inputs))
}

func TestIngestWritesDurableEvent(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)
	m := newManager(t, blobs, &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	res := ingest(t, m, "alpha", "alpha data", "ok", model.MemoryTask)
	gt.S(t, res.DurableRef).Contains("events/2025-03-01/")

	objs, err := blobs.List(ctx, "events/2025-03-01/")
	gt.NoError(t, err)
	gt.A(t, objs).Length(1)
	gt.Equal(t, objs[0].Path, res.DurableRef)
}

func TestIngestRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	e := &keywordEmbedder{}
	m := newManager(t, newBlobs(t), e, testOptions(t))
	defer m.Shutdown(ctx, false)

	res, err := m.Ingest(ctx, model.MemoryRecord{AgentID: "a", InputText: "x", OutputText: "y", MemoryType: "GOSSIP"})
	gt.NoError(t, err)
	gt.Equal(t, res.Status, StatusError)

	res, err = m.Ingest(ctx, model.MemoryRecord{AgentID: "a", InputText: "x", OutputText: "y", MemoryType: model.MemoryTask}.WithTrust(1.5))
	gt.NoError(t, err)
	gt.Equal(t, res.Status, StatusError)
	gt.Equal(t, e.calls.Load(), int64(0))

	fails, err := m.GetTraceEvents(ctx, model.EventIngest)
	gt.NoError(t, err)
	gt.A(t, fails).Length(2)
	gt.Equal(t, fails[0].Status, model.StatusFail)
}

func TestEmbeddingFailureIsHard(t *testing.T) {
	ctx := context.Background()
	broken := embed.Func(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider down")
	})
	m := newManager(t, newBlobs(t), broken, testOptions(t))
	defer m.Shutdown(ctx, false)

	res, err := m.Ingest(ctx, model.NewRecord("alpha", "in", "out", model.MemoryTask))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, ErrEmbedding))
	gt.Equal(t, res.Status, StatusError)

	st := m.Stats(ctx)
	gt.Equal(t, st.Records, 0)
	gt.Equal(t, st.Vectors, 0)
	gt.Equal(t, st.Metrics.EmbeddingFailures, int64(1))
}

func TestEmptyEmbeddingIsHard(t *testing.T) {
	ctx := context.Background()
	empty := embed.Func(func(context.Context, string) ([]float32, error) { return nil, nil })
	m := newManager(t, newBlobs(t), empty, testOptions(t))
	defer m.Shutdown(ctx, false)

	_, err := m.Ingest(ctx, model.NewRecord("alpha", "in", "out", model.MemoryTask))
	gt.True(t, errors.Is(err, ErrEmbedding))
	gt.True(t, errors.Is(err, embed.ErrEmptyEmbedding))
}

func TestZeroVectorIsRejected(t *testing.T) {
	ctx := context.Background()
	base := &keywordEmbedder{}
	zeroFor := func(text string) bool { return strings.Contains(text, "void") }
	e := embed.Func(func(ctx context.Context, text string) ([]float32, error) {
		if zeroFor(text) {
			return make([]float32, len(vocab)+1), nil
		}
		return base.Embed(ctx, text)
	})
	m := newManager(t, newBlobs(t), e, testOptions(t))
	defer m.Shutdown(ctx, false)

	ingest(t, m, "alpha", "alpha data", "ok", model.MemoryTask)

	// ingest side: nothing reaches either tier
	res, err := m.Ingest(ctx, model.NewRecord("beta", "void", "void", model.MemoryTask))
	gt.True(t, errors.Is(err, ErrEmbedding))
	gt.True(t, errors.Is(err, embed.ErrDegenerateEmbedding))
	gt.Equal(t, res.Status, StatusError)
	st := m.Stats(ctx)
	gt.Equal(t, st.Records, 1)
	gt.Equal(t, st.Vectors, 1)

	// query side
	hits, err := m.Recall(ctx, RecallQuery{Text: "void", K: 5}.WithMinScore(0.95))
	gt.True(t, errors.Is(err, embed.ErrDegenerateEmbedding))
	gt.A(t, hits).Length(0)

	hits, err = m.Recall(ctx, RecallQuery{Text: "alpha data", K: 5}.WithMinScore(0.99))
	gt.NoError(t, err)
	for _, h := range hits {
		gt.True(t, h.Score >= 0.99)
	}
}

func TestIngestKeepsZeroTrust(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	rec := model.NewRecord("alpha", "alpha data", "ok", model.MemoryTask).WithTrust(0)
	res, err := m.Ingest(ctx, rec)
	gt.NoError(t, err)
	gt.Equal(t, res.Status, StatusSuccess)

	hits, err := m.Recall(ctx, RecallQuery{Text: "alpha data", K: 1}.WithMinScore(0))
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].Record.Trust(), 0.0)
	gt.True(t, math.Abs(hits[0].Score-0.8) < 1e-3)
}

func TestThresholdRejectsNaN(t *testing.T) {
	gt.False(t, passesThreshold(math.NaN(), 0))
	gt.False(t, passesThreshold(0.1, 0.15))
	gt.True(t, passesThreshold(0.15, 0.15))
}

func TestRecallOnEmptyDomainSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	e := &keywordEmbedder{}
	m := newManager(t, newBlobs(t), e, testOptions(t))
	defer m.Shutdown(ctx, false)

	hits, err := m.Recall(ctx, RecallQuery{Text: "anything", K: 3})
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)
	gt.Equal(t, e.calls.Load(), int64(0))
}

func TestRecallOrderingAndThreshold(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	ingest(t, m, "alpha", "system event log", "system error", model.MemoryError)
	ingest(t, m, "alpha", "system plan", "deploy", model.MemoryPlan)
	ingest(t, m, "beta", "strategic data", "outcome", model.MemoryStrategy)
	ingest(t, m, "beta", "alpha beta", "plan", model.MemoryDialogue)
	ingest(t, m, "beta", "error", "error log", model.MemoryError)

	for _, threshold := range []float64{0, 0.5, 0.7, 0.8} {
		hits, err := m.Recall(ctx, RecallQuery{Text: "system error log", K: 10}.WithMinScore(threshold))
		gt.NoError(t, err)
		for i, h := range hits {
			gt.True(t, h.Score >= threshold)
			if i > 0 {
				gt.True(t, hits[i-1].Score >= h.Score)
			}
		}
	}

	hits, err := m.Recall(ctx, RecallQuery{Text: "system error log", K: 2}.WithMinScore(0))
	gt.NoError(t, err)
	gt.A(t, hits).Length(2)
	gt.Equal(t, hits[0].Record.InputText, "system event log")
}

func TestRecallFilters(t *testing.T) {
	for _, sharding := range []bool{false, true} {
		ctx := context.Background()
		opts := testOptions(t)
		opts.Sharding = sharding
		m := newManager(t, newBlobs(t), &keywordEmbedder{}, opts)

		ingest(t, m, "alpha", "system log", "event", model.MemorySystem)
		ingest(t, m, "alpha", "system plan", "event", model.MemoryPlan)
		ingest(t, m, "beta", "system log", "event beta", model.MemorySystem)

		hits, err := m.Recall(ctx, RecallQuery{Text: "system event", K: 10, AgentID: "alpha"}.WithMinScore(0))
		gt.NoError(t, err)
		gt.A(t, hits).Length(2)
		for _, h := range hits {
			gt.Equal(t, h.Record.AgentID, "alpha")
		}

		hits, err = m.Recall(ctx, RecallQuery{Text: "system event", K: 10, MemoryType: model.MemorySystem}.WithMinScore(0))
		gt.NoError(t, err)
		gt.A(t, hits).Length(2)
		for _, h := range hits {
			gt.Equal(t, h.Record.MemoryType, model.MemorySystem)
		}

		hits, err = m.Recall(ctx, RecallQuery{Text: "system event", K: 10, AgentID: "nobody"}.WithMinScore(0))
		gt.NoError(t, err)
		gt.A(t, hits).Length(0)

		gt.NoError(t, m.Shutdown(ctx, false))
	}
}

func TestScoreDecaysWithAge(t *testing.T) {
	m := &Manager{opts: DefaultOptions().withDefaults()}
	fresh := model.MemoryRecord{CreatedAt: testNow}.WithTrust(0.75)
	old := model.MemoryRecord{CreatedAt: testNow.Add(-24 * time.Hour)}.WithTrust(0.75)

	h := m.score(0, fresh, testNow)
	gt.Equal(t, h.Similarity, 1.0)
	gt.Equal(t, h.Decay, 1.0)
	gt.Equal(t, h.Score, 0.95)

	h = m.score(0, old, testNow)
	gt.True(t, math.Abs(h.Decay-math.Exp(-0.00005*86400)) < 1e-4)
	gt.True(t, math.Abs(h.Score-0.654) < 1e-3)

	// records from the future do not score above fresh ones
	future := model.MemoryRecord{CreatedAt: testNow.Add(time.Hour)}.WithTrust(0.75)
	gt.Equal(t, m.score(0, future, testNow).Decay, 1.0)
}

func TestReinforceConvergesToOne(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	res := ingest(t, m, "alpha", "alpha data", "ok", model.MemoryTask)
	prev := 0.75
	for range 10 {
		r := m.Reinforce(ctx, res.Fingerprint, 0)
		gt.Equal(t, r.Status, StatusSuccess)
		gt.True(t, r.NewScore <= 1.0)
		gt.True(t, r.NewScore >= prev)
		prev = r.NewScore
	}
	gt.Equal(t, prev, 1.0)

	r := m.Reinforce(ctx, "missing", 0.1)
	gt.Equal(t, r.Status, StatusNotFound)

	r = m.Reinforce(ctx, res.Fingerprint, -0.5)
	gt.Equal(t, r.Status, StatusError)

	events, err := m.GetTraceEvents(ctx, model.EventReinforce)
	gt.NoError(t, err)
	gt.A(t, events).Length(11)
	gt.Equal(t, events[0].Payload["new_score"], any(0.85))
	gt.Equal(t, events[10].Status, model.StatusFail)
}

func TestRecallTraceEvents(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	defer m.Shutdown(ctx, false)

	ingest(t, m, "alpha", "alpha data", "ok", model.MemoryTask)
	_, err := m.Recall(ctx, RecallQuery{Text: "alpha", K: 1})
	gt.NoError(t, err)

	events, err := m.GetTraceEvents(ctx, model.EventRecall)
	gt.NoError(t, err)
	gt.A(t, events).Length(2)
	gt.Equal(t, events[0].Status, model.StatusRequest)
	gt.Equal(t, events[1].Status, model.StatusSuccess)

	all, err := m.GetTraceEvents(ctx)
	gt.NoError(t, err)
	gt.A(t, all).Length(3)
}

type brokenBlobs struct {
	blob.Store
}

func (brokenBlobs) EnsureNamespace(context.Context, []string) error {
	return errors.New("bucket unreachable")
}

func TestInitializationFailureMarksNotReady(t *testing.T) {
	ctx := logging.With(context.Background(), logging.Discard())
	e := &keywordEmbedder{}
	m := New(ctx, "test_domain", brokenBlobs{}, e, testOptions(t))
	gt.False(t, m.IsReady())
	gt.Error(t, m.Err())

	res, err := m.Ingest(ctx, model.NewRecord("alpha", "in", "out", model.MemoryTask))
	gt.NoError(t, err)
	gt.Equal(t, res.Status, StatusError)

	hits, err := m.Recall(ctx, RecallQuery{Text: "in"})
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)

	gt.Equal(t, m.Reinforce(ctx, res.Fingerprint, 0.1).Status, StatusError)
	gt.Equal(t, e.calls.Load(), int64(0))
	gt.NoError(t, m.Shutdown(ctx, true))

	st := m.Stats(ctx)
	gt.False(t, st.Ready)
	gt.S(t, st.Error).Contains("bucket unreachable")

	m = New(ctx, "test_domain", newBlobs(t), nil, testOptions(t))
	gt.False(t, m.IsReady())
}

func TestShutdownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newBlobs(t), &keywordEmbedder{}, testOptions(t))
	ingest(t, m, "alpha", "alpha data", "ok", model.MemoryTask)

	gt.NoError(t, m.Shutdown(ctx, true))
	gt.NoError(t, m.Shutdown(ctx, true))
	gt.False(t, m.IsReady())

	res, err := m.Ingest(ctx, model.NewRecord("alpha", "more", "data", model.MemoryTask))
	gt.NoError(t, err)
	gt.Equal(t, res.Status, StatusError)

	st := m.Stats(ctx)
	_, pushed := st.LastSync["push:db/memory_metadata.db"]
	gt.True(t, pushed)
}
