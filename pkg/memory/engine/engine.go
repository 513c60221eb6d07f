package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/raizoken23/Stage-One-sub000/pkg/logging"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/blob"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/domain"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/embed"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/model"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/store"
	"github.com/raizoken23/Stage-One-sub000/pkg/memory/trace"
)

var (
	// ErrNotReady is reported by every operation of a manager whose
	// initialization failed or that has been shut down.
	ErrNotReady = errors.New("cognitive domain is not ready")
	// ErrEmbedding marks a failure of the embedding provider.
	ErrEmbedding = errors.New("embedding failed")
)

// Status is the outcome of an ingest or reinforce call.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusSkipped  Status = "skipped"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

type IngestResult struct {
	Status      Status `json:"status"`
	ID          string `json:"id,omitempty"`
	VectorID    int64  `json:"vector_id"`
	Fingerprint string `json:"fingerprint,omitempty"`
	DurableRef  string `json:"durable_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RecallQuery selects memories similar to Text. A nil MinScore uses the
// manager's configured threshold.
type RecallQuery struct {
	Text       string
	K          int
	AgentID    string
	MemoryType model.MemoryType
	MinScore   *float64
}

// WithMinScore returns a copy of q with an explicit score threshold.
func (q RecallQuery) WithMinScore(v float64) RecallQuery {
	q.MinScore = &v
	return q
}

type RecallHit struct {
	Score      float64            `json:"score"`
	Similarity float64            `json:"similarity"`
	Decay      float64            `json:"decay"`
	Record     model.MemoryRecord `json:"record"`
}

type ReinforceResult struct {
	Status   Status  `json:"status"`
	OldScore float64 `json:"old_score,omitempty"`
	NewScore float64 `json:"new_score,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Stats describes the state of a domain.
type Stats struct {
	Domain    string   `json:"domain"`
	Ready     bool     `json:"ready"`
	Error     string   `json:"error,omitempty"`
	Records   int      `json:"records"`
	Vectors   int      `json:"vectors"`
	Shards    int      `json:"shards"`
	Agents    []string `json:"shard_agents,omitempty"`
	Dimension int      `json:"dimension"`
	// DurableEvents counts the ingest event objects in the durable store.
	DurableEvents int                  `json:"durable_events"`
	LastSync      map[string]time.Time `json:"last_sync,omitempty"`
	Metrics       MetricsSnapshot      `json:"metrics"`
}

// Manager serves one cognitive domain: it owns the domain's local cache and
// is its only writer.
type Manager struct {
	name     string
	opts     Options
	embedder embed.Embedder
	cache    *domain.Cache
	log      *trace.Log
	sinks    trace.Fanout
	metrics  *Metrics
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.RWMutex
	ready    bool
	err      error
	shutdown bool
}

// New hydrates the domain from blobs and returns its manager. New never
// fails: a manager that could not initialize reports IsReady false and the
// cause through Err.
func New(ctx context.Context, name string, blobs blob.Store, embedder embed.Embedder, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		name:    name,
		opts:    opts,
		metrics: &Metrics{},
		logger:  logging.From(ctx).With("domain", name),
		clock:   opts.Clock,
	}
	if embedder == nil {
		m.fail(goerr.New("embedder is required"))
		return m
	}
	m.embedder = embed.Checked(embedder, opts.Dimension)

	cache, err := domain.Open(ctx, name, blobs, domain.Options{
		Root:      opts.Root,
		Dimension: opts.Dimension,
		Sharding:  opts.Sharding,
		Logger:    m.logger,
		Clock:     opts.Clock,
	})
	if err != nil {
		m.fail(err)
		return m
	}
	tlog, err := trace.OpenLog(cache.Paths().Trace)
	if err != nil {
		_ = cache.Close(ctx, false)
		m.fail(err)
		return m
	}
	m.cache = cache
	m.log = tlog
	m.sinks = append(trace.Fanout{tlog}, opts.Sinks...)

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.logger.Info("cognitive domain ready",
		"vectors", cache.Primary().Len(),
		"dimension", cache.Dimension(),
		"sharding", cache.ShardingEnabled(),
		"cache_dir", cache.Paths().Dir)
	return m
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.ready = false
	m.err = err
	m.mu.Unlock()
	m.logger.Error("cognitive domain initialization failed", "error", err)
}

// WithLogger overrides the logger used after construction.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = logger.With("domain", m.name)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Err returns the initialization failure, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// record sends an event to every sink. Sink failures are logged and never
// fail the calling operation.
func (m *Manager) record(ctx context.Context, typ model.EventType, status model.EventStatus, payload map[string]any) {
	ev := model.Event{
		Timestamp: m.clock().UTC(),
		Domain:    m.name,
		EventType: typ,
		Status:    status,
		Payload:   payload,
	}
	if err := m.sinks.Record(ctx, ev); err != nil {
		m.logger.Warn("failed to record event", "type", typ, "status", status, "error", err)
	}
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.metrics.IncEmbeddingFailures()
		return nil, goerr.Wrap(errors.Join(ErrEmbedding, err), "embed text")
	}
	return vec, nil
}

// Ingest stores rec once per fingerprint. A record whose fingerprint is
// already present is reported as skipped. The returned error is non-nil
// only when the embedding provider fails.
func (m *Manager) Ingest(ctx context.Context, rec model.MemoryRecord) (IngestResult, error) {
	if !m.IsReady() {
		return IngestResult{Status: StatusError, Error: ErrNotReady.Error()}, nil
	}
	rec = rec.Normalize(m.clock)
	res := IngestResult{Fingerprint: rec.Fingerprint}

	if !rec.MemoryType.Valid() {
		res.Status, res.Error = StatusError, "unknown memory type "+string(rec.MemoryType)
		m.record(ctx, model.EventIngest, model.StatusFail, map[string]any{"fingerprint": rec.Fingerprint, "reason": res.Error})
		return res, nil
	}
	if t := rec.Trust(); t < 0 || t > 1 {
		res.Status, res.Error = StatusError, "trust score must be within [0, 1]"
		m.record(ctx, model.EventIngest, model.StatusFail, map[string]any{"fingerprint": rec.Fingerprint, "reason": res.Error})
		return res, nil
	}

	vec, err := m.embed(ctx, rec.EmbedText())
	if err != nil {
		res.Status, res.Error = StatusError, err.Error()
		m.record(ctx, model.EventIngest, model.StatusFail, map[string]any{"fingerprint": rec.Fingerprint, "reason": res.Error})
		return res, err
	}

	stored, err := m.cache.Metadata().Insert(ctx, rec, func(ctx context.Context, vectorID int64) error {
		return m.cache.StageVector(ctx, rec.AgentID, vectorID, vec)
	})
	if errors.Is(err, store.ErrDuplicateFingerprint) {
		m.metrics.IncSkipped()
		m.logger.Info("memory already stored", "fingerprint", rec.Fingerprint, "agent_id", rec.AgentID)
		res.Status = StatusSkipped
		return res, nil
	}
	if err != nil {
		m.logger.Error("failed to ingest memory", "fingerprint", rec.Fingerprint, "error", err)
		res.Status, res.Error = StatusError, err.Error()
		m.record(ctx, model.EventIngest, model.StatusFail, map[string]any{"fingerprint": rec.Fingerprint, "reason": res.Error})
		return res, nil
	}

	res.Status = StatusSuccess
	res.ID = stored.ID
	res.VectorID = stored.VectorID

	payload := map[string]any{
		"id":          stored.ID,
		"fingerprint": stored.Fingerprint,
		"vector_id":   stored.VectorID,
		"agent_id":    stored.AgentID,
		"memory_type": string(stored.MemoryType),
	}
	ref, err := m.putDurableEvent(ctx, stored)
	if err != nil {
		m.logger.Warn("failed to write durable ingest event", "id", stored.ID, "error", err)
	} else {
		res.DurableRef = ref
		payload["path"] = ref
	}
	m.record(ctx, model.EventIngest, model.StatusSuccess, payload)
	m.metrics.IncIngested()
	m.logger.Debug("memory ingested", "id", stored.ID, "vector_id", stored.VectorID, "agent_id", stored.AgentID)
	return res, nil
}

// putDurableEvent writes events/<date>/<id>.json for one ingested record.
func (m *Manager) putDurableEvent(ctx context.Context, rec model.MemoryRecord) (string, error) {
	ev := model.Event{
		Timestamp: m.clock().UTC(),
		Domain:    m.name,
		EventType: model.EventIngest,
		Status:    model.StatusSuccess,
		Payload:   map[string]any{"record": rec},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", goerr.Wrap(err, "encode ingest event")
	}
	p := path.Join("events", ev.Timestamp.Format(time.DateOnly), rec.ID+".json")
	if err := m.cache.Blobs().Put(ctx, p, data); err != nil {
		return "", err
	}
	return p, nil
}

// score combines vector distance, age and trust into the composite recall
// score, rounded to 4 decimal places.
func (m *Manager) score(distance float64, rec model.MemoryRecord, now time.Time) RecallHit {
	similarity := 1 / (1 + distance)
	age := max(now.Sub(rec.CreatedAt).Seconds(), 0)
	decay := math.Exp(-m.opts.DecayRate * age)
	w := m.opts.Weights
	composite := w.Similarity*similarity + w.Recency*decay + w.Trust*rec.Trust()
	return RecallHit{
		Score:      round4(composite),
		Similarity: round4(similarity),
		Decay:      round4(decay),
		Record:     rec,
	}
}

// passesThreshold is false for NaN scores.
func passesThreshold(score, minScore float64) bool {
	return score >= minScore
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

// Recall returns at most q.K memories ordered by descending composite
// score, each scoring at least the threshold. The returned error is
// non-nil when the query cannot be embedded or the local tiers cannot be
// read.
func (m *Manager) Recall(ctx context.Context, q RecallQuery) ([]RecallHit, error) {
	if !m.IsReady() {
		m.logger.Warn("recall on a domain that is not ready")
		return []RecallHit{}, nil
	}
	k := q.K
	if k <= 0 {
		k = m.opts.DefaultK
	}
	minScore := m.opts.MinScore
	if q.MinScore != nil {
		minScore = *q.MinScore
	}
	m.metrics.IncRecalls()

	target := m.cache.Target(q.AgentID)
	size := target.Len()
	if size == 0 {
		return []RecallHit{}, nil
	}

	m.record(ctx, model.EventRecall, model.StatusRequest, map[string]any{
		"query":        q.Text,
		"k":            k,
		"filter_agent": q.AgentID,
		"filter_type":  string(q.MemoryType),
		"min_score":    minScore,
	})

	vec, err := m.embed(ctx, q.Text)
	if err != nil {
		m.record(ctx, model.EventRecall, model.StatusFail, map[string]any{"query": q.Text, "reason": err.Error()})
		return nil, err
	}

	hits, err := target.Search(ctx, vec, min(k*m.opts.OverFetch, size))
	if err != nil {
		return nil, goerr.Wrap(err, "search vector index")
	}
	ids := make([]int64, 0, len(hits))
	distances := make(map[int64]float64, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
		distances[h.ID] = h.Distance
	}

	recs, err := m.cache.Metadata().FetchByVectorIDs(ctx, ids, store.Filter{
		AgentID:    q.AgentID,
		MemoryType: q.MemoryType,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "fetch recall candidates")
	}

	now := m.clock()
	results := make([]RecallHit, 0, len(recs))
	for _, rec := range recs {
		hit := m.score(distances[rec.VectorID], rec, now)
		if !passesThreshold(hit.Score, minScore) {
			continue
		}
		results = append(results, hit)
	}
	slices.SortStableFunc(results, func(a, b RecallHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.VectorID, b.Record.VectorID)
	})
	if len(results) > k {
		results = results[:k]
	}
	if !slices.IsSortedFunc(results, func(a, b RecallHit) int { return cmp.Compare(b.Score, a.Score) }) {
		return nil, goerr.New("recall results are not ordered by score")
	}

	m.metrics.AddRecallHits(len(results))
	m.record(ctx, model.EventRecall, model.StatusSuccess, map[string]any{
		"returned":   len(results),
		"candidates": len(recs),
	})
	return results, nil
}

// Reinforce raises the trust score of the record with fingerprint by
// boost, capped at 1. A zero boost uses the configured default.
func (m *Manager) Reinforce(ctx context.Context, fingerprint string, boost float64) ReinforceResult {
	if !m.IsReady() {
		return ReinforceResult{Status: StatusError, Error: ErrNotReady.Error()}
	}
	if boost == 0 {
		boost = m.opts.Boost
	}
	if boost < 0 {
		return ReinforceResult{Status: StatusError, Error: "boost must not be negative"}
	}

	oldScore, newScore, err := m.cache.Metadata().Reinforce(ctx, fingerprint, boost)
	if err != nil {
		status := StatusError
		if errors.Is(err, store.ErrNotFound) {
			status = StatusNotFound
		}
		m.record(ctx, model.EventReinforce, model.StatusFail, map[string]any{"fingerprint": fingerprint, "reason": err.Error()})
		return ReinforceResult{Status: status, Error: err.Error()}
	}

	m.metrics.IncReinforcements()
	m.record(ctx, model.EventReinforce, model.StatusSuccess, map[string]any{
		"fingerprint": fingerprint,
		"old_score":   oldScore,
		"new_score":   newScore,
	})
	return ReinforceResult{Status: StatusSuccess, OldScore: oldScore, NewScore: newScore}
}

// GetTraceEvents reads the local audit log, keeping only the given event
// types when any are passed.
func (m *Manager) GetTraceEvents(ctx context.Context, types ...model.EventType) ([]model.Event, error) {
	if m.log == nil {
		return []model.Event{}, nil
	}
	return m.log.Events(ctx, types...)
}

// Shutdown closes the domain. With sync set the local snapshots are
// uploaded to the durable store. The manager is not ready afterwards and
// repeated calls do nothing.
func (m *Manager) Shutdown(ctx context.Context, sync bool) error {
	m.mu.Lock()
	if m.shutdown || m.cache == nil {
		m.ready = false
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.ready = false
	m.mu.Unlock()

	var errs []error
	if err := m.cache.Close(ctx, sync); err != nil {
		m.logger.Error("failed to flush domain", "error", err)
		errs = append(errs, err)
	}
	if err := m.sinks.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return goerr.Wrap(err, "shutdown domain", goerr.V("domain", m.name))
	}
	m.logger.Info("cognitive domain shut down", "synced", sync)
	return nil
}

func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.RLock()
	st := Stats{
		Domain:    m.name,
		Ready:     m.ready,
		Dimension: m.opts.Dimension,
		Metrics:   m.metrics.Snapshot(),
	}
	if m.err != nil {
		st.Error = m.err.Error()
	}
	ready := m.ready
	m.mu.RUnlock()

	if m.cache == nil {
		return st
	}
	st.Vectors = m.cache.Primary().Len()
	st.Shards = m.cache.ShardCount()
	st.Agents = m.cache.ShardAgents()
	st.LastSync = m.cache.LastSync()
	if ready {
		n, err := m.cache.Metadata().Count(ctx)
		if err != nil {
			m.logger.Warn("failed to count records", "error", err)
		}
		st.Records = n
	}
	objs, err := m.cache.Blobs().List(ctx, "events/")
	if err != nil {
		m.logger.Warn("failed to list durable events", "error", err)
		return st
	}
	for _, o := range objs {
		if path.Base(o.Path) != blob.KeepSuffix {
			st.DurableEvents++
		}
	}
	return st
}
