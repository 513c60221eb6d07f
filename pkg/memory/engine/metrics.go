package engine

import "sync/atomic"

// Metrics captures lightweight runtime counters of one manager.
type Metrics struct {
	ingested          atomic.Int64
	skipped           atomic.Int64
	recalls           atomic.Int64
	recallHits        atomic.Int64
	reinforcements    atomic.Int64
	embeddingFailures atomic.Int64
}

func (m *Metrics) IncIngested()          { m.ingested.Add(1) }
func (m *Metrics) IncSkipped()           { m.skipped.Add(1) }
func (m *Metrics) IncRecalls()           { m.recalls.Add(1) }
func (m *Metrics) AddRecallHits(n int)   { m.recallHits.Add(int64(n)) }
func (m *Metrics) IncReinforcements()    { m.reinforcements.Add(1) }
func (m *Metrics) IncEmbeddingFailures() { m.embeddingFailures.Add(1) }

type MetricsSnapshot struct {
	Ingested          int64 `json:"ingested"`
	Skipped           int64 `json:"skipped"`
	Recalls           int64 `json:"recalls"`
	RecallHits        int64 `json:"recall_hits"`
	Reinforcements    int64 `json:"reinforcements"`
	EmbeddingFailures int64 `json:"embedding_failures"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Ingested:          m.ingested.Load(),
		Skipped:           m.skipped.Load(),
		Recalls:           m.recalls.Load(),
		RecallHits:        m.recallHits.Load(),
		Reinforcements:    m.reinforcements.Load(),
		EmbeddingFailures: m.embeddingFailures.Load(),
	}
}
