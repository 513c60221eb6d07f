package index

import (
	"sort"
	"sync"
)

// Shards is a lazily grown registry of per-agent indexes. Entries are never
// removed for the life of the process.
type Shards struct {
	mu      sync.RWMutex
	dim     int
	byAgent map[string]*Index
}

func NewShards(dim int) *Shards {
	return &Shards{dim: dim, byAgent: make(map[string]*Index)}
}

// Get returns the shard of agent if one exists.
func (s *Shards) Get(agent string) (*Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ix, ok := s.byAgent[agent]
	return ix, ok
}

// GetOrCreate returns the shard of agent, creating it on first use.
func (s *Shards) GetOrCreate(agent string) (*Index, error) {
	if ix, ok := s.Get(agent); ok {
		return ix, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ix, ok := s.byAgent[agent]; ok {
		return ix, nil
	}
	ix, err := New(s.dim)
	if err != nil {
		return nil, err
	}
	s.byAgent[agent] = ix
	return ix, nil
}

func (s *Shards) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAgent)
}

// Agents lists agents with a shard, sorted.
func (s *Shards) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byAgent))
	for a := range s.byAgent {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
