package run

import (
	"context"
	"sort"
	"sync"
)

// InMem is a Store backed by a process-local map. Suitable for tests and
// single-process deployments.
type InMem struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewInMem constructs an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{recs: make(map[string]Record)}
}

// Put implements Store.
func (s *InMem) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

// Get implements Store.
func (s *InMem) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List implements Store.
func (s *InMem) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FinishedAt.After(recs[j].FinishedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
