package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps records in process memory. Default when neither
// Redis nor Mongo is configured.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]*Record)}
}

func (r *MemoryRepository) Put(_ context.Context, rec *Record) error {
	cp := *rec
	r.mu.Lock()
	r.m[rec.SessionID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, sessionID string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.m[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().UTC().After(rec.ExpiresAt) {
		r.mu.Lock()
		delete(r.m, sessionID)
		r.mu.Unlock()
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.m, sessionID)
	r.mu.Unlock()
	return nil
}
