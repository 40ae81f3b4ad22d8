package sos

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps request records in process. It backs the service when
// no database is configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Request
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Request)}
}

func (b *MemoryBackend) SaveSOS(_ context.Context, r Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[r.ID] = r.clone()
	return nil
}

func (b *MemoryBackend) CancelSOS(_ context.Context, id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusCancelled
	r.CancelReason = reason
	r.UpdatedAt = time.Now()
	b.records[id] = r
	return nil
}

func (b *MemoryBackend) Get(id string) (Request, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	return r.clone(), ok
}
