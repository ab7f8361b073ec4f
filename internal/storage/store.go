// Package storage persists the last known call id for resume/reattach.
package storage

import (
	"context"
	"sync"
)

// CallStore is one durable string slot: read at attach, written at
// join, cleared at destroy.
type CallStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, callID string) error
	Clear(ctx context.Context) error
}

// MemoryStore is the in-process fallback used when no storage path is
// configured, and by tests.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemoryStore) Save(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = callID
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	return nil
}
