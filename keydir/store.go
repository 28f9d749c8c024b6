package keydir

import (
	"sync"
	"time"
)

// Entry is one cached public key.
type Entry struct {
	RecipientID string
	Key         string
	FetchedAt   time.Time
}

// Store persists cache entries keyed by recipient identity.
// Implementations must tolerate concurrent reads and concurrent idempotent writes.
type Store interface {
	Get(recipientID string) (Entry, bool, error)
	Put(entry Entry) error
	Delete(recipientID string) error
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(recipientID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[recipientID]
	return entry, ok, nil
}

func (s *MemoryStore) Put(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RecipientID] = entry
	return nil
}

func (s *MemoryStore) Delete(recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, recipientID)
	return nil
}
