package session

import (
	"sync"

	"securechat/models"
)

// RestorationStore persists the room and voice membership replayed after a reconnect.
type RestorationStore interface {
	LoadRestoration() (models.RestorationTarget, error)
	SaveRestoration(target models.RestorationTarget) error
	ClearRestoration() error
}

// MemoryRestorationStore keeps the target in memory.
type MemoryRestorationStore struct {
	mu     sync.Mutex
	target models.RestorationTarget
}

func (s *MemoryRestorationStore) LoadRestoration() (models.RestorationTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, nil
}

func (s *MemoryRestorationStore) SaveRestoration(target models.RestorationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = target
	return nil
}

func (s *MemoryRestorationStore) ClearRestoration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = models.RestorationTarget{}
	return nil
}
