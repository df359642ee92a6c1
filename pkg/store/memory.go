package store

import (
	"sync"

	"github.com/psantana5/bootguard/pkg/models"
)

// MemoryStore is an in-memory implementation of the snapshot store
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []models.RegisterSnapshot
	nextID    int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Save appends a snapshot
func (s *MemoryStore) Save(snap *models.RegisterSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ID = s.nextID
	s.nextID++
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

// List returns snapshots newest first
func (s *MemoryStore) List(limit int) ([]models.RegisterSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.snapshots)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.RegisterSnapshot, 0, n)
	for i := len(s.snapshots) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.snapshots[i])
	}
	return out, nil
}

// Latest returns the most recent snapshot
func (s *MemoryStore) Latest() (models.RegisterSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return models.RegisterSnapshot{}, ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

// ListByBoot returns the snapshots of one boot session
func (s *MemoryStore) ListByBoot(bootID string) ([]models.RegisterSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RegisterSnapshot
	for _, snap := range s.snapshots {
		if snap.BootID == bootID {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
