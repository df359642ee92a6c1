package store

import (
	"errors"

	"github.com/psantana5/bootguard/pkg/models"
)

// ErrNotFound is returned when no snapshot matches
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists captured register snapshots
// Both the in-memory and SQLite stores implement this interface
type SnapshotStore interface {
	// Save stores snap and fills in its ID
	Save(snap *models.RegisterSnapshot) error
	// List returns snapshots newest first, at most limit when limit > 0
	List(limit int) ([]models.RegisterSnapshot, error)
	// Latest returns the most recent snapshot
	Latest() (models.RegisterSnapshot, error)
	// ListByBoot returns the snapshots of one boot session, oldest first
	ListByBoot(bootID string) ([]models.RegisterSnapshot, error)
	Close() error
}
