// Package storage owns the durable, deduplicated, retention-bounded
// reading set and its persistence backends.
package storage

import (
	"context"
	"errors"

	"github.com/taskinen/wrm-systems/internal/models"
)

// StorageVersion tags the persisted record format.
const StorageVersion = 1

// ErrStorage wraps persistence failures. Loads falling back to an empty
// dataset and failed saves are logged by the Store rather than propagated
// as fatal errors.
var ErrStorage = errors.New("storage error")

// Backend persists one versioned reading-set record per data source.
type Backend interface {
	// Load returns the stored reading set. A missing or structurally
	// invalid record yields an empty set, not an error.
	Load(ctx context.Context) (models.ReadingSet, error)

	// Save persists the full reading set, replacing the previous record.
	Save(ctx context.Context, set models.ReadingSet) error

	Close() error
}

// storedRecord is the on-disk / on-database envelope.
type storedRecord struct {
	Version int               `json:"version"`
	Data    models.ReadingSet `json:"data"`
}
