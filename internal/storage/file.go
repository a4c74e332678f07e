package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/models"
)

// FileBackend stores the reading set as a single versioned JSON record.
// Saves go through a temp file and rename so a crash mid-write never
// leaves a truncated record behind.
type FileBackend struct {
	path   string
	logger *logrus.Logger
}

// NewFileBackend creates the parent directory if needed.
func NewFileBackend(path string, logger *logrus.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &FileBackend{path: path, logger: logger}, nil
}

func (f *FileBackend) Load(ctx context.Context) (models.ReadingSet, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.ReadingSet{}, nil
		}
		return models.ReadingSet{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var record storedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// A structurally invalid record is treated as empty rather than
		// propagated; the next save rewrites it.
		f.logger.WithError(err).Warn("Invalid stored data, starting fresh")
		return models.ReadingSet{}, nil
	}
	return record.Data, nil
}

func (f *FileBackend) Save(ctx context.Context, set models.ReadingSet) error {
	record := storedRecord{Version: StorageVersion, Data: set}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

var _ Backend = (*FileBackend)(nil)
