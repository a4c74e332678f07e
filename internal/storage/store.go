package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/models"
	"github.com/taskinen/wrm-systems/internal/validation"
)

// RetentionUnlimited disables retention trimming.
const RetentionUnlimited = -1

// Store owns the in-memory reading set and serializes every write path
// behind a single mutex. Merge, retention and clear each hold the lock for
// their full read-modify-write-persist sequence so overlapping cycles
// cannot lose updates. Readers get a copied snapshot and never block on
// in-flight writes beyond the copy itself.
type Store struct {
	mu sync.Mutex

	backend       Backend
	validator     *validation.Validator
	logger        *logrus.Logger
	retentionDays int
	now           func() time.Time

	loaded bool
	set    models.ReadingSet
}

// NewStore builds a Store. retentionDays of RetentionUnlimited keeps
// readings forever.
func NewStore(backend Backend, validator *validation.Validator, retentionDays int, logger *logrus.Logger) *Store {
	return &Store{
		backend:       backend,
		validator:     validator,
		logger:        logger,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Load pulls the persisted reading set into memory. A backend failure
// falls back to an empty set so one bad record never takes the service
// down. Subsequent calls are no-ops.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	set, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load stored readings, starting empty")
		set = models.ReadingSet{}
	}
	s.set = set
	s.loaded = true
	s.logger.WithField("readings", len(set.Readings)).Debug("Loaded historical readings")
}

// Merge validates the incoming readings, drops duplicates of timestamps
// already present, re-sorts the full set and persists it. Returns how many
// readings were actually added. The whole set is re-sorted rather than just
// the delta so out-of-order arrival can never corrupt ordering.
func (s *Store) Merge(ctx context.Context, incoming []models.Reading) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	existing := make(map[int64]struct{}, len(s.set.Readings))
	for _, r := range s.set.Readings {
		existing[r.Timestamp] = struct{}{}
	}

	added := 0
	for _, raw := range incoming {
		r, ok := s.validator.Validate(raw.Timestamp, raw.Value)
		if !ok {
			continue
		}
		if _, dup := existing[r.Timestamp]; dup {
			continue
		}
		existing[r.Timestamp] = struct{}{}
		s.set.Readings = append(s.set.Readings, r)
		added++
	}

	if dropped := len(incoming) - added; dropped > 0 {
		s.logger.WithField("count", dropped).Debug("Skipped invalid or duplicate readings")
	}
	if added == 0 {
		return 0
	}

	sort.Slice(s.set.Readings, func(i, j int) bool {
		return s.set.Readings[i].Timestamp < s.set.Readings[j].Timestamp
	})
	s.applyRetentionLocked()
	s.updateLastTimestampLocked()
	s.saveLocked(ctx)

	return added
}

// ApplyRetention re-applies the retention policy against the full set and
// persists when anything was trimmed. Returns the number of readings
// dropped. A no-op under unlimited retention.
func (s *Store) ApplyRetention(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)

	before := len(s.set.Readings)
	s.applyRetentionLocked()
	removed := before - len(s.set.Readings)
	if removed > 0 {
		s.updateLastTimestampLocked()
		s.saveLocked(ctx)
		s.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(s.set.Readings),
		}).Info("Retention trimmed stored readings")
	}
	return removed
}

// applyRetentionLocked filters from the full set, never incrementally, so
// it stays correct after backfills.
func (s *Store) applyRetentionLocked() {
	if s.retentionDays == RetentionUnlimited {
		return
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays).Unix()

	kept := s.set.Readings[:0]
	for _, r := range s.set.Readings {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}
	s.set.Readings = kept
}

func (s *Store) updateLastTimestampLocked() {
	if n := len(s.set.Readings); n > 0 {
		s.set.LastTimestamp = s.set.Readings[n-1].Timestamp
	} else {
		s.set.LastTimestamp = 0
	}
}

// saveLocked persists the current set. A failed save is logged but not
// fatal: the in-memory state stays usable until the next successful save.
func (s *Store) saveLocked(ctx context.Context) {
	if err := s.backend.Save(ctx, s.set); err != nil {
		s.logger.WithError(err).Error("Failed to persist readings")
	}
}

// Clear drops the in-memory set without touching the persisted record; the
// next merge overwrites it. Used by force-refresh.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = models.ReadingSet{}
	s.loaded = true
}

// Snapshot returns a copy of the current reading set.
func (s *Store) Snapshot() models.ReadingSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.ReadingSet{
		Readings:      make([]models.Reading, len(s.set.Readings)),
		LastTimestamp: s.set.LastTimestamp,
	}
	copy(out.Readings, s.set.Readings)
	return out
}

// LastTimestamp returns the newest stored timestamp, or false when the set
// is empty.
func (s *Store) LastTimestamp() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.LastTimestamp == 0 {
		return 0, false
	}
	return s.set.LastTimestamp, true
}
