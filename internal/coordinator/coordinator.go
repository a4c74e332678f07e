// Package coordinator orchestrates the polling cycle: load, fetch new
// readings, merge, periodic cleanup, derive latest value and usage.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/api"
	"github.com/taskinen/wrm-systems/internal/models"
	"github.com/taskinen/wrm-systems/internal/storage"
	"github.com/taskinen/wrm-systems/internal/usage"
)

const (
	// MinBackfillDays and MaxBackfillDays bound operator-triggered
	// backfills.
	MinBackfillDays = 1
	MaxBackfillDays = 90

	// DefaultBackfillDays is the window re-fetched by a force refresh.
	DefaultBackfillDays = 7

	// cleanupEvery runs a retention pass every Nth cycle even without new
	// data, bounding storage on a long-running, low-traffic meter.
	cleanupEvery = 10
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrm_sync_cycles_total",
		Help: "Completed sync cycles, successful or not.",
	})
	cyclesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrm_sync_cycles_failed_total",
		Help: "Sync cycles that reported failure to the host.",
	})
	readingsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wrm_readings_merged_total",
		Help: "New readings merged into the historical store.",
	})
)

// MeterAPI is the slice of the API client the coordinator needs.
type MeterAPI interface {
	GetLatestReading(ctx context.Context) (models.Reading, models.DeviceInfo, error)
	GetReadingsRange(ctx context.Context, start, end time.Time) (models.DeviceSnapshot, error)
	GetReadingsSince(ctx context.Context, since int64) (models.DeviceSnapshot, error)
	GetAllHistoricalReadings(ctx context.Context) (models.DeviceSnapshot, error)
	CalculateUsage(readings []models.Reading) []models.UsageWindow
}

// Config holds the coordinator tunables.
type Config struct {
	// HistoricalDays is how much history a first run fetches.
	// storage.RetentionUnlimited (-1) walks the entire backward history.
	HistoricalDays int

	// BackfillDays is the window used by force refresh.
	BackfillDays int

	// Timezone for the local day/month boundaries of the usage metrics.
	Timezone *time.Location
}

// Coordinator drives sync cycles against one store. The cycle mutex is
// separate from the store's write lock: a force refresh must keep its
// clear-then-backfill sequence atomic with respect to scheduled cycles,
// which the store lock alone cannot guarantee.
type Coordinator struct {
	mu sync.Mutex

	api        MeterAPI
	store      *storage.Store
	aggregator *usage.Aggregator
	logger     *logrus.Logger
	cfg        Config
	now        func() time.Time

	updateCount int
	device      models.DeviceInfo

	pubMu     sync.RWMutex
	published models.Snapshot
	hasPub    bool
}

// New builds a Coordinator.
func New(meterAPI MeterAPI, store *storage.Store, aggregator *usage.Aggregator, cfg Config, logger *logrus.Logger) *Coordinator {
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = DefaultBackfillDays
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Coordinator{
		api:        meterAPI,
		store:      store,
		aggregator: aggregator,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// RunCycle executes one polling cycle and publishes the resulting
// snapshot. An auth failure fails the cycle so the host can trigger token
// re-validation; an ordinary API error during the delta fetch is logged
// and the cycle proceeds from the data already stored. The cycle only
// fails outright when no latest reading exists at all.
func (c *Coordinator) RunCycle(ctx context.Context) (models.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCycleLocked(ctx)
}

func (c *Coordinator) runCycleLocked(ctx context.Context) (models.Snapshot, error) {
	cyclesTotal.Inc()

	c.store.Load(ctx)

	newReadings, err := c.fetchNewReadings(ctx)
	if err != nil {
		if errors.Is(err, api.ErrInvalidAuth) {
			cyclesFailed.Inc()
			return models.Snapshot{}, fmt.Errorf("authentication failed: %w", err)
		}
		// Non-fatal: keep serving from the store.
		c.logger.WithError(err).Warn("Failed to fetch new readings")
		newReadings = nil
	}

	if len(newReadings) > 0 {
		added := c.store.Merge(ctx, newReadings)
		readingsMerged.Add(float64(added))
		c.logger.WithFields(logrus.Fields{
			"fetched": len(newReadings),
			"added":   added,
		}).Info("Merged new readings")
	}

	c.updateCount++
	if c.updateCount > 1000 {
		c.updateCount = 1
	}
	if c.updateCount%cleanupEvery == 0 {
		c.store.ApplyRetention(ctx)
	}

	snap, err := c.buildSnapshot(ctx)
	if err != nil {
		cyclesFailed.Inc()
		return models.Snapshot{}, err
	}

	c.publish(snap)
	return snap, nil
}

func (c *Coordinator) fetchNewReadings(ctx context.Context) ([]models.Reading, error) {
	var (
		snap models.DeviceSnapshot
		err  error
	)

	if last, ok := c.store.LastTimestamp(); ok {
		snap, err = c.api.GetReadingsSince(ctx, last)
	} else if c.cfg.HistoricalDays == storage.RetentionUnlimited {
		c.logger.Info("First run: fetching all available historical data")
		snap, err = c.api.GetAllHistoricalReadings(ctx)
	} else {
		start := c.now().UTC().AddDate(0, 0, -c.cfg.HistoricalDays)
		c.logger.WithField("days", c.cfg.HistoricalDays).Info("First run: fetching initial history")
		snap, err = c.api.GetReadingsRange(ctx, start, time.Time{})
	}
	if err != nil {
		return nil, err
	}

	if snap.Device != (models.DeviceInfo{}) {
		c.device = snap.Device
	}
	return snap.Readings, nil
}

// buildSnapshot always finishes the cycle by deriving the latest reading
// and usage metrics, even when nothing new arrived.
func (c *Coordinator) buildSnapshot(ctx context.Context) (models.Snapshot, error) {
	latest, device, err := c.api.GetLatestReading(ctx)
	hasLatest := err == nil
	if err != nil {
		if errors.Is(err, api.ErrInvalidAuth) {
			return models.Snapshot{}, fmt.Errorf("authentication failed: %w", err)
		}
		c.logger.WithError(err).Warn("Failed to fetch latest reading, falling back to store")
	}
	if device != (models.DeviceInfo{}) {
		c.device = device
	}

	set := c.store.Snapshot()
	if !hasLatest {
		if set.Len() == 0 {
			return models.Snapshot{}, fmt.Errorf("no readings available: %w", err)
		}
		latest = set.Readings[set.Len()-1]
	}

	return models.Snapshot{
		Device:     c.device,
		Latest:     latest,
		HasReading: true,
		Usage:      c.aggregator.Compute(set, c.now(), c.cfg.Timezone),
		Readings:   set.Len(),
	}, nil
}

func (c *Coordinator) publish(snap models.Snapshot) {
	c.pubMu.Lock()
	c.published = snap
	c.hasPub = true
	c.pubMu.Unlock()
}

// Published returns the snapshot from the most recent successful cycle.
func (c *Coordinator) Published() (models.Snapshot, bool) {
	c.pubMu.RLock()
	defer c.pubMu.RUnlock()
	return c.published, c.hasPub
}

// Backfill re-fetches a bounded past window and merges it, catching
// late-arriving readings. Operator triggered.
func (c *Coordinator) Backfill(ctx context.Context, days int) error {
	if days < MinBackfillDays || days > MaxBackfillDays {
		return fmt.Errorf("backfill days must be between %d and %d, got %d", MinBackfillDays, MaxBackfillDays, days)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backfillLocked(ctx, days)
}

func (c *Coordinator) backfillLocked(ctx context.Context, days int) error {
	c.logger.WithField("days", days).Info("Starting backfill")

	end := c.now().UTC()
	snap, err := c.api.GetReadingsRange(ctx, end.AddDate(0, 0, -days), end)
	if err != nil {
		return fmt.Errorf("backfill fetch failed: %w", err)
	}
	if len(snap.Readings) == 0 {
		c.logger.Info("No readings found for backfill period")
		return nil
	}
	if snap.Device != (models.DeviceInfo{}) {
		c.device = snap.Device
	}

	added := c.store.Merge(ctx, snap.Readings)
	readingsMerged.Add(float64(added))
	c.logger.WithFields(logrus.Fields{
		"fetched": len(snap.Readings),
		"added":   added,
	}).Info("Backfill completed")
	return nil
}

// ForceRefresh clears the in-memory store, re-backfills the configured
// window and runs a normal cycle. The persisted record is only replaced
// once the refilled set is saved.
func (c *Coordinator) ForceRefresh(ctx context.Context) (models.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Force refresh requested")
	c.store.Clear()
	if err := c.backfillLocked(ctx, c.cfg.BackfillDays); err != nil {
		return models.Snapshot{}, err
	}
	return c.runCycleLocked(ctx)
}

// UsageHistory returns per-interval usage windows covering the last days
// of stored readings.
func (c *Coordinator) UsageHistory(days int) []models.UsageWindow {
	set := c.store.Snapshot()
	cutoff := c.now().UTC().AddDate(0, 0, -days).Unix()

	recent := make([]models.Reading, 0, len(set.Readings))
	for _, r := range set.Readings {
		if r.Timestamp >= cutoff {
			recent = append(recent, r)
		}
	}
	return c.api.CalculateUsage(recent)
}
