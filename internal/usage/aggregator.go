// Package usage derives rolling consumption metrics from the stored
// reading set.
package usage

import (
	"sort"
	"time"

	"github.com/taskinen/wrm-systems/internal/models"
	"github.com/taskinen/wrm-systems/internal/validation"
)

const (
	// DefaultMaxDataAgeHours is the lookback window for the average
	// hourly rate when not configured.
	DefaultMaxDataAgeHours = 48

	// rateFallbackReadings is how many of the newest readings the hourly
	// rate falls back to when the lookback window holds fewer than two.
	rateFallbackReadings = 10
)

// Aggregator computes usage metrics from a reading set. All computations
// degrade to zero on pathological input instead of failing; readings pass
// through validation again because persisted state may predate the
// current bounds.
type Aggregator struct {
	validator       *validation.Validator
	maxDataAgeHours int
}

// NewAggregator builds an Aggregator. maxDataAgeHours <= 0 selects the
// default lookback.
func NewAggregator(validator *validation.Validator, maxDataAgeHours int) *Aggregator {
	if maxDataAgeHours <= 0 {
		maxDataAgeHours = DefaultMaxDataAgeHours
	}
	return &Aggregator{validator: validator, maxDataAgeHours: maxDataAgeHours}
}

// Compute derives the rolling metrics as of now, using loc for the local
// day and month boundaries. Fewer than two readings yields all zeros.
func (a *Aggregator) Compute(set models.ReadingSet, now time.Time, loc *time.Location) models.UsageMetrics {
	readings := a.filterValid(set.Readings)
	if len(readings) < 2 {
		m := models.UsageMetrics{}
		if len(readings) == 1 {
			m.Latest = readings[0]
			m.DataAgeHours = float64(now.UTC().Unix()-readings[0].Timestamp) / 3600
		}
		return m
	}

	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp < readings[j].Timestamp })

	nowUTC := now.UTC()
	nowLocal := now.In(loc)
	latest := readings[len(readings)-1]

	startOfDay := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, loc).Unix()
	startOfMonth := time.Date(nowLocal.Year(), nowLocal.Month(), 1, 0, 0, 0, 0, loc).Unix()
	weekAgo := nowUTC.Unix() - 7*24*3600

	return models.UsageMetrics{
		Hourly:       a.averageHourlyRate(readings, nowUTC),
		Daily:        periodUsage(readings, startOfDay),
		Weekly:       periodUsage(readings, weekAgo),
		Monthly:      periodUsage(readings, startOfMonth),
		Latest:       latest,
		DataAgeHours: float64(nowUTC.Unix()-latest.Timestamp) / 3600,
	}
}

func (a *Aggregator) filterValid(readings []models.Reading) []models.Reading {
	valid := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if v, ok := a.validator.Validate(r.Timestamp, r.Value); ok {
			valid = append(valid, v)
		}
	}
	return valid
}

// periodUsage is the non-negative delta between the first and last reading
// at or after the period start. Readings must already be sorted ascending.
func periodUsage(readings []models.Reading, periodStart int64) float64 {
	first := -1
	for i, r := range readings {
		if r.Timestamp >= periodStart {
			first = i
			break
		}
	}
	if first < 0 || len(readings)-first < 2 {
		return 0
	}

	usage := readings[len(readings)-1].Value - readings[first].Value
	if usage < 0 {
		// Meter reset or correction: clamp rather than report negative.
		return 0
	}
	return usage
}

// averageHourlyRate computes usage per hour over the recent lookback
// window. The upstream meter reports with a multi-hour delay, so a true
// last-clock-hour delta would be meaningless; an average rate is reported
// instead. Falls back to the newest readings when the window is too
// sparse.
func (a *Aggregator) averageHourlyRate(readings []models.Reading, now time.Time) float64 {
	cutoff := now.Unix() - int64(a.maxDataAgeHours)*3600

	recent := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if r.Timestamp >= cutoff {
			recent = append(recent, r)
		}
	}
	if len(recent) < 2 {
		if len(readings) > rateFallbackReadings {
			recent = readings[len(readings)-rateFallbackReadings:]
		} else {
			recent = readings
		}
	}
	if len(recent) < 2 {
		return 0
	}

	first, last := recent[0], recent[len(recent)-1]
	hours := float64(last.Timestamp-first.Timestamp) / 3600
	if hours <= 0 {
		return 0
	}

	rate := (last.Value - first.Value) / hours
	if rate < 0 {
		return 0
	}
	return rate
}
