package usage

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskinen/wrm-systems/internal/models"
	"github.com/taskinen/wrm-systems/internal/validation"
)

// Mid-month, mid-day so the daily/monthly boundaries are unambiguous.
var aggNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestAggregator(maxAgeHours int) *Aggregator {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	validator := validation.NewWithClock(logger, func() time.Time { return aggNow })
	return NewAggregator(validator, maxAgeHours)
}

func set(readings ...models.Reading) models.ReadingSet {
	return models.ReadingSet{Readings: readings}
}

func at(age time.Duration, value float64) models.Reading {
	return models.Reading{Timestamp: aggNow.Add(-age).Unix(), Value: value}
}

func TestComputeRequiresTwoReadings(t *testing.T) {
	a := newTestAggregator(48)

	m := a.Compute(set(), aggNow, time.UTC)
	assert.Equal(t, models.UsageMetrics{}, m)

	m = a.Compute(set(at(time.Hour, 10.0)), aggNow, time.UTC)
	assert.Zero(t, m.Hourly)
	assert.Zero(t, m.Daily)
	assert.Zero(t, m.Weekly)
	assert.Zero(t, m.Monthly)
	assert.InDelta(t, 1.0, m.DataAgeHours, 0.001)
}

func TestComputePeriods(t *testing.T) {
	a := newTestAggregator(48)

	// now is 2025-06-15 12:00 UTC. Local midnight is 10 days into the
	// month, a week ago is June 8 12:00.
	m := a.Compute(set(
		at(20*24*time.Hour, 100.0), // before month start
		at(13*24*time.Hour, 110.0), // in month, before week
		at(5*24*time.Hour, 120.0),  // in week, before today
		at(6*time.Hour, 130.0),     // today
		at(2*time.Hour, 131.0),     // today, latest
	), aggNow, time.UTC)

	assert.Equal(t, 1.0, m.Daily, "today: 131 - 130")
	assert.Equal(t, 11.0, m.Weekly, "last 7d: 131 - 120")
	assert.Equal(t, 21.0, m.Monthly, "since June 1: 131 - 110")
	assert.Equal(t, at(2*time.Hour, 131.0), m.Latest)
	assert.InDelta(t, 2.0, m.DataAgeHours, 0.001)
}

func TestComputeUsageNeverNegative(t *testing.T) {
	a := newTestAggregator(48)

	// Meter replaced mid-week: value drops.
	m := a.Compute(set(
		at(6*24*time.Hour, 500.0),
		at(3*time.Hour, 2.0),
		at(time.Hour, 3.0),
	), aggNow, time.UTC)

	assert.GreaterOrEqual(t, m.Hourly, 0.0)
	assert.GreaterOrEqual(t, m.Daily, 0.0)
	assert.GreaterOrEqual(t, m.Weekly, 0.0)
	assert.GreaterOrEqual(t, m.Monthly, 0.0)
	assert.Equal(t, 0.0, m.Weekly, "negative delta clamps to zero")
}

func TestComputeHourlyIsAverageRate(t *testing.T) {
	a := newTestAggregator(48)

	// 10 units over 10 hours inside the lookback window.
	m := a.Compute(set(
		at(10*time.Hour, 100.0),
		at(5*time.Hour, 105.0),
		at(0, 110.0),
	), aggNow, time.UTC)

	assert.InDelta(t, 1.0, m.Hourly, 0.001)
}

func TestComputeHourlyFallsBackToRecentReadings(t *testing.T) {
	a := newTestAggregator(6)

	// Nothing inside the 6h lookback; falls back to the newest readings.
	m := a.Compute(set(
		at(30*time.Hour, 100.0),
		at(20*time.Hour, 110.0),
	), aggNow, time.UTC)

	assert.InDelta(t, 1.0, m.Hourly, 0.001, "10 units over 10 hours")
}

func TestComputeHourlyZeroElapsed(t *testing.T) {
	a := newTestAggregator(48)

	r := at(time.Hour, 10.0)
	m := a.Compute(set(r, r), aggNow, time.UTC)
	assert.Zero(t, m.Hourly)
}

func TestComputeLocalBoundaries(t *testing.T) {
	a := newTestAggregator(48)
	// UTC+14: local time is 2025-06-16 02:00, so local midnight was only
	// two hours ago.
	loc := time.FixedZone("UTC+14", 14*3600)

	m := a.Compute(set(
		at(4*time.Hour, 120.0), // yesterday local
		at(time.Hour, 125.0),   // today local
		at(30*time.Minute, 126.0),
	), aggNow, loc)

	assert.Equal(t, 1.0, m.Daily, "only readings after local midnight count")
}

func TestComputeIgnoresPathologicalReadings(t *testing.T) {
	a := newTestAggregator(48)

	m := a.Compute(set(
		at(3*time.Hour, 10.0),
		models.Reading{Timestamp: aggNow.Add(time.Hour).Unix(), Value: 50.0}, // future
		models.Reading{Timestamp: 0, Value: 20.0},
		at(time.Hour, 12.0),
	), aggNow, time.UTC)

	require.Equal(t, at(time.Hour, 12.0), m.Latest, "pathological readings never win latest")
	assert.Equal(t, 2.0, m.Daily)
}
