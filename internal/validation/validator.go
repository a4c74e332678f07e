// Package validation normalizes raw meter readings into canonical form.
//
// Every piece of external data (API responses, persisted state) passes
// through here before it reaches the historical store. Rejections are
// silent to the caller but counted and logged for diagnosis.
package validation

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/models"
)

const (
	// MaxValue is the sanity bound on a meter total. Anything above it is
	// treated as a corrupted payload rather than a real reading.
	MaxValue = 999999.0

	// MaxReadingAge bounds how far in the past an accepted timestamp may
	// be. Guards against clock skew and corrupted payloads.
	MaxReadingAge = 90 * 24 * time.Hour
)

var rejectedReadings = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wrm_readings_rejected_total",
		Help: "Readings dropped during validation, by reason.",
	},
	[]string{"reason"},
)

// Validator converts raw (timestamp, value) pairs into canonical Readings.
// It is pure apart from the rejection counter and safe for concurrent use.
type Validator struct {
	logger *logrus.Logger
	now    func() time.Time
}

// New returns a Validator using the real clock.
func New(logger *logrus.Logger) *Validator {
	return NewWithClock(logger, time.Now)
}

// NewWithClock returns a Validator with an injected clock, for tests.
func NewWithClock(logger *logrus.Logger, now func() time.Time) *Validator {
	return &Validator{logger: logger, now: now}
}

// Validate normalizes a raw timestamp/value pair. The second return is
// false when the pair fails any sanity check; the rejection is counted
// under its reason and logged at debug level.
func (v *Validator) Validate(rawTimestamp, rawValue interface{}) (models.Reading, bool) {
	ts, ok := parseTimestamp(rawTimestamp)
	if !ok {
		return v.reject("bad_timestamp", rawTimestamp, rawValue)
	}

	if ts <= 0 {
		return v.reject("bad_timestamp", rawTimestamp, rawValue)
	}
	now := v.now().UTC()
	if ts > now.Unix() {
		return v.reject("timestamp_in_future", rawTimestamp, rawValue)
	}
	if ts < now.Add(-MaxReadingAge).Unix() {
		return v.reject("timestamp_too_old", rawTimestamp, rawValue)
	}

	value, ok := parseValue(rawValue)
	if !ok {
		return v.reject("bad_value", rawTimestamp, rawValue)
	}
	if value < 0 || value > MaxValue {
		return v.reject("value_out_of_range", rawTimestamp, rawValue)
	}

	return models.Reading{Timestamp: ts, Value: value}, true
}

func (v *Validator) reject(reason string, rawTimestamp, rawValue interface{}) (models.Reading, bool) {
	rejectedReadings.WithLabelValues(reason).Inc()
	if v.logger != nil {
		v.logger.WithFields(logrus.Fields{
			"reason":    reason,
			"timestamp": rawTimestamp,
			"value":     rawValue,
		}).Debug("Rejected reading")
	}
	return models.Reading{}, false
}

// parseTimestamp accepts integer, float and numeric-string timestamps and
// converts them to integer seconds.
func parseTimestamp(raw interface{}) (int64, bool) {
	switch t := raw.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func parseValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
