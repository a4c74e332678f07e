package models

// Reading represents a single cumulative meter sample.
// Timestamp is seconds since epoch (UTC); Value is the meter total.
type Reading struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// DeviceInfo carries the meter metadata returned alongside readings.
// Last write wins across update cycles.
type DeviceInfo struct {
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Unit         string `json:"unit,omitempty"`
}

// DeviceSnapshot is the decoded result of one API fetch: the readings for
// the requested window plus the device metadata from the same response.
type DeviceSnapshot struct {
	Readings []Reading
	Device   DeviceInfo
}

// ReadingSet is the durable, deduplicated, timestamp-ascending dataset
// owned by the historical store. LastTimestamp caches the maximum
// timestamp present, or 0 when the set is empty.
type ReadingSet struct {
	Readings      []Reading `json:"readings"`
	LastTimestamp int64     `json:"last_reading_timestamp"`
}

// Len returns the number of readings in the set.
func (rs *ReadingSet) Len() int { return len(rs.Readings) }

// UsageWindow is the derived usage between two consecutive readings.
// Never persisted.
type UsageWindow struct {
	StartTimestamp int64   `json:"start_timestamp"`
	EndTimestamp   int64   `json:"end_timestamp"`
	StartValue     float64 `json:"start_value"`
	EndValue       float64 `json:"end_value"`
	Usage          float64 `json:"usage"`
	DurationHours  float64 `json:"duration_hours"`
}

// UsageMetrics holds the rolling usage figures derived from the current
// reading set. Hourly is an average rate rather than a clock-hour delta
// because the upstream meter reports with a multi-hour delay.
type UsageMetrics struct {
	Hourly       float64 `json:"hourly_usage"`
	Daily        float64 `json:"daily_usage"`
	Weekly       float64 `json:"weekly_usage"`
	Monthly      float64 `json:"monthly_usage"`
	Latest       Reading `json:"latest_reading"`
	DataAgeHours float64 `json:"data_age_hours"`
}

// Snapshot is what the coordinator publishes after every cycle: the latest
// reading, device metadata and derived usage. HasReading is false when no
// reading has ever been observed.
type Snapshot struct {
	Device     DeviceInfo   `json:"device"`
	Latest     Reading      `json:"latest_reading"`
	HasReading bool         `json:"has_reading"`
	Usage      UsageMetrics `json:"usage"`
	Readings   int          `json:"stored_readings"`
}
