package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskinen/wrm-systems/internal/models"
)

// fakeService is a scriptable MeterService for handler tests.
type fakeService struct {
	snapshot    models.Snapshot
	hasSnapshot bool
	history     []models.UsageWindow
	historyDays int
	backfilled  int
	backfillErr error
	refreshErr  error
}

func (f *fakeService) Published() (models.Snapshot, bool) {
	return f.snapshot, f.hasSnapshot
}

func (f *fakeService) UsageHistory(days int) []models.UsageWindow {
	f.historyDays = days
	return f.history
}

func (f *fakeService) Backfill(_ context.Context, days int) error {
	if f.backfillErr != nil {
		return f.backfillErr
	}
	f.backfilled = days
	return nil
}

func (f *fakeService) ForceRefresh(_ context.Context) (models.Snapshot, error) {
	if f.refreshErr != nil {
		return models.Snapshot{}, f.refreshErr
	}
	return f.snapshot, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, svc MeterService) *httptest.Server {
	t.Helper()
	cfg := ServerConfig{CacheSize: 16, RateLimit: 1000, RateLimitBurst: 1000}
	handler, err := SetupServer(svc, cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeService{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMeterBeforeFirstCycle(t *testing.T) {
	srv := newTestServer(t, &fakeService{})

	resp, err := http.Get(srv.URL + "/api/v1/meter")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "no data yet", body["error"])
}

func TestMeterAfterPublish(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc)

	// The 503 from the cold service must not be cached.
	resp, err := http.Get(srv.URL + "/api/v1/meter")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	svc.snapshot = models.Snapshot{
		Device:     models.DeviceInfo{Model: "WMD-100", SerialNumber: "A123", Unit: "m3"},
		Latest:     models.Reading{Timestamp: 1700000000, Value: 123.4},
		HasReading: true,
		Readings:   42,
	}
	svc.hasSnapshot = true

	resp, err = http.Get(srv.URL + "/api/v1/meter")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap models.Snapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, "WMD-100", snap.Device.Model)
	assert.Equal(t, 123.4, snap.Latest.Value)
	assert.Equal(t, 42, snap.Readings)
}

func TestUsageEndpoint(t *testing.T) {
	svc := &fakeService{
		snapshot: models.Snapshot{
			HasReading: true,
			Usage: models.UsageMetrics{
				Hourly: 0.5,
				Daily:  12.0,
			},
		},
		hasSnapshot: true,
	}
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/api/v1/usage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var usage models.UsageMetrics
	decodeBody(t, resp, &usage)
	assert.Equal(t, 0.5, usage.Hourly)
	assert.Equal(t, 12.0, usage.Daily)
}

func TestUsageHistory(t *testing.T) {
	svc := &fakeService{
		history: []models.UsageWindow{
			{StartTimestamp: 100, EndTimestamp: 200, Usage: 1.5},
		},
	}
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/api/v1/usage/history?days=3")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, svc.historyDays)

	var windows []models.UsageWindow
	decodeBody(t, resp, &windows)
	require.Len(t, windows, 1)
	assert.Equal(t, 1.5, windows[0].Usage)
}

func TestUsageHistoryDefaultsAndEmpty(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/api/v1/usage/history")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, svc.historyDays)

	// nil history still encodes as an empty array, not null.
	var windows []models.UsageWindow
	decodeBody(t, resp, &windows)
	assert.NotNil(t, windows)
	assert.Empty(t, windows)
}

func TestDaysParamValidation(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"not a number", "/api/v1/usage/history?days=abc"},
		{"zero", "/api/v1/usage/history?days=0"},
		{"negative", "/api/v1/usage/history?days=-3"},
		{"too large", "/api/v1/usage/history?days=91"},
	}

	srv := newTestServer(t, &fakeService{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			decodeBody(t, resp, &body)
			assert.Contains(t, body["error"], "days")
		})
	}
}

func TestBackfillEndpoint(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/backfill?days=14", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 14, svc.backfilled)

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, float64(14), body["backfilled_days"])
}

func TestBackfillFailure(t *testing.T) {
	svc := &fakeService{backfillErr: errors.New("upstream down")}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/backfill", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "upstream down", body["error"])
}

func TestRefreshEndpoint(t *testing.T) {
	svc := &fakeService{
		snapshot: models.Snapshot{
			HasReading: true,
			Latest:     models.Reading{Timestamp: 1700000000, Value: 55.5},
		},
	}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/refresh", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap models.Snapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, 55.5, snap.Latest.Value)
}

func TestRefreshFailure(t *testing.T) {
	svc := &fakeService{refreshErr: errors.New("auth failed")}
	srv := newTestServer(t, svc)

	resp, err := http.Post(srv.URL+"/api/v1/refresh", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &fakeService{})

	resp, err := http.Post(srv.URL+"/api/v1/meter", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := ServerConfig{CacheSize: 16, RateLimit: 1, RateLimitBurst: 1}
	handler, err := SetupServer(&fakeService{}, cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	// Burst of 1: the second immediate request must be rejected. Use the
	// history endpoint so the responses are not cache hits.
	resp, err := http.Get(srv.URL + "/api/v1/usage/history?days=1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/usage/history?days=2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
