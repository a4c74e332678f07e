//go:build integration
// +build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskinen/wrm-systems/internal/api"
	"github.com/taskinen/wrm-systems/internal/coordinator"
	"github.com/taskinen/wrm-systems/internal/models"
	"github.com/taskinen/wrm-systems/internal/server"
	"github.com/taskinen/wrm-systems/internal/storage"
	"github.com/taskinen/wrm-systems/internal/usage"
	"github.com/taskinen/wrm-systems/internal/validation"
)

const testToken = "integration-token"

// newUpstream serves the water meter API format with a fixed reading set.
func newUpstream(t *testing.T, readings [][2]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		tuples := make([][]float64, 0, len(readings))
		for _, rd := range readings {
			tuples = append(tuples, []float64{rd[0], rd[1]})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"readings":     tuples,
			"model":        "WMD-521",
			"serialNumber": "SN-0042",
			"unit":         "m3",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// buildPipeline wires the real client, file-backed store, aggregator and
// coordinator against the given upstream.
func buildPipeline(t *testing.T, upstreamURL string) *coordinator.Coordinator {
	t.Helper()
	logger := newLogger()
	validator := validation.New(logger)

	client := api.NewClient(api.ClientConfig{
		BaseURL:    upstreamURL,
		Token:      testToken,
		MinSpacing: time.Millisecond,
	}, validator, logger)

	backend, err := storage.NewFileBackend(filepath.Join(t.TempDir(), "readings.json"), logger)
	require.NoError(t, err)

	store := storage.NewStore(backend, validator, 365, logger)
	aggregator := usage.NewAggregator(validator, 48)

	return coordinator.New(client, store, aggregator, coordinator.Config{
		HistoricalDays: 30,
		BackfillDays:   7,
		Timezone:       time.UTC,
	}, logger)
}

func TestFullSyncAndServe(t *testing.T) {
	now := float64(time.Now().Unix())
	upstream := newUpstream(t, [][2]float64{
		{now - 3*3600, 100.0},
		{now - 2*3600, 101.5},
		{now - 1*3600, 103.0},
	})

	coord := buildPipeline(t, upstream.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, snap.HasReading)
	assert.Equal(t, 103.0, snap.Latest.Value)
	assert.Equal(t, "WMD-521", snap.Device.Model)
	assert.Equal(t, "SN-0042", snap.Device.SerialNumber)
	assert.Equal(t, 3, snap.Readings)
	assert.InDelta(t, 1.5, snap.Usage.Hourly, 0.01)

	handler, err := server.SetupServer(coord, server.DefaultServerConfig(), newLogger())
	require.NoError(t, err)
	web := httptest.NewServer(handler)
	defer web.Close()

	resp, err := http.Get(web.URL + "/api/v1/meter")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var served models.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&served))
	assert.Equal(t, snap.Latest, served.Latest)
	assert.Equal(t, snap.Device, served.Device)

	histResp, err := http.Get(web.URL + "/api/v1/usage/history?days=2")
	require.NoError(t, err)
	defer histResp.Body.Close()
	require.Equal(t, http.StatusOK, histResp.StatusCode)

	var windows []models.UsageWindow
	require.NoError(t, json.NewDecoder(histResp.Body).Decode(&windows))
	assert.Len(t, windows, 2)
}

func TestSyncPersistsAcrossRestart(t *testing.T) {
	now := float64(time.Now().Unix())
	upstream := newUpstream(t, [][2]float64{
		{now - 2*3600, 50.0},
		{now - 1*3600, 51.0},
	})

	logger := newLogger()
	validator := validation.New(logger)
	path := filepath.Join(t.TempDir(), "readings.json")

	run := func() models.Snapshot {
		client := api.NewClient(api.ClientConfig{
			BaseURL:    upstream.URL,
			Token:      testToken,
			MinSpacing: time.Millisecond,
		}, validator, logger)

		backend, err := storage.NewFileBackend(path, logger)
		require.NoError(t, err)
		store := storage.NewStore(backend, validator, 365, logger)
		coord := coordinator.New(client, store, usage.NewAggregator(validator, 48),
			coordinator.Config{HistoricalDays: 7, BackfillDays: 7, Timezone: time.UTC}, logger)

		snap, err := coord.RunCycle(context.Background())
		require.NoError(t, err)
		return snap
	}

	first := run()
	second := run()

	// The second process merges the same readings without duplicating them.
	assert.Equal(t, first.Readings, second.Readings)
	assert.Equal(t, first.Latest, second.Latest)
}

func TestAuthFailurePropagates(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	coord := buildPipeline(t, upstream.URL)

	_, err := coord.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestForceRefreshEndToEnd(t *testing.T) {
	now := float64(time.Now().Unix())
	readings := [][2]float64{
		{now - 2*3600, 10.0},
		{now - 1*3600, 11.0},
	}
	upstream := newUpstream(t, readings)

	coord := buildPipeline(t, upstream.URL)

	_, err := coord.RunCycle(context.Background())
	require.NoError(t, err)

	snap, err := coord.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.HasReading)
	assert.Equal(t, 11.0, snap.Latest.Value)
	assert.Equal(t, len(readings), snap.Readings)
}

func TestMetricsEndpoint(t *testing.T) {
	coord := buildPipeline(t, newUpstream(t, nil).URL)

	handler, err := server.SetupServer(coord, server.DefaultServerConfig(), newLogger())
	require.NoError(t, err)
	web := httptest.NewServer(handler)
	defer web.Close()

	resp, err := http.Get(web.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "wrm_sync_cycles_total")
}
