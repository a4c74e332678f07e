// Package api implements the HTTP client for the WRM-Systems water meter
// endpoint.
//
// The client enforces a minimum spacing between outbound requests, retries
// transient network failures with exponential backoff, and strictly
// validates the response shape before handing readings to callers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/taskinen/wrm-systems/internal/models"
	"github.com/taskinen/wrm-systems/internal/validation"
)

const (
	// DefaultBaseURL is the production water meter endpoint.
	DefaultBaseURL = "https://wmd.wrm-systems.fi/api/watermeter"

	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultMinSpacing     = time.Second

	// backfillWindowDays is the size of each backward window when walking
	// the full history.
	backfillWindowDays = 30

	// maxBackfillWindows bounds the backward walk so a server that keeps
	// returning stale readings cannot trap us in an endless loop.
	maxBackfillWindows = 120

	// max429Retries bounds how often a rate-limited response is retried.
	// 429s do not consume network-failure attempts.
	max429Retries = 5
)

var (
	// ErrInvalidAuth indicates a rejected bearer token. Never retried.
	ErrInvalidAuth = errors.New("invalid authentication token")

	// ErrAPI covers bad status codes and malformed response bodies, and is
	// the terminal error once the retry ceiling is hit.
	ErrAPI = errors.New("api error")
)

// ClientConfig holds the tunables of the meter API client. Zero values fall
// back to production defaults.
type ClientConfig struct {
	BaseURL        string
	Token          string
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
	MinSpacing     time.Duration
}

// Client talks to the water meter API. One Client maintains one outbound
// rate limiter, so all requests from an instance honor the minimum spacing.
type Client struct {
	cfg       ClientConfig
	http      *http.Client
	limiter   *rate.Limiter
	validator *validation.Validator
	logger    *logrus.Logger
	now       func() time.Time
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig, validator *validation.Validator, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaultMinSpacing
	}

	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		limiter:   rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

type apiResponse struct {
	Readings     *[]json.RawMessage `json:"readings"`
	Model        string             `json:"model"`
	SerialNumber string             `json:"serialNumber"`
	Unit         string             `json:"unit"`
}

// GetReadings fetches the readings for [start, end]. A zero start defaults
// to the last 24 hours; a zero end leaves the range open. An empty readings
// array is a valid, empty snapshot.
func (c *Client) GetReadings(ctx context.Context, start, end time.Time) (models.DeviceSnapshot, error) {
	if start.IsZero() {
		start = c.now().UTC().Add(-24 * time.Hour)
	}

	params := url.Values{}
	params.Set("startDate", start.UTC().Format("2006-01-02"))
	if !end.IsZero() {
		params.Set("endDate", end.UTC().Format("2006-01-02"))
	}

	body, err := c.requestWithRetry(ctx, params)
	if err != nil {
		return models.DeviceSnapshot{}, err
	}
	return c.decodeSnapshot(body)
}

// requestWithRetry issues the GET with rate limiting, retry and backoff.
// Auth failures and hard API errors abort immediately; network errors and
// timeouts are retried up to the attempt ceiling.
func (c *Client) requestWithRetry(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := c.cfg.BaseURL + "?" + params.Encode()

	var lastErr error
	rateLimited := 0

	for attempt := 0; attempt < c.cfg.MaxRetries; {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAPI, err)
		}

		body, status, err := c.doRequest(ctx, reqURL)
		if err != nil {
			// Transient: retry with exponential backoff.
			lastErr = err
			attempt++
			if attempt >= c.cfg.MaxRetries {
				break
			}
			wait := c.cfg.RetryBaseDelay << uint(attempt-1)
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"retries": c.cfg.MaxRetries,
				"wait":    wait,
			}).Warnf("API request failed, retrying: %v", err)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAPI, err)
			}
			continue
		}

		switch {
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusUnauthorized:
			return nil, ErrInvalidAuth
		case status == http.StatusTooManyRequests:
			// Server-side throttling does not consume a hard failure.
			rateLimited++
			if rateLimited > max429Retries {
				return nil, fmt.Errorf("%w: rate limited after %d retries", ErrAPI, max429Retries)
			}
			wait := c.cfg.RetryBaseDelay << uint(rateLimited-1)
			c.logger.WithField("wait", wait).Warn("API rate limited, backing off")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAPI, err)
			}
		default:
			return nil, fmt.Errorf("%w: unexpected status %d", ErrAPI, status)
		}
	}

	return nil, fmt.Errorf("%w: network error after %d attempts: %v", ErrAPI, c.cfg.MaxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var buf []byte
	if resp.StatusCode == http.StatusOK {
		buf, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, err
		}
	}
	return buf, resp.StatusCode, nil
}

// decodeSnapshot validates the response shape: an object with a readings
// array of 2-element numeric tuples. Any malformed element fails the whole
// request; salvage of individual readings happens at merge time, not here.
func (c *Client) decodeSnapshot(body []byte) (models.DeviceSnapshot, error) {
	if len(body) == 0 {
		return models.DeviceSnapshot{}, fmt.Errorf("%w: invalid JSON response", ErrAPI)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.DeviceSnapshot{}, fmt.Errorf("%w: invalid JSON response: %v", ErrAPI, err)
	}
	if resp.Readings == nil {
		return models.DeviceSnapshot{}, fmt.Errorf("%w: missing readings field", ErrAPI)
	}

	snapshot := models.DeviceSnapshot{
		Device: models.DeviceInfo{
			Model:        resp.Model,
			SerialNumber: resp.SerialNumber,
			Unit:         resp.Unit,
		},
	}

	for i, raw := range *resp.Readings {
		var tuple []float64
		if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
			return models.DeviceSnapshot{}, fmt.Errorf("%w: invalid reading at index %d, expected [timestamp, value]", ErrAPI, i)
		}
		snapshot.Readings = append(snapshot.Readings, models.Reading{
			Timestamp: int64(tuple[0]),
			Value:     tuple[1],
		})
	}

	return snapshot, nil
}

// GetLatestReading returns the single most recent reading, or ErrAPI when
// the default window holds none.
func (c *Client) GetLatestReading(ctx context.Context) (models.Reading, models.DeviceInfo, error) {
	snap, err := c.GetReadings(ctx, time.Time{}, time.Time{})
	if err != nil {
		return models.Reading{}, models.DeviceInfo{}, err
	}
	if len(snap.Readings) == 0 {
		return models.Reading{}, snap.Device, fmt.Errorf("%w: no readings available", ErrAPI)
	}

	latest := snap.Readings[0]
	for _, r := range snap.Readings[1:] {
		if r.Timestamp > latest.Timestamp {
			latest = r
		}
	}
	return latest, snap.Device, nil
}

// GetReadingsRange fetches [start, end] and returns the snapshot with
// readings sorted ascending by timestamp.
func (c *Client) GetReadingsRange(ctx context.Context, start, end time.Time) (models.DeviceSnapshot, error) {
	snap, err := c.GetReadings(ctx, start, end)
	if err != nil {
		return models.DeviceSnapshot{}, err
	}
	sort.Slice(snap.Readings, func(i, j int) bool {
		return snap.Readings[i].Timestamp < snap.Readings[j].Timestamp
	})
	return snap, nil
}

// GetReadingsSince returns readings strictly newer than since, sorted
// ascending. Used for delta fetches.
func (c *Client) GetReadingsSince(ctx context.Context, since int64) (models.DeviceSnapshot, error) {
	snap, err := c.GetReadingsRange(ctx, time.Unix(since, 0).UTC(), time.Time{})
	if err != nil {
		return models.DeviceSnapshot{}, err
	}

	filtered := snap.Readings[:0]
	for _, r := range snap.Readings {
		if r.Timestamp > since {
			filtered = append(filtered, r)
		}
	}
	snap.Readings = filtered
	return snap, nil
}

// GetAllHistoricalReadings walks backward in fixed windows until a window
// comes back empty, no window makes progress, or the window cap is hit.
// Readings are deduplicated across window boundaries and returned sorted
// ascending.
func (c *Client) GetAllHistoricalReadings(ctx context.Context) (models.DeviceSnapshot, error) {
	var (
		device models.DeviceInfo
		all    []models.Reading
		seen   = make(map[int64]struct{})
	)

	end := c.now().UTC()
	for window := 0; window < maxBackfillWindows; window++ {
		start := end.AddDate(0, 0, -backfillWindowDays)

		snap, err := c.GetReadings(ctx, start, end)
		if err != nil {
			return models.DeviceSnapshot{}, err
		}
		if len(snap.Readings) == 0 {
			break
		}
		if snap.Device != (models.DeviceInfo{}) {
			device = snap.Device
		}

		added := 0
		for _, r := range snap.Readings {
			if _, ok := seen[r.Timestamp]; ok {
				continue
			}
			seen[r.Timestamp] = struct{}{}
			all = append(all, r)
			added++
		}
		if added == 0 {
			// The server keeps serving the same stale readings.
			break
		}

		c.logger.WithFields(logrus.Fields{
			"window":   window + 1,
			"readings": added,
		}).Debug("Fetched historical window")

		end = start
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })
	return models.DeviceSnapshot{Readings: all, Device: device}, nil
}

// CalculateUsage derives usage windows between consecutive valid readings.
// Readings failing validation are skipped, so a window may span a gap left
// by malformed samples. Pairs with non-positive duration are dropped.
func (c *Client) CalculateUsage(readings []models.Reading) []models.UsageWindow {
	valid := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if v, ok := c.validator.Validate(r.Timestamp, r.Value); ok {
			valid = append(valid, v)
		}
	}
	if len(valid) < 2 {
		return nil
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].Timestamp < valid[j].Timestamp })

	windows := make([]models.UsageWindow, 0, len(valid)-1)
	for i := 1; i < len(valid); i++ {
		prev, curr := valid[i-1], valid[i]
		hours := float64(curr.Timestamp-prev.Timestamp) / 3600
		if hours <= 0 {
			continue
		}
		usage := curr.Value - prev.Value
		if usage < 0 {
			usage = 0
		}
		windows = append(windows, models.UsageWindow{
			StartTimestamp: prev.Timestamp,
			EndTimestamp:   curr.Timestamp,
			StartValue:     prev.Value,
			EndValue:       curr.Value,
			Usage:          usage,
			DurationHours:  hours,
		})
	}
	return windows
}

// TestConnection reports whether the endpoint accepts the configured token.
func (c *Client) TestConnection(ctx context.Context) bool {
	if _, err := c.GetReadings(ctx, time.Time{}, time.Time{}); err != nil {
		c.logger.WithError(err).Warn("Connection test failed")
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
