// Package server exposes the coordinator's published snapshot over HTTP.
//
// This is a thin adapter layer: it never touches the store or the meter
// API directly, only the snapshot the coordinator publishes after each
// cycle plus the operator-triggered backfill and refresh operations.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/taskinen/wrm-systems/internal/coordinator"
	"github.com/taskinen/wrm-systems/internal/models"
	middleware "github.com/taskinen/wrm-systems/internal/server/middlewares"
)

const cacheTTL = 60 * time.Second

// ServerConfig holds the HTTP surface tunables.
type ServerConfig struct {
	CacheSize      int     // entries in the response LRU
	RateLimit      float64 // requests per second
	RateLimitBurst int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		CacheSize:      1000,
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// MeterService is the slice of the coordinator the HTTP layer consumes.
type MeterService interface {
	Published() (models.Snapshot, bool)
	UsageHistory(days int) []models.UsageWindow
	Backfill(ctx context.Context, days int) error
	ForceRefresh(ctx context.Context) (models.Snapshot, error)
}

// Server wires the routes and middleware chain.
type Server struct {
	service MeterService
	logger  *logrus.Logger
}

// SetupServer builds the HTTP handler with the full middleware chain:
// request ID first, rate limit early, then logging, metrics and the
// response cache last so errors are never cached.
func SetupServer(service MeterService, cfg ServerConfig, logger *logrus.Logger) (http.Handler, error) {
	caching, err := middleware.Caching(cfg.CacheSize, cacheTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{service: service, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/meter", s.handleMeter).Methods(http.MethodGet)
	apiRouter.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	apiRouter.HandleFunc("/usage/history", s.handleUsageHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/backfill", s.handleBackfill).Methods(http.MethodPost)
	apiRouter.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	apiRouter.Use(
		mux.MiddlewareFunc(middleware.RequestID),
		mux.MiddlewareFunc(middleware.RateLimiting(cfg.RateLimit, cfg.RateLimitBurst)),
		mux.MiddlewareFunc(middleware.Logging(logger)),
		mux.MiddlewareFunc(middleware.Metrics),
		mux.MiddlewareFunc(caching),
	)

	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMeter(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.service.Published()
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "no data yet")
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.service.Published()
	if !ok {
		s.respondError(w, http.StatusServiceUnavailable, "no data yet")
		return
	}
	s.respondJSON(w, http.StatusOK, snap.Usage)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, 7)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	windows := s.service.UsageHistory(days)
	if windows == nil {
		windows = []models.UsageWindow{}
	}
	s.respondJSON(w, http.StatusOK, windows)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, coordinator.DefaultBackfillDays)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.service.Backfill(r.Context(), days); err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"backfilled_days": days})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.ForceRefresh(r.Context())
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func daysParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return def, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < coordinator.MinBackfillDays || days > coordinator.MaxBackfillDays {
		return 0, &paramError{param: "days", min: coordinator.MinBackfillDays, max: coordinator.MaxBackfillDays}
	}
	return days, nil
}

type paramError struct {
	param    string
	min, max int
}

func (e *paramError) Error() string {
	return e.param + " must be an integer between " +
		strconv.Itoa(e.min) + " and " + strconv.Itoa(e.max)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
