package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"geotrack/internal/config"
	"geotrack/internal/engine"
	"geotrack/internal/model"
	"geotrack/internal/query"
)

const apiKeyHeader = "X-API-Key"

// EngineControl is the slice of the ingestion engine the API exposes.
type EngineControl interface {
	Status(alertLimit int) engine.Status
	Reset()
}

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg     *config.Manager
	query   *query.Service
	auth    query.Authenticator
	engine  EngineControl
	store   Pinger
	logger  *slog.Logger
	version string
}

func NewServer(cfg *config.Manager, svc *query.Service, auth query.Authenticator, eng EngineControl, store Pinger, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		query:   svc,
		auth:    auth,
		engine:  eng,
		store:   store,
		logger:  logger,
		version: version,
	}
}

func Start(ctx context.Context, s *Server) *http.Server {
	current := s.cfg.Get().API
	if !current.Enabled {
		s.logger.Info("api disabled")
		return nil
	}
	s.logger.Info("api enabled", "addr", current.Addr)
	httpServer := &http.Server{Addr: current.Addr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	apiCfg := s.cfg.Get().API
	r := chi.NewRouter()
	r.Use(RequestLogger(s.logger))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "geotrack location API", "version": s.version})
	})
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(apiCfg.RateLimit, apiCfg.RateBurst))
		r.Get("/history", s.handleHistory)
		r.Get("/last_location", s.handleLastLocation)
		r.Get("/geofence_events", s.handleGeofenceEvents)
		r.Get("/alerts", s.handleAlerts)
		r.Get("/locations/recent", s.handleRecent)
		r.Get("/status", s.handleStatus)
		r.Post("/admin/reset", s.handleReset)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var se *model.StoreError
	switch {
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrAuth):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid api key"})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &se):
		s.logger.Error("query store failure", "op", se.Op, "error", se.Err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage unavailable"})
	default:
		s.logger.Error("query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
