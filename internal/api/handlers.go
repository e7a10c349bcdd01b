package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geotrack/internal/engine"
	"geotrack/internal/model"
	"geotrack/internal/query"
)

type alertResponse struct {
	ID        string   `json:"id"`
	DeviceID  string   `json:"device_id"`
	Event     string   `json:"event"`
	Timestamp float64  `json:"timestamp"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Geofence  string   `json:"geofence"`
	Geofences []string `json:"geofences"`
}

type recentResponse struct {
	DeviceID          string   `json:"device_id"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	Timestamp         float64  `json:"timestamp"`
	Accuracy          *float64 `json:"accuracy,omitempty"`
	Altitude          *float64 `json:"altitude,omitempty"`
	Speed             *float64 `json:"speed,omitempty"`
	BatteryLevel      *float64 `json:"battery_level,omitempty"`
	InsideAnyGeofence bool     `json:"inside_any_geofence"`
}

type statusResponse struct {
	Status   string        `json:"status"`
	Time     string        `json:"time"`
	Version  string        `json:"version"`
	Config   string        `json:"config_path"`
	Storage  string        `json:"storage"`
	Ingest   ingestStatus  `json:"ingest"`
	Pipeline engine.Status `json:"pipeline"`
}

type ingestStatus struct {
	Kafka    bool `json:"kafka"`
	REST     bool `json:"rest"`
	FileTail bool `json:"file_tail"`
	Workers  int  `json:"workers"`
}

func credential(r *http.Request) string {
	return r.Header.Get(apiKeyHeader)
}

func floatParam(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, model.Invalid(name, "required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.Invalid(name, "must be numeric")
	}
	return v, nil
}

func window(r *http.Request) (float64, float64, error) {
	start, err := floatParam(r, "start_time")
	if err != nil {
		return 0, 0, err
	}
	end, err := floatParam(r, "end_time")
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		s.rejectParams(w, r, err)
		return
	}
	q := r.URL.Query()
	recs, err := s.query.History(r.Context(), credential(r), query.HistoryQuery{
		DeviceID: q.Get("device_id"),
		Start:    start,
		End:      end,
		Geofence: q.Get("geofence"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]model.Position, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Position())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLastLocation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.query.LastLocation(r.Context(), credential(r), r.URL.Query().Get("device_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Position())
}

func (s *Server) handleGeofenceEvents(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		s.rejectParams(w, r, err)
		return
	}
	q := r.URL.Query()
	events, err := s.query.GeofenceEvents(r.Context(), credential(r), query.EventsQuery{
		DeviceID: q.Get("device_id"),
		Geofence: q.Get("geofence"),
		Start:    start,
		End:      end,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	start, end, err := window(r)
	if err != nil {
		s.rejectParams(w, r, err)
		return
	}
	alerts, err := s.query.Alerts(r.Context(), credential(r), r.URL.Query().Get("device_id"), start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		fences := a.Geofences
		if fences == nil {
			fences = []string{}
		}
		out = append(out, alertResponse{
			ID:        a.ID,
			DeviceID:  a.DeviceID,
			Event:     string(a.Type),
			Timestamp: a.Timestamp,
			Latitude:  a.Latitude,
			Longitude: a.Longitude,
			Geofence:  strings.Join(fences, ","),
			Geofences: fences,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.rejectParams(w, r, model.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	recs, err := s.query.Recent(r.Context(), credential(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]recentResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recentResponse{
			DeviceID:          rec.DeviceID,
			Latitude:          rec.Latitude,
			Longitude:         rec.Longitude,
			Timestamp:         rec.Timestamp,
			Accuracy:          rec.Accuracy,
			Altitude:          rec.Altitude,
			Speed:             rec.Speed,
			BatteryLevel:      rec.BatteryLevel,
			InsideAnyGeofence: rec.InsideAnyGeofence,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.auth == nil {
		s.writeError(w, model.ErrAuth)
		return false
	}
	if err := s.auth.Authenticate(credential(r)); err != nil {
		s.writeError(w, err)
		return false
	}
	return true
}

// rejectParams reports a parameter error, unless the credential is bad:
// auth failures always win.
func (s *Server) rejectParams(w http.ResponseWriter, r *http.Request, err error) {
	if !s.authorize(w, r) {
		return
	}
	s.writeError(w, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Config:  s.cfg.Path(),
		Storage: cfg.Storage.Driver,
		Ingest: ingestStatus{
			Kafka:    cfg.Ingest.Kafka.Enabled,
			REST:     cfg.Ingest.REST.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Workers:  cfg.Ingest.Workers,
		},
	}
	if s.engine != nil {
		resp.Pipeline = s.engine.Status(20)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	s.logger.Info("tracker state reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
