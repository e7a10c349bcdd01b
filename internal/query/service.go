// Package query answers history, last-location, geofence-event and alert
// queries from the location store. It never consults the ingestion
// tracker: geofence events are re-derived from stored rows on every call.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/paulmach/orb"

	"geotrack/internal/config"
	"geotrack/internal/geofence"
	"geotrack/internal/model"
	"geotrack/internal/storage"
	"geotrack/internal/tracker"
)

type Service struct {
	store     storage.Store
	geofences *geofence.Holder
	auth      Authenticator
	opts      atomic.Pointer[config.QueryConfig]
}

type HistoryQuery struct {
	DeviceID string
	Start    float64
	End      float64
	// Geofence, when set, keeps only rows inside that geofence.
	Geofence string
}

type EventsQuery struct {
	DeviceID string
	Geofence string
	Start    float64
	End      float64
}

func NewService(store storage.Store, geofences *geofence.Holder, auth Authenticator, cfg config.QueryConfig) *Service {
	if geofences == nil {
		geofences = geofence.NewHolder(nil)
	}
	s := &Service{store: store, geofences: geofences, auth: auth}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig swaps the query options; in-flight calls keep the old ones.
func (s *Service) UpdateConfig(cfg config.QueryConfig) {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 100
	}
	s.opts.Store(&cfg)
}

func (s *Service) authenticate(credential string) error {
	if s.auth == nil {
		return model.ErrAuth
	}
	return s.auth.Authenticate(credential)
}

func validateWindow(deviceID string, start, end float64) error {
	if deviceID == "" {
		return model.Invalid("device_id", "required")
	}
	if end < start {
		return model.Invalid("end_time", "must not be before start_time")
	}
	return nil
}

// History returns the device's records in [Start, End], oldest first.
func (s *Service) History(ctx context.Context, credential string, q HistoryQuery) ([]model.LocationRecord, error) {
	if err := s.authenticate(credential); err != nil {
		return nil, err
	}
	if err := validateWindow(q.DeviceID, q.Start, q.End); err != nil {
		return nil, err
	}
	set := s.geofences.Load()
	if q.Geofence != "" && !set.Has(q.Geofence) {
		return nil, notFoundGeofence(q.Geofence)
	}
	recs, err := s.store.QueryRange(ctx, q.DeviceID, q.Start, q.End)
	if err != nil {
		return nil, readError("query_range", err)
	}
	if q.Geofence == "" {
		return recs, nil
	}
	// filter on geometry; the stored flag is a union over every geofence
	out := recs[:0]
	for _, rec := range recs {
		inside, err := set.Evaluate(orb.Point(rec.Point()), q.Geofence)
		if err != nil {
			return nil, err
		}
		if inside {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Service) LastLocation(ctx context.Context, credential, deviceID string) (model.LocationRecord, error) {
	if err := s.authenticate(credential); err != nil {
		return model.LocationRecord{}, err
	}
	if deviceID == "" {
		return model.LocationRecord{}, model.Invalid("device_id", "required")
	}
	rec, err := s.store.Latest(ctx, deviceID)
	if err != nil {
		return model.LocationRecord{}, readError("latest", err)
	}
	return rec, nil
}

// GeofenceEvents replays the device's rows in [Start, End] through a fresh
// state machine for one geofence. The first row in the window only seeds
// the machine, so a crossing at exactly Start is not reported unless the
// service seeds from the last row before the window.
func (s *Service) GeofenceEvents(ctx context.Context, credential string, q EventsQuery) ([]model.GeofenceEvent, error) {
	if err := s.authenticate(credential); err != nil {
		return nil, err
	}
	if err := validateWindow(q.DeviceID, q.Start, q.End); err != nil {
		return nil, err
	}
	if q.Geofence == "" {
		return nil, model.Invalid("geofence", "required")
	}
	set := s.geofences.Load()
	if !set.Has(q.Geofence) {
		return nil, notFoundGeofence(q.Geofence)
	}

	var m tracker.Machine
	if s.opts.Load().SeedFromPrior {
		prior, err := s.store.LatestBefore(ctx, q.DeviceID, q.Start)
		switch {
		case err == nil:
			inside, err := set.Evaluate(orb.Point(prior.Point()), q.Geofence)
			if err != nil {
				return nil, err
			}
			m.Observe(inside)
		case !errors.Is(err, model.ErrNotFound):
			return nil, readError("latest_before", err)
		}
	}

	recs, err := s.store.QueryRange(ctx, q.DeviceID, q.Start, q.End)
	if err != nil {
		return nil, readError("query_range", err)
	}
	observations := make([]bool, len(recs))
	for i, rec := range recs {
		inside, err := set.Evaluate(orb.Point(rec.Point()), q.Geofence)
		if err != nil {
			return nil, err
		}
		observations[i] = inside
	}
	events := make([]model.GeofenceEvent, 0)
	for _, step := range m.Replay(observations) {
		events = append(events, model.GeofenceEvent{
			Timestamp: recs[step.Index].Timestamp,
			Entered:   step.Type == model.TransitionEntered,
		})
	}
	return events, nil
}

// Alerts returns the transition alerts recorded at ingestion in [start, end].
func (s *Service) Alerts(ctx context.Context, credential, deviceID string, start, end float64) ([]model.TransitionAlert, error) {
	if err := s.authenticate(credential); err != nil {
		return nil, err
	}
	if err := validateWindow(deviceID, start, end); err != nil {
		return nil, err
	}
	alerts, err := s.store.QueryAlerts(ctx, deviceID, start, end)
	if err != nil {
		return nil, readError("query_alerts", err)
	}
	return alerts, nil
}

// Recent returns the newest records across every device.
func (s *Service) Recent(ctx context.Context, credential string, limit int) ([]model.LocationRecord, error) {
	if err := s.authenticate(credential); err != nil {
		return nil, err
	}
	if maxLimit := s.opts.Load().RecentLimit; limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	recs, err := s.store.Recent(ctx, limit)
	if err != nil {
		return nil, readError("recent", err)
	}
	return recs, nil
}

func notFoundGeofence(name string) error {
	return fmt.Errorf("geofence %q: %w", name, model.ErrNotFound)
}

func readError(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	return &model.StoreError{Op: op, Attempts: 1, Err: err}
}
