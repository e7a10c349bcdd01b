package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"

	"geotrack/internal/alerts"
	"geotrack/internal/config"
	"geotrack/internal/geofence"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
	"geotrack/internal/storage"
	"geotrack/internal/tracker"
)

// Engine is the ingestion pipeline: evaluate containment, persist, detect
// union transitions, emit alerts. Safe for concurrent use; reports for the
// same device are serialized by the tracker.
type Engine struct {
	logger    *slog.Logger
	geofences *geofence.Holder
	tracker   *tracker.Tracker
	store     storage.Store
	alerts    *alerts.Dispatcher
	pipeline  *metrics.Pipeline
	devices   *metrics.Devices
	cfg       atomic.Value
	started   time.Time
}

// Outcome describes what happened to one accepted report.
type Outcome struct {
	Record     model.LocationRecord
	Geofences  []string
	Transition model.TransitionType
	Changed    bool
}

type Option func(*Engine)

func WithAlerts(d *alerts.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

func NewEngine(cfg *config.Config, logger *slog.Logger, geofences *geofence.Holder, store storage.Store, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if geofences == nil {
		geofences = geofence.NewHolder(nil)
	}
	e := &Engine{
		logger:    logger,
		geofences: geofences,
		tracker:   tracker.New(),
		store:     store,
		pipeline:  metrics.NewPipeline(),
		devices:   metrics.NewDevices(0),
		started:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.alerts == nil {
		e.alerts = alerts.NewDispatcher(logger, nil, store)
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Handle adapts HandleReport to the ingest handler signature.
func (e *Engine) Handle(ctx context.Context, report model.LocationReport) error {
	_, err := e.HandleReport(ctx, report)
	return err
}

// Rejected counts a payload that never became a report.
func (e *Engine) Rejected(source string, err error) {
	e.pipeline.IncReceived()
	e.pipeline.IncRejected()
	e.logger.Warn("report rejected", "source", source, "error", err)
}

// HandleReport processes one report. A malformed report returns a
// *model.ValidationError and touches neither the store nor the tracker. A
// store failure after every retry returns a *model.StoreError and leaves
// the device state as it was.
func (e *Engine) HandleReport(ctx context.Context, report model.LocationReport) (Outcome, error) {
	e.pipeline.IncReceived()
	if err := report.Validate(); err != nil {
		e.pipeline.IncRejected()
		e.logger.Warn("report rejected", "device_id", report.DeviceID, "error", err)
		return Outcome{}, err
	}

	set := e.geofences.Load()
	fences := geofence.Matched(set.EvaluateAll(orb.Point(report.Point())))
	rec := model.LocationRecord{LocationReport: report, InsideAnyGeofence: len(fences) > 0}

	tr, changed, err := e.tracker.Observe(report.DeviceID, rec.InsideAnyGeofence, func() error {
		id, err := e.appendWithRetry(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
	if err != nil {
		e.pipeline.IncDropped()
		attempts := 0
		var se *model.StoreError
		if errors.As(err, &se) {
			attempts = se.Attempts
		}
		e.logger.Error("report dropped",
			"device_id", report.DeviceID,
			"timestamp", report.Timestamp,
			"attempts", attempts,
			"error", err,
		)
		return Outcome{}, err
	}

	e.pipeline.IncAccepted()
	e.devices.Update(report.DeviceID, report.Timestamp, rec.InsideAnyGeofence)
	out := Outcome{Record: rec, Geofences: fences, Transition: tr, Changed: changed}
	if changed {
		e.pipeline.IncTransition()
		_, failed := e.alerts.Emit(ctx, model.TransitionAlert{
			DeviceID:  report.DeviceID,
			Type:      tr,
			Timestamp: report.Timestamp,
			Latitude:  report.Latitude,
			Longitude: report.Longitude,
			Geofences: fences,
			RecordID:  rec.ID,
		})
		for i := 0; i < failed; i++ {
			e.pipeline.IncAlertError()
		}
	}
	return out, nil
}

func (e *Engine) appendWithRetry(ctx context.Context, rec model.LocationRecord) (int64, error) {
	if e.store == nil {
		return 0, &model.StoreError{Op: "append", Attempts: 0, Err: errors.New("no store configured")}
	}
	retry := e.config().Ingest.StoreRetry
	attempts := retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := retry.Backoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		id, err := e.store.Append(ctx, rec)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if i == attempts || ctx.Err() != nil {
			return 0, &model.StoreError{Op: "append", Attempts: i, Err: lastErr}
		}
		e.pipeline.IncStoreRetry()
		e.logger.Debug("store append failed, retrying", "device_id", rec.DeviceID, "attempt", i, "error", err)
		if !sleep(ctx, backoff) {
			return 0, &model.StoreError{Op: "append", Attempts: i, Err: lastErr}
		}
		backoff *= 2
	}
	return 0, &model.StoreError{Op: "append", Attempts: attempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Reset forgets every device's containment state and the in-memory alert
// ring, as a restart would. Persisted records and alerts are kept.
func (e *Engine) Reset() {
	e.tracker.Reset()
	e.devices.Clear()
	e.alerts.Ring().Clear()
}

type Status struct {
	StartedAt      time.Time                      `json:"started_at"`
	Counters       map[string]int64               `json:"counters"`
	TrackedDevices int                            `json:"tracked_devices"`
	Geofences      []string                       `json:"geofences"`
	BufferedAlerts int                            `json:"buffered_alerts"`
	RecentAlerts   []model.TransitionAlert        `json:"recent_alerts"`
	Devices        map[string]metrics.DeviceStats `json:"devices"`
}

func (e *Engine) Status(alertLimit int) Status {
	devices := e.devices.GetAll()
	for id, st := range devices {
		st.Tracking = e.tracker.State(id).String()
		devices[id] = st
	}
	return Status{
		StartedAt:      e.started,
		Counters:       e.pipeline.Snapshot(),
		TrackedDevices: e.tracker.Len(),
		Geofences:      e.geofences.Load().Names(),
		BufferedAlerts: e.alerts.Ring().Len(),
		RecentAlerts:   e.alerts.Ring().List(alertLimit),
		Devices:        devices,
	}
}
