package alerts

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"geotrack/internal/model"
)

// Publisher forwards an alert to something outside the process.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, alert model.TransitionAlert) error
	Close() error
}

// Recorder persists alerts. storage.Store satisfies it.
type Recorder interface {
	SaveAlert(ctx context.Context, alert model.TransitionAlert) error
}

// Dispatcher fans a transition out to the log, the ring buffer, the alert
// table and any publishers. Failures are logged and never returned: an
// alert must not fail the ingestion of the report that produced it.
type Dispatcher struct {
	logger     *slog.Logger
	ring       *Store
	recorder   Recorder
	publishers []Publisher
}

func NewDispatcher(logger *slog.Logger, ring *Store, recorder Recorder, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ring == nil {
		ring = NewStore(0)
	}
	return &Dispatcher{
		logger:     logger,
		ring:       ring,
		recorder:   recorder,
		publishers: publishers,
	}
}

func (d *Dispatcher) Ring() *Store {
	return d.ring
}

// Emit returns the alert as delivered (with its id) and how many side
// channels failed.
func (d *Dispatcher) Emit(ctx context.Context, alert model.TransitionAlert) (model.TransitionAlert, int) {
	failed := 0
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Geofences == nil {
		alert.Geofences = []string{}
	}
	d.logger.Warn("geofence transition",
		"alert_id", alert.ID,
		"device_id", alert.DeviceID,
		"event", alert.Type,
		"timestamp", alert.Timestamp,
		"latitude", alert.Latitude,
		"longitude", alert.Longitude,
		"geofences", alert.Geofences,
	)
	d.ring.Add(alert)
	if d.recorder != nil {
		if err := d.recorder.SaveAlert(ctx, alert); err != nil {
			failed++
			d.logger.Error("alert persist failed", "alert_id", alert.ID, "device_id", alert.DeviceID, "error", err)
		}
	}
	for _, p := range d.publishers {
		if err := p.Publish(ctx, alert); err != nil {
			failed++
			d.logger.Error("alert publish failed", "publisher", p.Name(), "alert_id", alert.ID, "error", err)
		}
	}
	return alert, failed
}

func (d *Dispatcher) Close() error {
	var first error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
