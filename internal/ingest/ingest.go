package ingest

import (
	"context"
	"time"

	"geotrack/internal/model"
)

// Handler consumes decoded reports. engine.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, report model.LocationReport) error
	// Rejected records a payload that could not be decoded into a report.
	Rejected(source string, err error)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
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
