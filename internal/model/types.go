package model

import "math"

// LocationReport is a single position fix as delivered by the inbound stream.
// Optional telemetry is carried through untouched; nil means the publisher
// did not send the field.
type LocationReport struct {
	DeviceID     string   `json:"device_id"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Timestamp    float64  `json:"timestamp"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	Altitude     *float64 `json:"altitude,omitempty"`
	Speed        *float64 `json:"speed,omitempty"`
	BatteryLevel *float64 `json:"battery_level,omitempty"`
}

// LocationRecord is a persisted report. Records are append-only.
type LocationRecord struct {
	ID int64 `json:"id"`
	LocationReport
	InsideAnyGeofence bool `json:"inside_any_geofence"`
}

// Point is the (lng, lat) view used by the geometry code.
func (r LocationReport) Point() [2]float64 {
	return [2]float64{r.Longitude, r.Latitude}
}

type TransitionType string

const (
	TransitionEntered TransitionType = "entered"
	TransitionExited  TransitionType = "exited"
)

// GeofenceEvent is a transition re-derived at query time against one geofence.
type GeofenceEvent struct {
	Timestamp float64 `json:"timestamp"`
	Entered   bool    `json:"entered"`
}

// TransitionAlert is emitted by the ingestion pipeline when a device's
// union containment changes.
type TransitionAlert struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	Type      TransitionType `json:"event"`
	Timestamp float64        `json:"timestamp"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Geofences []string       `json:"geofences"`
	RecordID  int64          `json:"record_id"`
}

// Position is the public shape of a location in query responses.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp float64 `json:"timestamp"`
}

func (r LocationRecord) Position() Position {
	return Position{Latitude: r.Latitude, Longitude: r.Longitude, Timestamp: r.Timestamp}
}

// Validate checks the fields every report must carry. Optional telemetry is
// not range-checked.
func (r LocationReport) Validate() error {
	if r.DeviceID == "" {
		return Invalid("device_id", "required")
	}
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		return Invalid("latitude", "must be within [-90, 90]")
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		return Invalid("longitude", "must be within [-180, 180]")
	}
	if math.IsNaN(r.Timestamp) || math.IsInf(r.Timestamp, 0) {
		return Invalid("timestamp", "must be a finite number")
	}
	return nil
}
