package metrics

import (
	"sync"
	"time"
)

// DeviceStats is the per-device view shown on /status.
type DeviceStats struct {
	Reports       int64     `json:"reports"`
	LastTimestamp float64   `json:"last_timestamp"`
	Inside        bool      `json:"inside_any_geofence"`
	UpdatedAt     time.Time `json:"updated_at"`
	// filled by the engine from the transition tracker
	Tracking string `json:"tracking,omitempty"`
}

// Devices tracks the last accepted report per device, evicting the least
// recently updated device once limit is exceeded.
type Devices struct {
	mu    sync.RWMutex
	byID  map[string]DeviceStats
	limit int
}

func NewDevices(limit int) *Devices {
	if limit <= 0 {
		limit = 5000
	}
	return &Devices{byID: make(map[string]DeviceStats), limit: limit}
}

func (d *Devices) Update(deviceID string, ts float64, inside bool) {
	if deviceID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.byID[deviceID]
	st.Reports++
	if ts >= st.LastTimestamp || st.Reports == 1 {
		st.LastTimestamp = ts
	}
	st.Inside = inside
	st.UpdatedAt = time.Now().UTC()
	d.byID[deviceID] = st
	if len(d.byID) > d.limit {
		d.evictOldest()
	}
}

func (d *Devices) GetAll() map[string]DeviceStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]DeviceStats, len(d.byID))
	for id, st := range d.byID {
		out[id] = st
	}
	return out
}

func (d *Devices) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, st := range d.byID {
		if oldestID == "" || st.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = st.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(d.byID, oldestID)
	}
}

func (d *Devices) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[string]DeviceStats)
}
