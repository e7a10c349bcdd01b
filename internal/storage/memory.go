package storage

import (
	"context"
	"sort"
	"sync"

	"geotrack/internal/model"
)

// memoryStore keeps everything in process. Used for tests and throwaway runs.
type memoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []model.LocationRecord
	alerts  []model.TransitionAlert
}

func NewMemory() Store {
	return &memoryStore{}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) Append(_ context.Context, rec model.LocationRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, rec)
	return rec.ID, nil
}

func (m *memoryStore) QueryRange(_ context.Context, deviceID string, start, end float64) ([]model.LocationRecord, error) {
	m.mu.RLock()
	out := make([]model.LocationRecord, 0)
	for _, r := range m.records {
		if r.DeviceID == deviceID && r.Timestamp >= start && r.Timestamp <= end {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortAscending(out)
	return out, nil
}

func (m *memoryStore) Latest(_ context.Context, deviceID string) (model.LocationRecord, error) {
	return m.latestWhere(deviceID, func(model.LocationRecord) bool { return true })
}

func (m *memoryStore) LatestBefore(_ context.Context, deviceID string, ts float64) (model.LocationRecord, error) {
	return m.latestWhere(deviceID, func(r model.LocationRecord) bool { return r.Timestamp < ts })
}

func (m *memoryStore) latestWhere(deviceID string, keep func(model.LocationRecord) bool) (model.LocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best model.LocationRecord
	found := false
	for _, r := range m.records {
		if r.DeviceID != deviceID || !keep(r) {
			continue
		}
		if !found || newer(r, best) {
			best = r
			found = true
		}
	}
	if !found {
		return model.LocationRecord{}, model.ErrNotFound
	}
	return best, nil
}

func (m *memoryStore) Recent(_ context.Context, limit int) ([]model.LocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	out := make([]model.LocationRecord, len(m.records))
	copy(out, m.records)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) SaveAlert(_ context.Context, alert model.TransitionAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *memoryStore) QueryAlerts(_ context.Context, deviceID string, start, end float64) ([]model.TransitionAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.TransitionAlert, 0)
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Timestamp >= start && a.Timestamp <= end {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func newer(a, b model.LocationRecord) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID > b.ID
}

func sortAscending(recs []model.LocationRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp < recs[j].Timestamp
		}
		return recs[i].ID < recs[j].ID
	})
}
