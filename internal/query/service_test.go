package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"geotrack/internal/config"
	"geotrack/internal/geofence"
	"geotrack/internal/model"
	"geotrack/internal/storage"
)

const key = "secret"

type countingStore struct {
	storage.Store
	reads atomic.Int64
	err   error
}

func (c *countingStore) QueryRange(ctx context.Context, device string, start, end float64) ([]model.LocationRecord, error) {
	c.reads.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.Store.QueryRange(ctx, device, start, end)
}

func (c *countingStore) Latest(ctx context.Context, device string) (model.LocationRecord, error) {
	c.reads.Add(1)
	return c.Store.Latest(ctx, device)
}

func (c *countingStore) LatestBefore(ctx context.Context, device string, ts float64) (model.LocationRecord, error) {
	c.reads.Add(1)
	return c.Store.LatestBefore(ctx, device, ts)
}

func (c *countingStore) QueryAlerts(ctx context.Context, device string, start, end float64) ([]model.TransitionAlert, error) {
	c.reads.Add(1)
	return c.Store.QueryAlerts(ctx, device, start, end)
}

func (c *countingStore) Recent(ctx context.Context, limit int) ([]model.LocationRecord, error) {
	c.reads.Add(1)
	return c.Store.Recent(ctx, limit)
}

var (
	inHome   = [2]float64{-23.5635, -46.6575}
	inOffice = [2]float64{-23.5575, -46.6515}
	outside  = [2]float64{-23.5500, -46.6400}
)

func holder(t *testing.T) *geofence.Holder {
	t.Helper()
	set, err := geofence.NewSet([]geofence.Definition{
		{Name: "home", Polygon: [][]float64{
			{-46.6580, -23.5640}, {-46.6570, -23.5640},
			{-46.6570, -23.5630}, {-46.6580, -23.5630},
		}},
		{Name: "office", Polygon: [][]float64{
			{-46.6520, -23.5580}, {-46.6510, -23.5580},
			{-46.6510, -23.5570}, {-46.6520, -23.5570},
		}},
	})
	if err != nil {
		t.Fatalf("geofences: %v", err)
	}
	return geofence.NewHolder(set)
}

// seed stores the positions at timestamps 0, 10, 20...
func seed(t *testing.T, store storage.Store, device string, positions ...[2]float64) {
	t.Helper()
	for i, p := range positions {
		rec := model.LocationRecord{LocationReport: model.LocationReport{
			DeviceID: device, Latitude: p[0], Longitude: p[1], Timestamp: float64(i * 10),
		}}
		if _, err := store.Append(context.Background(), rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func newService(t *testing.T, cfg config.QueryConfig) (*Service, *countingStore) {
	t.Helper()
	store := &countingStore{Store: storage.NewMemory()}
	seed(t, store.Store, "abc123", outside, inHome, inHome, outside)
	return NewService(store, holder(t), NewKeyAuth(key, ""), cfg), store
}

func TestGeofenceEventsScenario(t *testing.T) {
	svc, _ := newService(t, config.QueryConfig{})
	ctx := context.Background()
	q := EventsQuery{DeviceID: "abc123", Geofence: "home", Start: 0, End: 40}
	got, err := svc.GeofenceEvents(ctx, key, q)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []model.GeofenceEvent{{Timestamp: 10, Entered: true}, {Timestamp: 30, Entered: false}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	again, err := svc.GeofenceEvents(ctx, key, q)
	if err != nil || len(again) != len(got) || again[0] != got[0] || again[1] != got[1] {
		t.Fatalf("replay must be idempotent: %+v vs %+v", again, got)
	}
	office, err := svc.GeofenceEvents(ctx, key, EventsQuery{DeviceID: "abc123", Geofence: "office", Start: 0, End: 40})
	if err != nil || len(office) != 0 {
		t.Fatalf("expected no office events, got %+v err=%v", office, err)
	}
}

func TestGeofenceEventsWindowBoundary(t *testing.T) {
	ctx := context.Background()
	// the crossing into home happens at exactly t=10
	q := EventsQuery{DeviceID: "abc123", Geofence: "home", Start: 10, End: 40}

	stateless, _ := newService(t, config.QueryConfig{})
	got, err := stateless.GeofenceEvents(ctx, key, q)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 30 || got[0].Entered {
		t.Fatalf("row at t0 only seeds the replay, got %+v", got)
	}

	seeded, _ := newService(t, config.QueryConfig{SeedFromPrior: true})
	got, err = seeded.GeofenceEvents(ctx, key, q)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 2 || got[0].Timestamp != 10 || !got[0].Entered {
		t.Fatalf("seeded replay should report the crossing at t0, got %+v", got)
	}

	// nothing before the first row: seeding is a no-op
	got, err = seeded.GeofenceEvents(ctx, key, EventsQuery{DeviceID: "abc123", Geofence: "home", Start: 0, End: 40})
	if err != nil || len(got) != 2 {
		t.Fatalf("got %+v err=%v", got, err)
	}
}

func TestHistory(t *testing.T) {
	svc, _ := newService(t, config.QueryConfig{})
	ctx := context.Background()

	all, err := svc.History(ctx, key, HistoryQuery{DeviceID: "abc123", Start: 0, End: 30})
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 rows inclusive of both ends, got %d err=%v", len(all), err)
	}
	home, err := svc.History(ctx, key, HistoryQuery{DeviceID: "abc123", Start: 0, End: 30, Geofence: "home"})
	if err != nil || len(home) != 2 || home[0].Timestamp != 10 || home[1].Timestamp != 20 {
		t.Fatalf("unexpected home rows: %+v err=%v", home, err)
	}
	if _, err := svc.History(ctx, key, HistoryQuery{DeviceID: "abc123", Start: 0, End: 30, Geofence: "gym"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown geofence, got %v", err)
	}
	if _, err := svc.History(ctx, key, HistoryQuery{DeviceID: "abc123", Start: 30, End: 0}); !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.History(ctx, key, HistoryQuery{Start: 0, End: 30}); !model.IsValidation(err) {
		t.Fatalf("expected validation error for missing device, got %v", err)
	}
}

func TestHistoryFilterUsesSingleGeofenceNotUnionFlag(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	// stored inside the union while sitting in office
	rec := model.LocationRecord{
		LocationReport:    model.LocationReport{DeviceID: "dev", Latitude: inOffice[0], Longitude: inOffice[1], Timestamp: 5},
		InsideAnyGeofence: true,
	}
	if _, err := store.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	svc := NewService(store, holder(t), NewKeyAuth(key, ""), config.QueryConfig{})
	got, err := svc.History(ctx, key, HistoryQuery{DeviceID: "dev", Start: 0, End: 10, Geofence: "home"})
	if err != nil || len(got) != 0 {
		t.Fatalf("office row must not match home filter, got %+v err=%v", got, err)
	}
}

func TestLastLocation(t *testing.T) {
	svc, _ := newService(t, config.QueryConfig{})
	ctx := context.Background()
	rec, err := svc.LastLocation(ctx, key, "abc123")
	if err != nil || rec.Timestamp != 30 {
		t.Fatalf("expected t=30, got %+v err=%v", rec, err)
	}
	if _, err := svc.LastLocation(ctx, key, "nobody"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthFailureTouchesNoStore(t *testing.T) {
	svc, store := newService(t, config.QueryConfig{SeedFromPrior: true})
	ctx := context.Background()
	calls := []func(cred string) error{
		func(c string) error {
			_, err := svc.History(ctx, c, HistoryQuery{DeviceID: "abc123", Start: 0, End: 30})
			return err
		},
		func(c string) error { _, err := svc.LastLocation(ctx, c, "abc123"); return err },
		func(c string) error {
			_, err := svc.GeofenceEvents(ctx, c, EventsQuery{DeviceID: "abc123", Geofence: "home", Start: 0, End: 30})
			return err
		},
		func(c string) error { _, err := svc.Alerts(ctx, c, "abc123", 0, 30); return err },
		func(c string) error { _, err := svc.Recent(ctx, c, 10); return err },
	}
	for i, call := range calls {
		for _, cred := range []string{"", "wrong"} {
			if err := call(cred); !errors.Is(err, model.ErrAuth) {
				t.Fatalf("call %d with %q: expected ErrAuth, got %v", i, cred, err)
			}
		}
	}
	if n := store.reads.Load(); n != 0 {
		t.Fatalf("auth failures reached the store %d times", n)
	}
}

func TestStoreReadFailure(t *testing.T) {
	svc, store := newService(t, config.QueryConfig{})
	store.err = errors.New("connection reset")
	_, err := svc.History(context.Background(), key, HistoryQuery{DeviceID: "abc123", Start: 0, End: 30})
	var se *model.StoreError
	if !errors.As(err, &se) || se.Op != "query_range" {
		t.Fatalf("expected StoreError, got %v", err)
	}
}

func TestRecentClampsLimit(t *testing.T) {
	svc, _ := newService(t, config.QueryConfig{RecentLimit: 2})
	got, err := svc.Recent(context.Background(), key, 50)
	if err != nil || len(got) != 2 || got[0].Timestamp != 30 {
		t.Fatalf("unexpected recent: %+v err=%v", got, err)
	}
}

func TestKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	tests := []struct {
		name string
		auth *KeyAuth
		cred string
		ok   bool
	}{
		{"plain match", NewKeyAuth(key, ""), key, true},
		{"plain mismatch", NewKeyAuth(key, ""), "nope", false},
		{"empty credential", NewKeyAuth(key, ""), "", false},
		{"hash match", NewKeyAuth("", string(hash)), key, true},
		{"hash mismatch", NewKeyAuth("", string(hash)), "nope", false},
		{"hash wins over key", NewKeyAuth("other", string(hash)), "other", false},
		{"nothing configured", NewKeyAuth("", ""), key, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.auth.Authenticate(tc.cred)
			if (err == nil) != tc.ok {
				t.Fatalf("Authenticate(%q) = %v, want ok=%v", tc.cred, err, tc.ok)
			}
		})
	}
}
