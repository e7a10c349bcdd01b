package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"geotrack/internal/alerts"
	"geotrack/internal/config"
	"geotrack/internal/engine"
	"geotrack/internal/geofence"
	"geotrack/internal/ingest"
	"geotrack/internal/model"
	"geotrack/internal/query"
	"geotrack/internal/storage"
)

const testKey = "minha-chave-secreta"

type fixture struct {
	server *httptest.Server
	engine *engine.Engine
	store  storage.Store
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.APIKey = testKey
	cfg.API.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
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
	holder := geofence.NewHolder(set)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := storage.NewMemory()
	eng := engine.NewEngine(cfg, logger, holder, store,
		engine.WithAlerts(alerts.NewDispatcher(logger, alerts.NewStore(100), store)))
	auth := query.NewKeyAuth(cfg.API.APIKey, cfg.API.APIKeyHash)
	svc := query.NewService(store, holder, auth, cfg.Query)
	srv := NewServer(config.NewStaticManager(cfg), svc, auth, eng, store, logger, "test")
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, engine: eng, store: store}
}

func (f *fixture) ingest(t *testing.T, payload string) {
	t.Helper()
	report, err := ingest.DecodeReport([]byte(payload))
	if err != nil {
		f.engine.Rejected("test", err)
		return
	}
	_ = f.engine.Handle(context.Background(), report)
}

func (f *fixture) get(t *testing.T, path, key string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func scenario(t *testing.T, f *fixture) {
	t.Helper()
	for _, p := range []string{
		`{"device_id":"abc123","latitude":-23.5500,"longitude":-46.6400,"timestamp":0}`,
		`{"device_id":"abc123","latitude":-23.5635,"longitude":-46.6575,"timestamp":10}`,
		`{"device_id":"abc123","latitude":-23.5636,"longitude":-46.6576,"timestamp":20}`,
		`{"device_id":"abc123","latitude":-23.5500,"longitude":-46.6400,"timestamp":30}`,
	} {
		f.ingest(t, p)
	}
}

func TestEndToEndGeofenceEvents(t *testing.T) {
	f := newFixture(t, nil)
	scenario(t, f)

	resp, body := f.get(t, "/geofence_events?device_id=abc123&geofence=home&start_time=0&end_time=40", testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var events []model.GeofenceEvent
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []model.GeofenceEvent{{Timestamp: 10, Entered: true}, {Timestamp: 30, Entered: false}}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("got %+v, want %+v", events, want)
	}

	resp, body = f.get(t, "/last_location?device_id=abc123", testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var last model.Position
	if err := json.Unmarshal(body, &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Timestamp != 30 || last.Latitude != -23.55 || last.Longitude != -46.64 {
		t.Fatalf("unexpected last location: %+v", last)
	}
}

func TestMalformedReportInvisible(t *testing.T) {
	f := newFixture(t, nil)
	scenario(t, f)
	// missing latitude, would have been an exit if accepted
	f.ingest(t, `{"device_id":"abc123","longitude":-46.6575,"timestamp":35}`)
	f.ingest(t, `{"device_id":"abc123","latitude":-23.5635,"longitude":-46.6575,"timestamp":40}`)

	_, body := f.get(t, "/history?device_id=abc123&start_time=0&end_time=50", testKey)
	var history []model.Position
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 rows, got %d: %s", len(history), body)
	}
	for _, p := range history {
		if p.Timestamp == 35 {
			t.Fatalf("malformed report leaked into history")
		}
	}
	// state was outside at 30, so 40 is a genuine entry
	_, body = f.get(t, "/alerts?device_id=abc123&start_time=0&end_time=50", testKey)
	var alerts []alertResponse
	if err := json.Unmarshal(body, &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 3 || alerts[2].Event != "entered" || alerts[2].Timestamp != 40 || alerts[2].Geofence != "home" {
		t.Fatalf("unexpected alerts: %s", body)
	}
}

func TestHistoryGeofenceFilter(t *testing.T) {
	f := newFixture(t, nil)
	scenario(t, f)
	_, body := f.get(t, "/history?device_id=abc123&start_time=0&end_time=40&geofence=home", testKey)
	var history []model.Position
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history) != 2 || history[0].Timestamp != 10 || history[1].Timestamp != 20 {
		t.Fatalf("unexpected history: %s", body)
	}
}

func TestStatusCodes(t *testing.T) {
	f := newFixture(t, nil)
	scenario(t, f)
	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"missing key", "/last_location?device_id=abc123", "", http.StatusForbidden},
		{"wrong key", "/history?device_id=abc123&start_time=0&end_time=1", "nope", http.StatusForbidden},
		{"wrong key beats bad params", "/history?device_id=abc123", "nope", http.StatusForbidden},
		{"unknown device", "/last_location?device_id=ghost", testKey, http.StatusNotFound},
		{"unknown geofence", "/geofence_events?device_id=abc123&geofence=gym&start_time=0&end_time=40", testKey, http.StatusNotFound},
		{"missing start", "/history?device_id=abc123&end_time=40", testKey, http.StatusBadRequest},
		{"non-numeric end", "/history?device_id=abc123&start_time=0&end_time=later", testKey, http.StatusBadRequest},
		{"reversed window", "/history?device_id=abc123&start_time=40&end_time=0", testKey, http.StatusBadRequest},
		{"missing geofence", "/geofence_events?device_id=abc123&start_time=0&end_time=40", testKey, http.StatusBadRequest},
		{"bad limit", "/locations/recent?limit=-1", testKey, http.StatusBadRequest},
		{"recent", "/locations/recent?limit=2", testKey, http.StatusOK},
		{"status", "/status", testKey, http.StatusOK},
		{"status needs key", "/status", "", http.StatusForbidden},
		{"health is open", "/health", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.get(t, tc.path, tc.key)
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d: %s", resp.StatusCode, tc.want, body)
			}
		})
	}
}

type brokenStore struct {
	storage.Store
}

func (brokenStore) QueryRange(context.Context, string, float64, float64) ([]model.LocationRecord, error) {
	return nil, errors.New("disk I/O error")
}

func (brokenStore) Ping(context.Context) error {
	return errors.New("disk I/O error")
}

func TestStoreFailureIs500(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.APIKey = testKey
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := brokenStore{Store: storage.NewMemory()}
	auth := query.NewKeyAuth(testKey, "")
	svc := query.NewService(store, nil, auth, cfg.Query)
	srv := NewServer(config.NewStaticManager(cfg), svc, auth, nil, store, logger, "test")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()
	f := &fixture{server: ts}

	resp, _ := f.get(t, "/history?device_id=abc123&start_time=0&end_time=40", testKey)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	resp, _ = f.get(t, "/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestStatusAndReset(t *testing.T) {
	f := newFixture(t, nil)
	scenario(t, f)
	_, body := f.get(t, "/status", testKey)
	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Pipeline.Counters["reports_accepted"] != 4 || st.Pipeline.TrackedDevices != 1 ||
		st.Pipeline.BufferedAlerts != 2 || len(st.Pipeline.RecentAlerts) != 2 {
		t.Fatalf("unexpected status: %s", body)
	}

	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/admin/reset", strings.NewReader(""))
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status %d", resp.StatusCode)
	}
	if f.engine.Status(0).TrackedDevices != 0 {
		t.Fatalf("reset should clear tracked devices")
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.API.RateLimit = 0.001
		cfg.API.RateBurst = 1
	})
	resp, _ := f.get(t, "/locations/recent", testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", resp.StatusCode)
	}
	resp, _ = f.get(t, "/locations/recent", testKey)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	resp, _ = f.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must not be rate limited, got %d", resp.StatusCode)
	}
}
