package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"geotrack/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:location_tracker.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			timestamp REAL NOT NULL,
			accuracy REAL,
			altitude REAL,
			speed REAL,
			battery_level REAL,
			inside_any_geofence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_device_ts ON locations(device_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_ts ON locations(timestamp)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			ts REAL NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			geofences_json TEXT NOT NULL,
			record_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_ts ON alerts(device_id, ts)`,
	})
}

func (s *sqliteStore) Append(ctx context.Context, rec model.LocationRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, insertLocation, locationArgs(rec)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
