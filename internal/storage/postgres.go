package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"geotrack/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/geotrack?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.init(ctx, []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			timestamp DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			battery_level DOUBLE PRECISION,
			inside_any_geofence BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_device_ts ON locations(device_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_ts ON locations(timestamp)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			alert_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			geofences_json JSONB NOT NULL,
			record_id BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_ts ON alerts(device_id, ts)`,
	})
}

func (s *postgresStore) Append(ctx context.Context, rec model.LocationRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(insertLocation+` RETURNING id`), locationArgs(rec)...).Scan(&id)
	return id, err
}
