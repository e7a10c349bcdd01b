package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"geotrack/internal/config"
	"geotrack/internal/model"
)

// Store is the append-only location table plus the alert history.
// Time bounds are seconds since epoch and inclusive on both ends.
type Store interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Append(ctx context.Context, rec model.LocationRecord) (int64, error)
	QueryRange(ctx context.Context, deviceID string, start, end float64) ([]model.LocationRecord, error)
	Latest(ctx context.Context, deviceID string) (model.LocationRecord, error)
	LatestBefore(ctx context.Context, deviceID string, ts float64) (model.LocationRecord, error)
	Recent(ctx context.Context, limit int) ([]model.LocationRecord, error)
	SaveAlert(ctx context.Context, alert model.TransitionAlert) error
	QueryAlerts(ctx context.Context, deviceID string, start, end float64) ([]model.TransitionAlert, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) init(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

const insertLocation = `INSERT INTO locations
	(device_id, latitude, longitude, timestamp, accuracy, altitude, speed, battery_level, inside_any_geofence)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectLocation = `SELECT id, device_id, latitude, longitude, timestamp, accuracy, altitude, speed, battery_level, inside_any_geofence
	FROM locations`

func locationArgs(rec model.LocationRecord) []any {
	return []any{
		rec.DeviceID,
		rec.Latitude,
		rec.Longitude,
		rec.Timestamp,
		nullFloat(rec.Accuracy),
		nullFloat(rec.Altitude),
		nullFloat(rec.Speed),
		nullFloat(rec.BatteryLevel),
		rec.InsideAnyGeofence,
	}
}

func (b *baseStore) QueryRange(ctx context.Context, deviceID string, start, end float64) ([]model.LocationRecord, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(selectLocation+`
		WHERE device_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC`), deviceID, start, end)
	if err != nil {
		return nil, err
	}
	return scanLocations(rows)
}

func (b *baseStore) Latest(ctx context.Context, deviceID string) (model.LocationRecord, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(selectLocation+`
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`), deviceID)
	return scanOne(row)
}

func (b *baseStore) LatestBefore(ctx context.Context, deviceID string, ts float64) (model.LocationRecord, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(selectLocation+`
		WHERE device_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`), deviceID, ts)
	return scanOne(row)
}

func (b *baseStore) Recent(ctx context.Context, limit int) ([]model.LocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(selectLocation+`
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return scanLocations(rows)
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.TransitionAlert) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO alerts
		(alert_id, device_id, type, ts, latitude, longitude, geofences_json, record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		alert.DeviceID,
		string(alert.Type),
		alert.Timestamp,
		alert.Latitude,
		alert.Longitude,
		encodeJSON(alert.Geofences),
		alert.RecordID,
	)
	return err
}

func (b *baseStore) QueryAlerts(ctx context.Context, deviceID string, start, end float64) ([]model.TransitionAlert, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT alert_id, device_id, type, ts, latitude, longitude, geofences_json, record_id
		FROM alerts
		WHERE device_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, id ASC`), deviceID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.TransitionAlert, 0)
	for rows.Next() {
		var a model.TransitionAlert
		var typ, fences string
		if err := rows.Scan(&a.ID, &a.DeviceID, &typ, &a.Timestamp, &a.Latitude, &a.Longitude, &fences, &a.RecordID); err != nil {
			return nil, err
		}
		a.Type = model.TransitionType(typ)
		if err := json.Unmarshal([]byte(fences), &a.Geofences); err != nil {
			return nil, fmt.Errorf("decode alert geofences: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(s scanner) (model.LocationRecord, error) {
	var rec model.LocationRecord
	var accuracy, altitude, speed, battery sql.NullFloat64
	err := s.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.Latitude,
		&rec.Longitude,
		&rec.Timestamp,
		&accuracy,
		&altitude,
		&speed,
		&battery,
		&rec.InsideAnyGeofence,
	)
	if err != nil {
		return model.LocationRecord{}, err
	}
	rec.Accuracy = floatPtr(accuracy)
	rec.Altitude = floatPtr(altitude)
	rec.Speed = floatPtr(speed)
	rec.BatteryLevel = floatPtr(battery)
	return rec, nil
}

func scanOne(row *sql.Row) (model.LocationRecord, error) {
	rec, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LocationRecord{}, model.ErrNotFound
	}
	return rec, err
}

func scanLocations(rows *sql.Rows) ([]model.LocationRecord, error) {
	defer rows.Close()
	out := make([]model.LocationRecord, 0)
	for rows.Next() {
		rec, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
