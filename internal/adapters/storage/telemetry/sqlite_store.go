package telemetry

import (
	"context"
	"database/sql"
	"time"

	"safetrail/internal/adapters/storage"
	"safetrail/internal/domain/geo"
	domain "safetrail/internal/domain/telemetry"
)

const dateLayout = "2006-01-02T15:04:05.999999999Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new telemetry store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save upserts the reading.
// PRE: reading has been validated
// POST: Stored reading is the most recent one reported
func (s *SQLiteStore) Save(ctx context.Context, r domain.Reading) error {
	var lat, lng any
	if r.Location != nil {
		lat, lng = r.Location.Lat, r.Location.Lng
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (ward_id, battery, area_risk, lat, lng, reported_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ward_id) DO UPDATE SET
		   battery=excluded.battery, area_risk=excluded.area_risk,
		   lat=COALESCE(excluded.lat, telemetry.lat), lng=COALESCE(excluded.lng, telemetry.lng),
		   reported_at=excluded.reported_at
		 WHERE excluded.reported_at >= telemetry.reported_at`,
		r.WardID, r.Battery, r.AreaRisk, lat, lng, r.ReportedAt.UTC().Format(dateLayout))
	return err
}

// GetLatest returns the ward's reading.
// PRE: wardID is non-empty
// POST: Returns sql.ErrNoRows if none
func (s *SQLiteStore) GetLatest(ctx context.Context, wardID string) (domain.Reading, error) {
	var r domain.Reading
	var lat, lng sql.NullFloat64
	var reportedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT ward_id, battery, area_risk, lat, lng, reported_at FROM telemetry WHERE ward_id = ?`, wardID).
		Scan(&r.WardID, &r.Battery, &r.AreaRisk, &lat, &lng, &reportedAt)
	if err != nil {
		return domain.Reading{}, err
	}
	if lat.Valid && lng.Valid {
		r.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	r.ReportedAt, _ = time.Parse(dateLayout, reportedAt)
	return r, nil
}
