package travel

import (
	"context"
	"database/sql"
	"time"

	"safetrail/internal/adapters/storage"
	"safetrail/internal/domain/geo"
	domain "safetrail/internal/domain/travel"
)

const dateLayout = "2006-01-02T15:04:05.999999999Z07:00"

const sessionColumns = `SELECT id, ward_id, destination, dest_lat, dest_lng, started_at, expected_arrival, status,
	delay_acknowledged, night_mode, late_prompt_shown, mid_journey_shown, ended_at, arrived_safely FROM travel_session`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new travel store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveSession persists a session (insert or update).
// PRE: session has been validated
// POST: Session is persisted
func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session) error {
	var lat, lng any
	if sess.Coordinates != nil {
		lat, lng = sess.Coordinates.Lat, sess.Coordinates.Lng
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO travel_session (id, ward_id, destination, dest_lat, dest_lng, started_at, expected_arrival, status,
			delay_acknowledged, night_mode, late_prompt_shown, mid_journey_shown, ended_at, arrived_safely)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   expected_arrival=excluded.expected_arrival, status=excluded.status,
		   delay_acknowledged=excluded.delay_acknowledged, late_prompt_shown=excluded.late_prompt_shown,
		   mid_journey_shown=excluded.mid_journey_shown, ended_at=excluded.ended_at,
		   arrived_safely=excluded.arrived_safely`,
		sess.ID, sess.WardID, sess.Destination, lat, lng,
		formatTime(sess.StartedAt), formatTime(sess.ExpectedArrival), sess.Status,
		sess.DelayAcknowledged, sess.NightMode, sess.LatePromptShown, sess.MidJourneyShown,
		nullTime(sess.EndedAt), sess.ArrivedSafely)
	return err
}

// GetActiveSession returns the ward's active session.
// PRE: wardID is non-empty
// POST: Returns sql.ErrNoRows if the ward has none
func (s *SQLiteStore) GetActiveSession(ctx context.Context, wardID string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+` WHERE ward_id = ? AND status = ?`, wardID, domain.StatusActive)
	return scanSession(row.Scan)
}

// ListActiveSessions returns all active sessions.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionColumns+` WHERE status = ? ORDER BY started_at ASC`, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// AppendHistory inserts a history record. A record for the same session is
// kept as first written.
// PRE: rec.SessionID is non-empty
// POST: Record exists
func (s *SQLiteStore) AppendHistory(ctx context.Context, rec domain.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO travel_history (session_id, ward_id, destination, status, started_at, expected_arrival, ended_at,
			delayed, arrived_safely, night_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		rec.SessionID, rec.WardID, rec.Destination, rec.Status,
		formatTime(rec.StartedAt), formatTime(rec.ExpectedArrival), formatTime(rec.EndedAt),
		rec.Delayed, rec.ArrivedSafely, rec.NightMode)
	return err
}

// ListHistory returns the ward's records, most recent first.
// PRE: limit > 0
// POST: Returns up to limit records
func (s *SQLiteStore) ListHistory(ctx context.Context, wardID string, limit int) ([]domain.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, ward_id, destination, status, started_at, expected_arrival, ended_at, delayed, arrived_safely, night_mode
		 FROM travel_history WHERE ward_id = ? ORDER BY ended_at DESC LIMIT ?`, wardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var startedAt, eta, endedAt string
		if err := rows.Scan(&rec.SessionID, &rec.WardID, &rec.Destination, &rec.Status,
			&startedAt, &eta, &endedAt, &rec.Delayed, &rec.ArrivedSafely, &rec.NightMode); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(dateLayout, startedAt)
		rec.ExpectedArrival, _ = time.Parse(dateLayout, eta)
		rec.EndedAt, _ = time.Parse(dateLayout, endedAt)
		results = append(results, rec)
	}
	return results, rows.Err()
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var sess domain.Session
	var lat, lng sql.NullFloat64
	var startedAt, eta string
	var endedAt sql.NullString
	err := scan(&sess.ID, &sess.WardID, &sess.Destination, &lat, &lng, &startedAt, &eta, &sess.Status,
		&sess.DelayAcknowledged, &sess.NightMode, &sess.LatePromptShown, &sess.MidJourneyShown,
		&endedAt, &sess.ArrivedSafely)
	if err != nil {
		return domain.Session{}, err
	}
	if lat.Valid && lng.Valid {
		sess.Coordinates = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	sess.StartedAt, _ = time.Parse(dateLayout, startedAt)
	sess.ExpectedArrival, _ = time.Parse(dateLayout, eta)
	if endedAt.Valid {
		sess.EndedAt, _ = time.Parse(dateLayout, endedAt.String)
	}
	return sess, nil
}

// formatTime stores UTC so that text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
