package sos

import (
	"context"
	"database/sql"
	"time"

	"safetrail/internal/adapters/storage"
	"safetrail/internal/domain/geo"
	domain "safetrail/internal/domain/sos"
)

const dateLayout = "2006-01-02T15:04:05.999999999Z07:00"

const selectColumns = `SELECT id, ward_id, session_id, reason, started_at, lat, lng, audio_ref, dispatched_at, resolved_at, resolved_by FROM sos_episode`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new episode store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveEpisode persists an episode (insert or update).
// PRE: episode has been validated
// POST: Episode is persisted
func (s *SQLiteStore) SaveEpisode(ctx context.Context, e domain.Episode) error {
	if err := e.Validate(); err != nil {
		return err
	}
	var lat, lng any
	if e.Location != nil {
		lat, lng = e.Location.Lat, e.Location.Lng
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sos_episode (id, ward_id, session_id, reason, started_at, lat, lng, audio_ref, dispatched_at, resolved_at, resolved_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   lat=COALESCE(excluded.lat, sos_episode.lat), lng=COALESCE(excluded.lng, sos_episode.lng),
		   audio_ref=CASE WHEN excluded.audio_ref != '' THEN excluded.audio_ref ELSE sos_episode.audio_ref END,
		   dispatched_at=COALESCE(sos_episode.dispatched_at, excluded.dispatched_at),
		   resolved_at=COALESCE(sos_episode.resolved_at, excluded.resolved_at),
		   resolved_by=CASE WHEN sos_episode.resolved_by != '' THEN sos_episode.resolved_by ELSE excluded.resolved_by END`,
		e.ID, e.WardID, e.SessionID, e.Reason, formatTime(e.StartedAt), lat, lng, e.AudioRef,
		nullTime(e.DispatchedAt), nullTime(e.ResolvedAt), e.ResolvedBy)
	return err
}

// GetEpisode retrieves an episode by ID.
// PRE: id is non-empty
// POST: Returns sql.ErrNoRows if not found
func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanEpisode(row.Scan)
}

// GetOpenEpisode returns the ward's unresolved episode.
// PRE: wardID is non-empty
// POST: Returns sql.ErrNoRows if the ward has none
func (s *SQLiteStore) GetOpenEpisode(ctx context.Context, wardID string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE ward_id = ? AND resolved_at IS NULL`, wardID)
	return scanEpisode(row.Scan)
}

// ListOpenEpisodes returns all unresolved episodes.
func (s *SQLiteStore) ListOpenEpisodes(ctx context.Context) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE resolved_at IS NULL ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ListByWard returns the ward's episodes, most recent first.
// PRE: limit > 0
func (s *SQLiteStore) ListByWard(ctx context.Context, wardID string, limit int) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE ward_id = ? ORDER BY started_at DESC LIMIT ?`, wardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func scanEpisodes(rows *sql.Rows) ([]domain.Episode, error) {
	var results []domain.Episode
	for rows.Next() {
		e, err := scanEpisode(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func scanEpisode(scan func(dest ...any) error) (domain.Episode, error) {
	var e domain.Episode
	var startedAt string
	var lat, lng sql.NullFloat64
	var dispatchedAt, resolvedAt sql.NullString
	err := scan(&e.ID, &e.WardID, &e.SessionID, &e.Reason, &startedAt, &lat, &lng, &e.AudioRef,
		&dispatchedAt, &resolvedAt, &e.ResolvedBy)
	if err != nil {
		return domain.Episode{}, err
	}
	e.StartedAt, _ = time.Parse(dateLayout, startedAt)
	if lat.Valid && lng.Valid {
		e.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if dispatchedAt.Valid {
		e.DispatchedAt, _ = time.Parse(dateLayout, dispatchedAt.String)
	}
	if resolvedAt.Valid {
		e.ResolvedAt, _ = time.Parse(dateLayout, resolvedAt.String)
	}
	return e, nil
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
