package guardian

import (
	"context"
	"database/sql"
	"time"

	"safetrail/internal/adapters/storage"
	domain "safetrail/internal/domain/guardian"
)

const dateLayout = "2006-01-02T15:04:05.999999999Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new link store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save persists a link.
// PRE: link has been validated
// POST: Exactly one link exists for the pair
func (s *SQLiteStore) Save(ctx context.Context, l domain.Link) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardian_link (id, guardian_id, ward_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(guardian_id, ward_id) DO NOTHING`,
		l.ID, l.GuardianID, l.WardID, l.CreatedAt.UTC().Format(dateLayout))
	return err
}

// ListByGuardian returns the guardian's links, oldest first.
func (s *SQLiteStore) ListByGuardian(ctx context.Context, guardianID string) ([]domain.Link, error) {
	return s.list(ctx, `WHERE guardian_id = ?`, guardianID)
}

// ListByWard returns the ward's links, oldest first.
func (s *SQLiteStore) ListByWard(ctx context.Context, wardID string) ([]domain.Link, error) {
	return s.list(ctx, `WHERE ward_id = ?`, wardID)
}

// IsLinked reports whether the pair is linked.
func (s *SQLiteStore) IsLinked(ctx context.Context, guardianID, wardID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM guardian_link WHERE guardian_id = ? AND ward_id = ?`, guardianID, wardID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) list(ctx context.Context, where string, arg string) ([]domain.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guardian_id, ward_id, created_at FROM guardian_link `+where+` ORDER BY created_at ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

func scanLink(rows *sql.Rows) (domain.Link, error) {
	var l domain.Link
	var createdAt string
	if err := rows.Scan(&l.ID, &l.GuardianID, &l.WardID, &createdAt); err != nil {
		return domain.Link{}, err
	}
	l.CreatedAt, _ = time.Parse(dateLayout, createdAt)
	return l, nil
}
