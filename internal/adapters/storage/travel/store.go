package travel

import (
	"context"

	domain "safetrail/internal/domain/travel"
)

// Store persists travel sessions and their archived history.
type Store interface {
	// SaveSession upserts the session.
	// PRE: session has been validated
	// POST: at most one active session per ward (enforced by a partial unique index)
	SaveSession(ctx context.Context, s domain.Session) error

	// GetActiveSession returns sql.ErrNoRows when the ward is not travelling.
	GetActiveSession(ctx context.Context, wardID string) (domain.Session, error)

	// ListActiveSessions returns every active session, oldest first.
	ListActiveSessions(ctx context.Context) ([]domain.Session, error)

	// AppendHistory archives a resolved session. Existing records are never changed.
	AppendHistory(ctx context.Context, rec domain.HistoryRecord) error

	// ListHistory returns up to limit records for the ward, most recent first.
	ListHistory(ctx context.Context, wardID string, limit int) ([]domain.HistoryRecord, error)
}
