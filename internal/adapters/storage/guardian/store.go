package guardian

import (
	"context"

	domain "safetrail/internal/domain/guardian"
)

// Store persists guardian links.
type Store interface {
	// Save inserts the link. Linking the same pair twice is a no-op.
	Save(ctx context.Context, l domain.Link) error
	ListByGuardian(ctx context.Context, guardianID string) ([]domain.Link, error)
	ListByWard(ctx context.Context, wardID string) ([]domain.Link, error)
	// IsLinked reports whether guardianID watches wardID.
	IsLinked(ctx context.Context, guardianID, wardID string) (bool, error)
}
