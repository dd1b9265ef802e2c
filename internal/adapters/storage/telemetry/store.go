package telemetry

import (
	"context"

	domain "safetrail/internal/domain/telemetry"
)

// Store keeps the latest reading per ward.
type Store interface {
	// Save replaces the ward's reading unless the stored one is newer.
	Save(ctx context.Context, r domain.Reading) error
	// GetLatest returns sql.ErrNoRows when the ward never reported.
	GetLatest(ctx context.Context, wardID string) (domain.Reading, error)
}
