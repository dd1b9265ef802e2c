package sos

import (
	"context"

	domain "safetrail/internal/domain/sos"
)

// Store persists SOS episodes.
type Store interface {
	// SaveEpisode upserts the episode.
	// PRE: episode has been validated
	// POST: at most one open episode per ward (enforced by a partial unique index)
	SaveEpisode(ctx context.Context, e domain.Episode) error

	// GetEpisode returns sql.ErrNoRows for an unknown ID.
	GetEpisode(ctx context.Context, id string) (domain.Episode, error)

	// GetOpenEpisode returns sql.ErrNoRows when the ward has no open episode.
	GetOpenEpisode(ctx context.Context, wardID string) (domain.Episode, error)

	// ListOpenEpisodes returns every open episode, oldest first.
	ListOpenEpisodes(ctx context.Context) ([]domain.Episode, error)

	// ListByWard returns up to limit episodes for the ward, most recent first.
	ListByWard(ctx context.Context, wardID string, limit int) ([]domain.Episode, error)
}
