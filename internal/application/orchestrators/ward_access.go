package orchestrators

import (
	"context"
	"errors"
	"fmt"

	"safetrail/internal/domain/account"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// DefaultHistoryLimit caps history listings when no limit is given.
const DefaultHistoryLimit = 50

var (
	ErrNotLinked  = errors.New("guardian is not linked to this ward")
	ErrNoEvidence = errors.New("no audio evidence for this episode")
)

// LinkChecker answers whether a guardian watches a ward.
type LinkChecker interface {
	IsLinked(ctx context.Context, guardianID, wardID string) (bool, error)
}

// HistoryLister lists finished journeys.
type HistoryLister interface {
	ListHistory(ctx context.Context, wardID string, limit int) ([]travel.HistoryRecord, error)
}

// EpisodeReader loads SOS episodes.
type EpisodeReader interface {
	GetEpisode(ctx context.Context, id string) (sos.Episode, error)
	ListByWard(ctx context.Context, wardID string, limit int) ([]sos.Episode, error)
}

// Viewer is the authenticated account asking for ward data.
type Viewer struct {
	ID   string
	Role string
}

// WardAccessDeps holds dependencies for ward data reads.
type WardAccessDeps struct {
	Links    LinkChecker
	History  HistoryLister
	Episodes EpisodeReader
}

// AuthorizeWard allows a ward to act on its own data and a guardian on a linked ward's.
func AuthorizeWard(ctx context.Context, v Viewer, wardID string, links LinkChecker) error {
	switch v.Role {
	case account.RoleWard:
		if v.ID == wardID {
			return nil
		}
	case account.RoleGuardian:
		linked, err := links.IsLinked(ctx, v.ID, wardID)
		if err != nil {
			return fmt.Errorf("check link: %w", err)
		}
		if linked {
			return nil
		}
	}
	return ErrNotLinked
}

// ExecuteWardHistory lists a ward's finished journeys, most recent first.
// PRE: viewer is the ward or a linked guardian
// POST: At most limit records (DefaultHistoryLimit when limit <= 0)
func ExecuteWardHistory(ctx context.Context, v Viewer, wardID string, limit int, deps WardAccessDeps) ([]travel.HistoryRecord, error) {
	if err := AuthorizeWard(ctx, v, wardID, deps.Links); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	records, err := deps.History.ListHistory(ctx, wardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return records, nil
}

// ExecuteWardEpisodes lists a ward's SOS episodes, most recent first.
// PRE: viewer is the ward or a linked guardian
func ExecuteWardEpisodes(ctx context.Context, v Viewer, wardID string, limit int, deps WardAccessDeps) ([]sos.Episode, error) {
	if err := AuthorizeWard(ctx, v, wardID, deps.Links); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	episodes, err := deps.Episodes.ListByWard(ctx, wardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return episodes, nil
}

// ExecuteEvidenceAccess returns the episode whose audio the viewer may download.
// PRE: viewer is the episode's ward or a guardian linked to it
// POST: returned episode has a non-empty AudioRef
func ExecuteEvidenceAccess(ctx context.Context, v Viewer, episodeID string, deps WardAccessDeps) (sos.Episode, error) {
	ep, err := deps.Episodes.GetEpisode(ctx, episodeID)
	if err != nil {
		return sos.Episode{}, fmt.Errorf("load episode: %w", err)
	}
	if err := AuthorizeWard(ctx, v, ep.WardID, deps.Links); err != nil {
		return sos.Episode{}, err
	}
	if ep.AudioRef == "" {
		return sos.Episode{}, ErrNoEvidence
	}
	return ep, nil
}
