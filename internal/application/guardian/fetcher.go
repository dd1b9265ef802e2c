package guardian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"safetrail/internal/domain/account"
	domain "safetrail/internal/domain/guardian"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/telemetry"
	"safetrail/internal/domain/travel"
)

// LinkReader lists a guardian's wards.
type LinkReader interface {
	ListByGuardian(ctx context.Context, guardianID string) ([]domain.Link, error)
}

// AccountReader resolves ward identities.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (account.Account, error)
}

// SessionReader returns sql.ErrNoRows when the ward is not travelling.
type SessionReader interface {
	GetActiveSession(ctx context.Context, wardID string) (travel.Session, error)
}

// EpisodeReader returns sql.ErrNoRows when no episode is open.
type EpisodeReader interface {
	GetOpenEpisode(ctx context.Context, wardID string) (sos.Episode, error)
}

// ReadingReader returns sql.ErrNoRows when the ward never reported.
type ReadingReader interface {
	GetLatest(ctx context.Context, wardID string) (telemetry.Reading, error)
}

// StoreFetcher assembles ward snapshots from the stores.
type StoreFetcher struct {
	Links    LinkReader
	Accounts AccountReader
	Sessions SessionReader
	Episodes EpisodeReader
	Readings ReadingReader
}

// FetchWards implements Fetcher.
func (f StoreFetcher) FetchWards(ctx context.Context, guardianID string) ([]domain.WardSnapshot, error) {
	links, err := f.Links.ListByGuardian(ctx, guardianID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	snaps := make([]domain.WardSnapshot, 0, len(links))
	for _, l := range links {
		snap, err := f.fetchWard(ctx, l.WardID)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// fetchWard assembles one ward's snapshot.
func (f StoreFetcher) fetchWard(ctx context.Context, wardID string) (domain.WardSnapshot, error) {
	snap := domain.WardSnapshot{WardID: wardID}

	acct, err := f.Accounts.GetByID(ctx, wardID)
	if err != nil {
		return snap, fmt.Errorf("get ward account %s: %w", wardID, err)
	}
	snap.WardEmail = acct.Email

	sess, err := f.Sessions.GetActiveSession(ctx, wardID)
	switch {
	case err == nil:
		snap.Session = &sess
	case !errors.Is(err, sql.ErrNoRows):
		return snap, fmt.Errorf("get active session: %w", err)
	}

	ep, err := f.Episodes.GetOpenEpisode(ctx, wardID)
	switch {
	case err == nil:
		snap.Episode = &ep
	case !errors.Is(err, sql.ErrNoRows):
		return snap, fmt.Errorf("get open episode: %w", err)
	}

	r, err := f.Readings.GetLatest(ctx, wardID)
	switch {
	case err == nil:
		snap.Reading = &r
	case !errors.Is(err, sql.ErrNoRows):
		return snap, fmt.Errorf("get latest reading: %w", err)
	}

	return snap, nil
}
