package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"safetrail/internal/domain/account"
	"safetrail/internal/domain/guardian"

	"github.com/google/uuid"
)

// AccountLookup resolves accounts by ID or email.
type AccountLookup interface {
	GetByID(ctx context.Context, id string) (account.Account, error)
	GetByEmail(ctx context.Context, email string) (account.Account, error)
}

// LinkStore persists guardian links.
type LinkStore interface {
	Save(ctx context.Context, l guardian.Link) error
	ListByWard(ctx context.Context, wardID string) ([]guardian.Link, error)
	IsLinked(ctx context.Context, guardianID, wardID string) (bool, error)
}

// LinkGuardianInput carries input for the orchestrator.
type LinkGuardianInput struct {
	WardID        string
	GuardianEmail string
}

// LinkGuardianDeps holds dependencies for LinkGuardian.
type LinkGuardianDeps struct {
	Accounts AccountLookup
	Links    LinkStore
	Now      func() time.Time
}

var (
	ErrNotAWard         = errors.New("only ward accounts can add guardians")
	ErrGuardianNotFound = errors.New("no guardian account with this email")
	ErrAlreadyLinked    = errors.New("guardian is already linked")
)

// ExecuteLinkGuardian lets a ward add a guardian by email.
// PRE: WardID is a ward account; GuardianEmail belongs to a guardian account
// POST: Link persisted
// INVARIANT: At most one link per (guardian, ward) pair
func ExecuteLinkGuardian(ctx context.Context, input LinkGuardianInput, deps LinkGuardianDeps) (guardian.Link, error) {
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	ward, err := deps.Accounts.GetByID(ctx, input.WardID)
	if err != nil {
		return guardian.Link{}, fmt.Errorf("load ward: %w", err)
	}
	if !ward.IsWard() {
		return guardian.Link{}, ErrNotAWard
	}

	g, err := deps.Accounts.GetByEmail(ctx, account.NormalizeEmail(input.GuardianEmail))
	if err != nil || !g.IsGuardian() {
		return guardian.Link{}, ErrGuardianNotFound
	}

	link := guardian.Link{
		ID:         uuid.New().String(),
		GuardianID: g.ID,
		WardID:     ward.ID,
		CreatedAt:  now(),
	}
	if err := link.Validate(); err != nil {
		return guardian.Link{}, err
	}

	linked, err := deps.Links.IsLinked(ctx, g.ID, ward.ID)
	if err != nil {
		return guardian.Link{}, fmt.Errorf("check link: %w", err)
	}
	if linked {
		return guardian.Link{}, ErrAlreadyLinked
	}

	if err := deps.Links.Save(ctx, link); err != nil {
		return guardian.Link{}, fmt.Errorf("save link: %w", err)
	}

	slog.Info("guardian_event", "event", "linked", "ward_id", ward.ID, "guardian_id", g.ID)
	return link, nil
}

// LinkedGuardian is a guardian as shown to the ward.
type LinkedGuardian struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Name     string    `json:"name,omitempty"`
	LinkedAt time.Time `json:"linked_at"`
}

// ExecuteListGuardians returns the guardians linked to a ward.
// Links to accounts that no longer resolve are skipped.
func ExecuteListGuardians(ctx context.Context, wardID string, deps LinkGuardianDeps) ([]LinkedGuardian, error) {
	links, err := deps.Links.ListByWard(ctx, wardID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]LinkedGuardian, 0, len(links))
	for _, l := range links {
		g, err := deps.Accounts.GetByID(ctx, l.GuardianID)
		if err != nil {
			slog.Warn("guardian_lookup_failed", "guardian_id", l.GuardianID, "error", err.Error())
			continue
		}
		out = append(out, LinkedGuardian{ID: g.ID, Email: g.Email, Name: g.Name, LinkedAt: l.CreatedAt})
	}
	return out, nil
}
