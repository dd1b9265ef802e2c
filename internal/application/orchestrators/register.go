package orchestrators

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"safetrail/internal/domain/account"

	"github.com/google/uuid"
)

// AccountStoreForRegister defines the store interface needed by Register.
type AccountStoreForRegister interface {
	GetByEmail(ctx context.Context, email string) (account.Account, error)
	Save(ctx context.Context, a account.Account) error
}

// RegisterInput carries input for the orchestrator.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
	Role     string
}

// RegisterDeps holds dependencies for Register.
type RegisterDeps struct {
	AccountStore AccountStoreForRegister
	Now          func() time.Time
}

var ErrEmailAlreadyExists = errors.New("an account with this email already exists")

// ExecuteRegister coordinates account creation for a ward or guardian.
// PRE: Valid email, password >= 12 chars, role ward or guardian
// POST: Account created with hashed password
// INVARIANT: Email must be unique
func ExecuteRegister(ctx context.Context, input RegisterInput, deps RegisterDeps) (account.Account, error) {
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	acct := account.Account{
		ID:        uuid.New().String(),
		Email:     account.NormalizeEmail(input.Email),
		Name:      input.Name,
		Role:      input.Role,
		CreatedAt: now(),
	}
	if err := acct.Validate(); err != nil {
		return account.Account{}, err
	}

	if _, err := deps.AccountStore.GetByEmail(ctx, acct.Email); err == nil {
		return account.Account{}, ErrEmailAlreadyExists
	}

	// Set password (handles hashing and length validation)
	if err := acct.SetPassword(input.Password); err != nil {
		return account.Account{}, err
	}

	if err := deps.AccountStore.Save(ctx, acct); err != nil {
		return account.Account{}, err
	}

	slog.Info("auth_event", "event", "account_created", "email", acct.Email, "role", acct.Role)
	return acct, nil
}
