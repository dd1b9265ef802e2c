package outbox

import (
	"errors"
	"time"
)

// Status constants for outbox entry lifecycle.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// Action types queued for delivery to guardians.
const (
	ActionTypeSOSAlert    = "sos_alert_email"
	ActionTypeSOSResolved = "sos_resolved_email"
)

// DefaultMaxAttempts is applied when an entry is created without a limit.
const DefaultMaxAttempts = 8

// Domain errors.
var (
	ErrEmptyID         = errors.New("id is required")
	ErrEmptyActionType = errors.New("action type is required")
	ErrEmptyPayload    = errors.New("payload is required")
	ErrMissingCreated  = errors.New("created_at must be set")
)

// Entry is a side effect to an external system, persisted before it is
// attempted so that a failed delivery can be retried.
type Entry struct {
	ID              string
	ActionType      string
	Payload         string // JSON, replayed on each attempt
	Status          string
	Attempts        int
	MaxAttempts     int
	LastAttemptedAt time.Time
	CreatedAt       time.Time
	ExternalID      string // provider message ID once delivered
	ErrorMessage    string
}

// NewEntry creates a pending entry.
// PRE: id, actionType and payload are non-empty
// POST: Status = pending, MaxAttempts = DefaultMaxAttempts
func NewEntry(id, actionType, payload string, now time.Time) (Entry, error) {
	e := Entry{
		ID:          id,
		ActionType:  actionType,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Validate checks that the Entry has valid data.
// PRE: Entry struct is populated
// POST: Returns nil if valid, error otherwise; MaxAttempts defaulted when unset
func (e *Entry) Validate() error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if e.ActionType == "" {
		return ErrEmptyActionType
	}
	if e.Payload == "" {
		return ErrEmptyPayload
	}
	if e.CreatedAt.IsZero() {
		return ErrMissingCreated
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (e *Entry) CanRetry() bool {
	return (e.Status == StatusPending || e.Status == StatusRetrying) && e.Attempts < e.MaxAttempts
}

// IsTerminal reports whether the entry will never be attempted again.
func (e *Entry) IsTerminal() bool {
	return e.Status == StatusDone || e.Status == StatusAbandoned || e.Status == StatusFailed
}

// MarkAttempt records an attempt at now.
// POST: Attempts incremented, LastAttemptedAt = now, Status = retrying
func (e *Entry) MarkAttempt(now time.Time) {
	e.Attempts++
	e.LastAttemptedAt = now
	e.Status = StatusRetrying
}

// MarkSuccess marks the entry as delivered.
// POST: Status = done
func (e *Entry) MarkSuccess(externalID string) {
	e.Status = StatusDone
	e.ExternalID = externalID
	e.ErrorMessage = ""
}

// MarkFailed records a failed attempt. The entry fails permanently once
// MaxAttempts is reached, otherwise it stays retrying.
func (e *Entry) MarkFailed(err error) {
	e.ErrorMessage = err.Error()
	if e.Attempts >= e.MaxAttempts {
		e.Status = StatusFailed
	}
}

// MarkAbandoned stops further attempts.
func (e *Entry) MarkAbandoned() {
	e.Status = StatusAbandoned
}

// NextRetryDelay is 2^(attempts-1) * baseDelay, capped at maxDelay.
func (e *Entry) NextRetryDelay(baseDelay, maxDelay time.Duration) time.Duration {
	if e.Attempts <= 0 {
		return 0
	}
	shift := e.Attempts - 1
	if shift > 20 {
		return maxDelay
	}
	delay := baseDelay * time.Duration(1<<shift)
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// DueForRetry reports whether enough time has passed since the last attempt.
func (e *Entry) DueForRetry(now time.Time, baseDelay, maxDelay time.Duration) bool {
	if e.LastAttemptedAt.IsZero() {
		return true
	}
	return now.Sub(e.LastAttemptedAt) >= e.NextRetryDelay(baseDelay, maxDelay)
}
