package sos

import (
	"errors"
	"time"

	"safetrail/internal/domain/geo"
)

// Reason constants for what opened the episode.
const (
	ReasonManual      = "manual"
	ReasonVoice       = "voice"
	ReasonLateTimeout = "late_timeout"
)

// Domain errors.
var (
	ErrEmptyWardID     = errors.New("ward ID is required")
	ErrInvalidReason   = errors.New("reason must be one of: manual, voice, late_timeout")
	ErrAlreadyResolved = errors.New("episode is already resolved")
	ErrEmptyResolver   = errors.New("resolver is required")
)

// Episode is an emergency raised for a ward. It stays open until someone
// explicitly resolves it.
type Episode struct {
	ID           string
	WardID       string
	SessionID    string // empty when raised outside a travel session
	Reason       string
	StartedAt    time.Time
	Location     *geo.Point
	AudioRef     string
	DispatchedAt time.Time
	ResolvedAt   time.Time
	ResolvedBy   string
}

// New opens an episode.
// PRE: wardID non-empty; reason valid
// POST: episode is open and not yet dispatched
func New(id, wardID, sessionID, reason string, now time.Time) (Episode, error) {
	e := Episode{
		ID:        id,
		WardID:    wardID,
		SessionID: sessionID,
		Reason:    reason,
		StartedAt: now,
	}
	if err := e.Validate(); err != nil {
		return Episode{}, err
	}
	return e, nil
}

// Validate checks if the Episode has valid data.
// PRE: Episode struct is populated
// POST: Returns nil if valid, error otherwise
func (e *Episode) Validate() error {
	if e.WardID == "" {
		return ErrEmptyWardID
	}
	if !ValidReason(e.Reason) {
		return ErrInvalidReason
	}
	return nil
}

// ValidReason reports whether r is a known trigger reason.
func ValidReason(r string) bool {
	return r == ReasonManual || r == ReasonVoice || r == ReasonLateTimeout
}

// IsOpen reports whether the episode still needs resolving.
func (e Episode) IsOpen() bool {
	return e.ResolvedAt.IsZero()
}

// IsDispatched reports whether escalation has been confirmed.
func (e Episode) IsDispatched() bool {
	return !e.DispatchedAt.IsZero()
}

// NeedsDispatch reports an open episode with no confirmed dispatch.
func (e Episode) NeedsDispatch() bool {
	return e.IsOpen() && !e.IsDispatched()
}

// MarkDispatched confirms escalation. Calling it again keeps the first time.
func (e *Episode) MarkDispatched(now time.Time) {
	if e.DispatchedAt.IsZero() {
		e.DispatchedAt = now
	}
}

// AttachLocation records the last known position. A nil point is ignored.
func (e *Episode) AttachLocation(p *geo.Point) {
	if p != nil {
		loc := *p
		e.Location = &loc
	}
}

// AttachAudio records the captured evidence reference.
func (e *Episode) AttachAudio(ref string) {
	if ref != "" {
		e.AudioRef = ref
	}
}

// Resolve closes the episode.
// PRE: episode is open; by non-empty
// POST: ResolvedAt = now; ResolvedBy = by
func (e *Episode) Resolve(now time.Time, by string) error {
	if !e.IsOpen() {
		return ErrAlreadyResolved
	}
	if by == "" {
		return ErrEmptyResolver
	}
	e.ResolvedAt = now
	e.ResolvedBy = by
	return nil
}
