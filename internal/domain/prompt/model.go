// Package prompt models the time-boxed safety check shown to a travelling ward.
package prompt

import (
	"errors"
	"time"
)

// Kind constants.
const (
	KindLate       = "late"
	KindMidJourney = "mid_journey"
)

// Resolution constants.
const (
	ResolutionNone    = "none"
	ResolutionSafe    = "safe"
	ResolutionSOS     = "sos"
	ResolutionTimeout = "timeout"
)

// ResponseWindow is how long the ward has to answer before escalation.
const ResponseWindow = 60 * time.Second

var (
	ErrInvalidKind       = errors.New("kind must be one of: late, mid_journey")
	ErrInvalidResolution = errors.New("resolution must be one of: safe, sos, timeout")
	ErrAlreadyResolved   = errors.New("prompt is already resolved")
)

// Prompt is an open or resolved safety check.
type Prompt struct {
	ID         string
	SessionID  string
	Kind       string
	OpenedAt   time.Time
	Deadline   time.Time
	Resolution string
	ResolvedAt time.Time
}

// Open creates a prompt whose deadline is now + window.
// A non-positive window falls back to ResponseWindow.
// PRE: kind is a valid Kind
// POST: prompt is open
func Open(id, sessionID, kind string, now time.Time, window time.Duration) (Prompt, error) {
	if kind != KindLate && kind != KindMidJourney {
		return Prompt{}, ErrInvalidKind
	}
	if window <= 0 {
		window = ResponseWindow
	}
	return Prompt{
		ID:         id,
		SessionID:  sessionID,
		Kind:       kind,
		OpenedAt:   now,
		Deadline:   now.Add(window),
		Resolution: ResolutionNone,
	}, nil
}

// IsOpen reports whether the prompt awaits an answer.
func (p Prompt) IsOpen() bool {
	return p.Resolution == ResolutionNone
}

// Expired reports whether the response window has elapsed.
func (p Prompt) Expired(now time.Time) bool {
	return p.IsOpen() && !now.Before(p.Deadline)
}

// Remaining returns the time left to answer, never negative.
func (p Prompt) Remaining(now time.Time) time.Duration {
	if d := p.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Resolve closes the prompt.
// PRE: prompt is open; resolution is not ResolutionNone
// POST: Resolution set; ResolvedAt = now
func (p *Prompt) Resolve(resolution string, now time.Time) error {
	if !p.IsOpen() {
		return ErrAlreadyResolved
	}
	switch resolution {
	case ResolutionSafe, ResolutionSOS, ResolutionTimeout:
	default:
		return ErrInvalidResolution
	}
	p.Resolution = resolution
	p.ResolvedAt = now
	return nil
}
