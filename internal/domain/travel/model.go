package travel

import (
	"errors"
	"strings"
	"time"

	"safetrail/internal/domain/geo"
)

// Status constants for the session lifecycle.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusSOS       = "sos"
)

// Night window: [NightStartHour:00, NightEndHour:00).
const (
	NightStartHour = 21
	NightEndHour   = 6
)

// Max length constants for user-editable fields.
const (
	MaxDestinationLength = 200
)

// Domain errors.
var (
	ErrEmptyWardID       = errors.New("ward ID is required")
	ErrEmptyDestination  = errors.New("destination is required")
	ErrDestinationLength = errors.New("destination cannot exceed 200 characters")
	ErrInvalidETA        = errors.New("eta minutes must be greater than 0")
	ErrInvalidExtension  = errors.New("extension minutes must be greater than 0")
	ErrNotActive         = errors.New("session is not active")
	ErrNotOverdue        = errors.New("expected arrival has not passed yet")
	ErrInvalidStatus     = errors.New("status must be one of: active, completed, sos")
)

// Session is one tracked journey toward a destination.
type Session struct {
	ID                string
	WardID            string
	Destination       string
	Coordinates       *geo.Point
	StartedAt         time.Time
	ExpectedArrival   time.Time
	Status            string
	DelayAcknowledged bool
	NightMode         bool
	LatePromptShown   bool
	MidJourneyShown   bool
	EndedAt           time.Time
	ArrivedSafely     bool
}

// New creates an active session starting at now.
// PRE: wardID and destination non-empty; etaMinutes > 0
// POST: ExpectedArrival = now + etaMinutes; NightMode reflects now's hour in loc
func New(id, wardID, destination string, etaMinutes int, coords *geo.Point, now time.Time, loc *time.Location) (Session, error) {
	if etaMinutes <= 0 {
		return Session{}, ErrInvalidETA
	}
	if loc == nil {
		loc = time.Local
	}
	s := Session{
		ID:              id,
		WardID:          wardID,
		Destination:     strings.TrimSpace(destination),
		Coordinates:     coords,
		StartedAt:       now,
		ExpectedArrival: now.Add(time.Duration(etaMinutes) * time.Minute),
		Status:          StatusActive,
		NightMode:       IsNightHour(now.In(loc).Hour()),
	}
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate checks if the Session has valid data.
// PRE: Session struct is populated
// POST: Returns nil if valid, error otherwise
func (s *Session) Validate() error {
	if s.WardID == "" {
		return ErrEmptyWardID
	}
	if strings.TrimSpace(s.Destination) == "" {
		return ErrEmptyDestination
	}
	if len(s.Destination) > MaxDestinationLength {
		return ErrDestinationLength
	}
	if s.Coordinates != nil {
		if err := s.Coordinates.Validate(); err != nil {
			return err
		}
	}
	switch s.Status {
	case StatusActive, StatusCompleted, StatusSOS:
	default:
		return ErrInvalidStatus
	}
	return nil
}

// IsNightHour reports whether a local hour falls in the night window.
func IsNightHour(hour int) bool {
	return hour >= NightStartHour || hour < NightEndHour
}

// IsActive reports whether the session is still running.
func (s Session) IsActive() bool {
	return s.Status == StatusActive
}

// TotalDuration is the planned journey length.
func (s Session) TotalDuration() time.Duration {
	return s.ExpectedArrival.Sub(s.StartedAt)
}

// Elapsed is the time since the session started.
func (s Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// IsOverdue reports whether now is strictly past the expected arrival.
func (s Session) IsOverdue(now time.Time) bool {
	return now.After(s.ExpectedArrival)
}

// NeedsLatePrompt reports whether a late safety check should open.
// The caller is responsible for checking that no other prompt is open.
func (s Session) NeedsLatePrompt(now time.Time) bool {
	return s.IsActive() && s.IsOverdue(now) && !s.DelayAcknowledged && !s.LatePromptShown
}

// InMidJourneyWindow reports whether elapsed time is in [total/2, total).
func (s Session) InMidJourneyWindow(now time.Time) bool {
	total := s.TotalDuration()
	elapsed := s.Elapsed(now)
	return elapsed >= total/2 && elapsed < total
}

// NeedsMidJourneyPrompt reports whether the one-time night check should open.
// The caller is responsible for checking that no other prompt is open.
func (s Session) NeedsMidJourneyPrompt(now time.Time) bool {
	return s.IsActive() && s.NightMode && !s.MidJourneyShown && s.InMidJourneyWindow(now)
}

// Extend pushes the expected arrival back and re-arms late detection.
// PRE: session is active; minutes > 0
// POST: ExpectedArrival += minutes; DelayAcknowledged and LatePromptShown cleared
func (s *Session) Extend(minutes int) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	if minutes <= 0 {
		return ErrInvalidExtension
	}
	s.ExpectedArrival = s.ExpectedArrival.Add(time.Duration(minutes) * time.Minute)
	s.DelayAcknowledged = false
	s.LatePromptShown = false
	return nil
}

// AcknowledgeDelay records that the ward knows they are late.
// PRE: session is active and now > ExpectedArrival
// POST: DelayAcknowledged = true; ExpectedArrival unchanged
func (s *Session) AcknowledgeDelay(now time.Time) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	if !s.IsOverdue(now) {
		return ErrNotOverdue
	}
	s.DelayAcknowledged = true
	return nil
}

// Complete ends the session normally.
// PRE: session is active
// POST: Status = completed, EndedAt = now
func (s *Session) Complete(now time.Time, arrivedSafely bool) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	s.Status = StatusCompleted
	s.EndedAt = now
	s.ArrivedSafely = arrivedSafely
	return nil
}

// MarkSOS ends the session because of an SOS.
// PRE: session is active
// POST: Status = sos, EndedAt = now
func (s *Session) MarkSOS(now time.Time) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	s.Status = StatusSOS
	s.EndedAt = now
	return nil
}
