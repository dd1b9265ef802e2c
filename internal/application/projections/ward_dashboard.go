// Package projections shapes engine state and stored records into the
// read models served to ward devices and guardians.
package projections

import (
	"time"

	"safetrail/internal/application/engine"
	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// TravelView is the wire form of a travel session.
type TravelView struct {
	SessionID         string     `json:"session_id"`
	Destination       string     `json:"destination"`
	Coordinates       *geo.Point `json:"coordinates,omitempty"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	ExpectedArrival   time.Time  `json:"expected_arrival"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DelayAcknowledged bool       `json:"delay_acknowledged"`
	NightMode         bool       `json:"night_mode"`
	ArrivedSafely     bool       `json:"arrived_safely"`
	IsLate            bool       `json:"is_late"`
	RemainingSeconds  int64      `json:"remaining_seconds"`
}

// PromptView is the wire form of a safety check.
type PromptView struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	OpenedAt         time.Time `json:"opened_at"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Resolution       string    `json:"resolution"`
}

// EpisodeView is the wire form of an SOS episode.
type EpisodeView struct {
	ID           string     `json:"id"`
	WardID       string     `json:"ward_id"`
	SessionID    string     `json:"session_id,omitempty"`
	Reason       string     `json:"reason"`
	StartedAt    time.Time  `json:"started_at"`
	Location     *geo.Point `json:"location,omitempty"`
	HasAudio     bool       `json:"has_audio"`
	Open         bool       `json:"open"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}

// HistoryView is the wire form of an archived journey.
type HistoryView struct {
	SessionID       string    `json:"session_id"`
	Destination     string    `json:"destination"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	ExpectedArrival time.Time `json:"expected_arrival"`
	EndedAt         time.Time `json:"ended_at"`
	Delayed         bool      `json:"delayed"`
	ArrivedSafely   bool      `json:"arrived_safely"`
	NightMode       bool      `json:"night_mode"`
}

// WardDashboard is what the ward's own device renders.
type WardDashboard struct {
	WardID       string       `json:"ward_id"`
	Phase        string       `json:"phase"`
	VoiceEnabled bool         `json:"voice_enabled"`
	Travel       *TravelView  `json:"travel,omitempty"`
	Prompt       *PromptView  `json:"prompt,omitempty"`
	SOS          *EpisodeView `json:"sos,omitempty"`
}

// QueryWardDashboard projects an engine snapshot at now. Only the open
// prompt is shown; the most recent session and episode are kept so the
// device can show how the last journey ended.
func QueryWardDashboard(snap engine.Snapshot, now time.Time) WardDashboard {
	d := WardDashboard{
		WardID:       snap.WardID,
		Phase:        string(snap.Phase),
		VoiceEnabled: snap.VoiceEnabled,
	}
	if snap.Session != nil {
		v := Travel(*snap.Session, now)
		d.Travel = &v
	}
	if p := snap.OpenPrompt(); p != nil {
		v := Prompt(*p, now)
		d.Prompt = &v
	}
	if snap.Episode != nil {
		v := Episode(*snap.Episode)
		d.SOS = &v
	}
	return d
}

// Travel projects a session at now.
func Travel(s travel.Session, now time.Time) TravelView {
	v := TravelView{
		SessionID:         s.ID,
		Destination:       s.Destination,
		Coordinates:       s.Coordinates,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		ExpectedArrival:   s.ExpectedArrival,
		EndedAt:           optionalTime(s.EndedAt),
		DelayAcknowledged: s.DelayAcknowledged,
		NightMode:         s.NightMode,
		ArrivedSafely:     s.ArrivedSafely,
	}
	if s.IsActive() {
		v.IsLate = s.IsOverdue(now) && !s.DelayAcknowledged
		if remaining := s.ExpectedArrival.Sub(now); remaining > 0 {
			v.RemainingSeconds = int64(remaining / time.Second)
		}
	}
	return v
}

// Prompt projects a safety check at now.
func Prompt(p prompt.Prompt, now time.Time) PromptView {
	return PromptView{
		ID:               p.ID,
		Kind:             p.Kind,
		OpenedAt:         p.OpenedAt,
		Deadline:         p.Deadline,
		RemainingSeconds: int64(p.Remaining(now) / time.Second),
		Resolution:       p.Resolution,
	}
}

// Episode projects an SOS episode.
func Episode(e sos.Episode) EpisodeView {
	return EpisodeView{
		ID:           e.ID,
		WardID:       e.WardID,
		SessionID:    e.SessionID,
		Reason:       e.Reason,
		StartedAt:    e.StartedAt,
		Location:     e.Location,
		HasAudio:     e.AudioRef != "",
		Open:         e.IsOpen(),
		DispatchedAt: optionalTime(e.DispatchedAt),
		ResolvedAt:   optionalTime(e.ResolvedAt),
		ResolvedBy:   e.ResolvedBy,
	}
}

// Episodes projects a list of episodes.
func Episodes(list []sos.Episode) []EpisodeView {
	out := make([]EpisodeView, 0, len(list))
	for _, e := range list {
		out = append(out, Episode(e))
	}
	return out
}

// History projects archived journeys, preserving order.
func History(records []travel.HistoryRecord) []HistoryView {
	out := make([]HistoryView, 0, len(records))
	for _, r := range records {
		out = append(out, HistoryView{
			SessionID:       r.SessionID,
			Destination:     r.Destination,
			Status:          r.Status,
			StartedAt:       r.StartedAt,
			ExpectedArrival: r.ExpectedArrival,
			EndedAt:         r.EndedAt,
			Delayed:         r.Delayed,
			ArrivedSafely:   r.ArrivedSafely,
			NightMode:       r.NightMode,
		})
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
