// Package guardian derives what a guardian sees about each linked ward.
package guardian

import (
	"errors"
	"time"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/safety"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/telemetry"
	"safetrail/internal/domain/travel"
)

var (
	ErrEmptyGuardianID = errors.New("guardian ID is required")
	ErrEmptyWardID     = errors.New("ward ID is required")
	ErrSelfLink        = errors.New("a ward cannot be their own guardian")
)

// Link connects a guardian account to a ward account.
type Link struct {
	ID         string
	GuardianID string
	WardID     string
	CreatedAt  time.Time
}

// Validate checks if the Link has valid data.
// PRE: Link struct is populated
// POST: Returns nil if valid, error otherwise
func (l *Link) Validate() error {
	if l.GuardianID == "" {
		return ErrEmptyGuardianID
	}
	if l.WardID == "" {
		return ErrEmptyWardID
	}
	if l.GuardianID == l.WardID {
		return ErrSelfLink
	}
	return nil
}

// WardSnapshot is the raw state fetched for one ward.
type WardSnapshot struct {
	WardID    string
	WardEmail string
	Session   *travel.Session // active session, if any
	Episode   *sos.Episode    // open episode, if any
	Reading   *telemetry.Reading
}

// WardStatus is the guardian-facing view of a ward.
type WardStatus struct {
	WardID            string         `json:"ward_id"`
	WardEmail         string         `json:"ward_email"`
	Traveling         bool           `json:"traveling"`
	Destination       string         `json:"destination,omitempty"`
	ExpectedArrival   *time.Time     `json:"expected_arrival,omitempty"`
	NightMode         bool           `json:"night_mode"`
	DelayAcknowledged bool           `json:"delay_acknowledged"`
	IsLate            bool           `json:"is_late"`
	MidJourneyWindow  bool           `json:"mid_journey_window"`
	SOSActive         bool           `json:"sos_active"`
	SOSEpisodeID      string         `json:"sos_episode_id,omitempty"`
	SOSReason         string         `json:"sos_reason,omitempty"`
	SOSStartedAt      *time.Time     `json:"sos_started_at,omitempty"`
	SOSAudio          bool           `json:"sos_audio"`
	LastLocation      *geo.Point     `json:"last_location,omitempty"`
	Battery           *int           `json:"battery,omitempty"`
	Safety            *safety.Sample `json:"safety,omitempty"`
}

// Derive computes the guardian view at now. Hours are read in loc.
// PRE: snap.WardID non-empty
// POST: derived flags only; snap is not modified
func Derive(snap WardSnapshot, now time.Time, loc *time.Location) WardStatus {
	if loc == nil {
		loc = time.Local
	}
	st := WardStatus{
		WardID:    snap.WardID,
		WardEmail: snap.WardEmail,
	}

	if s := snap.Session; s != nil && s.IsActive() {
		eta := s.ExpectedArrival
		st.Traveling = true
		st.Destination = s.Destination
		st.ExpectedArrival = &eta
		st.NightMode = s.NightMode
		st.DelayAcknowledged = s.DelayAcknowledged
		st.IsLate = s.IsOverdue(now) && !s.DelayAcknowledged
		st.MidJourneyWindow = s.NightMode && s.InMidJourneyWindow(now)
	}

	if e := snap.Episode; e != nil && e.IsOpen() {
		started := e.StartedAt
		st.SOSActive = true
		st.SOSEpisodeID = e.ID
		st.SOSReason = e.Reason
		st.SOSStartedAt = &started
		st.SOSAudio = e.AudioRef != ""
		if e.Location != nil {
			p := *e.Location
			st.LastLocation = &p
		}
	}

	if r := snap.Reading; r != nil {
		battery := r.Battery
		st.Battery = &battery
		sample := safety.Evaluate(r.Battery, now.In(loc).Hour(), r.AreaRisk)
		st.Safety = &sample
		if st.LastLocation == nil && r.Location != nil {
			p := *r.Location
			st.LastLocation = &p
		}
	}

	return st
}
