package travel

import "time"

// HistoryRecord is the archived, append-only copy of a resolved session.
type HistoryRecord struct {
	SessionID       string
	WardID          string
	Destination     string
	Status          string
	StartedAt       time.Time
	ExpectedArrival time.Time
	EndedAt         time.Time
	Delayed         bool
	ArrivedSafely   bool
	NightMode       bool
}

// ToHistory archives a resolved session as observed at resolution time.
// PRE: session is no longer active
// POST: Delayed is true if the delay was acknowledged or the session ended after ExpectedArrival
func (s Session) ToHistory() HistoryRecord {
	return HistoryRecord{
		SessionID:       s.ID,
		WardID:          s.WardID,
		Destination:     s.Destination,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		ExpectedArrival: s.ExpectedArrival,
		EndedAt:         s.EndedAt,
		Delayed:         s.DelayAcknowledged || s.EndedAt.After(s.ExpectedArrival),
		ArrivedSafely:   s.ArrivedSafely,
		NightMode:       s.NightMode,
	}
}
