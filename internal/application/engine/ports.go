package engine

import (
	"context"
	"time"

	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// SessionStore persists the current session per ward.
type SessionStore interface {
	SaveSession(ctx context.Context, s travel.Session) error
	// GetActiveSession returns sql.ErrNoRows when the ward has no active session.
	GetActiveSession(ctx context.Context, wardID string) (travel.Session, error)
	ListActiveSessions(ctx context.Context) ([]travel.Session, error)
}

// HistoryStore archives resolved sessions. Records are never mutated.
type HistoryStore interface {
	AppendHistory(ctx context.Context, rec travel.HistoryRecord) error
}

// EpisodeStore persists SOS episodes.
type EpisodeStore interface {
	SaveEpisode(ctx context.Context, e sos.Episode) error
	GetEpisode(ctx context.Context, id string) (sos.Episode, error)
	// GetOpenEpisode returns sql.ErrNoRows when the ward has no open episode.
	GetOpenEpisode(ctx context.Context, wardID string) (sos.Episode, error)
	ListOpenEpisodes(ctx context.Context) ([]sos.Episode, error)
}

// Publisher makes state visible to the ward's devices and guardians.
// Calls may be repeated for the same data and must be idempotent.
type Publisher interface {
	PublishTravelState(ctx context.Context, wardID string, s travel.Session) error
	PublishPrompt(ctx context.Context, wardID string, p prompt.Prompt) error
	PublishSOSState(ctx context.Context, wardID string, e sos.Episode) error
}

// Dispatcher escalates an episode to guardians.
type Dispatcher interface {
	// Dispatch returns the episode as updated by escalation (location,
	// dispatch time). It is a no-op for an already dispatched episode.
	Dispatch(ctx context.Context, e sos.Episode) (sos.Episode, error)
	// Release cancels outstanding work for the episode, such as audio capture.
	Release(episodeID string)
}

// VoiceListener is a background distress-keyword detector for one ward.
// Enable and Disable must be idempotent.
type VoiceListener interface {
	Enable()
	Disable()
}

// VoiceFactory builds the listener for a ward. onTrigger must not block.
type VoiceFactory func(wardID string, onTrigger func()) VoiceListener

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker is the production TickerFactory.
func NewStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}
