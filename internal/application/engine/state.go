// Package engine runs the per-ward travel session state machine.
//
// Each ward is owned by a single monitor goroutine. User actions, voice
// triggers and clock ticks are queued to that goroutine and reduced in
// arrival order by Machine, so no two transitions for a ward ever race.
package engine

import (
	"errors"
	"fmt"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// Phase is the state machine position for one ward.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseTraveling          Phase = "traveling"
	PhaseMidJourneyPending  Phase = "mid_journey_pending"
	PhaseLateUnacknowledged Phase = "late_unacknowledged"
	PhaseResolvedCompleted  Phase = "resolved_completed"
	PhaseResolvedSOS        Phase = "resolved_sos"
)

// IsActive reports whether a session is running in this phase.
func (p Phase) IsActive() bool {
	return p == PhaseTraveling || p == PhaseMidJourneyPending || p == PhaseLateUnacknowledged
}

// ErrPrecondition is wrapped by every rejection caused by the current state.
var ErrPrecondition = errors.New("precondition violated")

var (
	ErrSessionActive   = fmt.Errorf("%w: a travel session is already active", ErrPrecondition)
	ErrNoActiveSession = fmt.Errorf("%w: no active travel session", ErrPrecondition)
	ErrSOSActive       = fmt.Errorf("%w: an SOS episode is already open", ErrPrecondition)
	ErrNoOpenPrompt    = fmt.Errorf("%w: no safety check is open", ErrPrecondition)
	ErrNoOpenEpisode   = fmt.Errorf("%w: no SOS episode is open", ErrPrecondition)
	ErrInvalidPhase    = fmt.Errorf("%w: operation not valid in the current phase", ErrPrecondition)
	ErrUnknownEpisode  = fmt.Errorf("%w: episode does not belong to the current state", ErrPrecondition)
	ErrClosed          = errors.New("engine is closed")
)

// State is everything the machine knows about one ward. Session holds the
// current or most recent session; Episode the open or most recent episode.
type State struct {
	WardID  string
	Phase   Phase
	Session *travel.Session
	Prompt  *prompt.Prompt
	Episode *sos.Episode
}

// OpenPrompt returns the open prompt, if any.
func (s State) OpenPrompt() *prompt.Prompt {
	if s.Prompt != nil && s.Prompt.IsOpen() {
		return s.Prompt
	}
	return nil
}

// OpenEpisode returns the open episode, if any.
func (s State) OpenEpisode() *sos.Episode {
	if s.Episode != nil && s.Episode.IsOpen() {
		return s.Episode
	}
	return nil
}

func (s State) clone() State {
	c := s
	if s.Session != nil {
		sess := *s.Session
		if sess.Coordinates != nil {
			p := *sess.Coordinates
			sess.Coordinates = &p
		}
		c.Session = &sess
	}
	if s.Prompt != nil {
		p := *s.Prompt
		c.Prompt = &p
	}
	if s.Episode != nil {
		e := *s.Episode
		if e.Location != nil {
			p := *e.Location
			e.Location = &p
		}
		c.Episode = &e
	}
	return c
}

// Event is an input to the machine.
type Event interface {
	eventName() string
}

type (
	StartTravel struct {
		Destination string
		ETAMinutes  int
		Coordinates *geo.Point
	}
	ExtendTime struct {
		Minutes int
	}
	AcknowledgeDelay  struct{}
	StopTravel        struct{ ArrivedSafely bool }
	ActivateSOS       struct{ Reason string }
	ResolvePromptSafe struct{}
	ResolvePromptSOS  struct{}
	ResolveSOS        struct{ By string }
	VoiceTrigger      struct{}
	Tick              struct{}
	// AttachEvidence routes an asynchronous audio capture result back in.
	AttachEvidence struct {
		EpisodeID string
		AudioRef  string
	}
)

func (StartTravel) eventName() string       { return "start_travel" }
func (ExtendTime) eventName() string        { return "extend_time" }
func (AcknowledgeDelay) eventName() string  { return "acknowledge_delay" }
func (StopTravel) eventName() string        { return "stop_travel" }
func (ActivateSOS) eventName() string       { return "activate_sos" }
func (ResolvePromptSafe) eventName() string { return "resolve_prompt_safe" }
func (ResolvePromptSOS) eventName() string  { return "resolve_prompt_sos" }
func (ResolveSOS) eventName() string        { return "resolve_sos" }
func (VoiceTrigger) eventName() string      { return "voice_trigger" }
func (Tick) eventName() string              { return "tick" }
func (AttachEvidence) eventName() string    { return "attach_evidence" }

// Effects lists the side effects a transition requires. The monitor executes
// them in a fixed order after the state has been committed.
type Effects struct {
	SessionChanged bool
	History        *travel.HistoryRecord
	PromptOpened   *prompt.Prompt
	PromptClosed   *prompt.Prompt
	EpisodeOpened  *sos.Episode
	EpisodeChanged *sos.Episode
}

// Empty reports whether the transition changed nothing observable.
func (e Effects) Empty() bool {
	return !e.SessionChanged && e.History == nil && e.PromptOpened == nil &&
		e.PromptClosed == nil && e.EpisodeOpened == nil && e.EpisodeChanged == nil
}

// Snapshot is a read-only copy of a ward's state.
type Snapshot struct {
	State
	VoiceEnabled bool
}
