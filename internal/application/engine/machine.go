package engine

import (
	"fmt"
	"time"

	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// Machine is the pure reducer for one ward. It performs no I/O; all
// persistence and notification is described by the returned Effects.
type Machine struct {
	Location     *time.Location // zone used for night-mode hours
	PromptWindow time.Duration  // zero means prompt.ResponseWindow
	NewID        func() string
}

// Apply reduces ev against st at now.
// PRE: st.WardID non-empty
// POST: on error the returned state is st and Effects is empty
// INVARIANT: at most one active session and one open episode per ward
func (m Machine) Apply(st State, ev Event, now time.Time) (State, Effects, error) {
	next := st.clone()
	var fx Effects
	var err error

	switch e := ev.(type) {
	case StartTravel:
		err = m.startTravel(&next, &fx, e, now)
	case ExtendTime:
		err = m.extendTime(&next, &fx, e, now)
	case AcknowledgeDelay:
		err = m.acknowledgeDelay(&next, &fx, now)
	case StopTravel:
		err = m.stopTravel(&next, &fx, e, now)
	case ActivateSOS:
		err = m.activateSOS(&next, &fx, e.Reason, now)
	case ResolvePromptSafe:
		err = m.resolvePromptSafe(&next, &fx, now)
	case ResolvePromptSOS:
		if next.OpenPrompt() == nil {
			err = ErrNoOpenPrompt
			break
		}
		err = m.escalate(&next, &fx, sos.ReasonManual, prompt.ResolutionSOS, now)
	case ResolveSOS:
		err = m.resolveSOS(&next, &fx, e, now)
	case VoiceTrigger:
		// Debounced: ignored while an episode is open or no session runs.
		if next.OpenEpisode() != nil || !next.Phase.IsActive() {
			return st, Effects{}, nil
		}
		err = m.escalate(&next, &fx, sos.ReasonVoice, prompt.ResolutionSOS, now)
	case Tick:
		m.tick(&next, &fx, now)
	case AttachEvidence:
		if next.Episode == nil || next.Episode.ID != e.EpisodeID {
			err = ErrUnknownEpisode
			break
		}
		next.Episode.AttachAudio(e.AudioRef)
		ep := *next.Episode
		fx.EpisodeChanged = &ep
	default:
		err = fmt.Errorf("%w: unsupported event %T", ErrPrecondition, ev)
	}

	if err != nil {
		return st, Effects{}, err
	}
	return next, fx, nil
}

func (m Machine) startTravel(st *State, fx *Effects, e StartTravel, now time.Time) error {
	if st.Phase.IsActive() {
		return ErrSessionActive
	}
	if st.OpenEpisode() != nil {
		return ErrSOSActive
	}
	s, err := travel.New(m.newID(), st.WardID, e.Destination, e.ETAMinutes, e.Coordinates, now, m.Location)
	if err != nil {
		return err
	}
	st.Session = &s
	st.Prompt = nil
	st.Phase = PhaseTraveling
	fx.SessionChanged = true
	return nil
}

func (m Machine) extendTime(st *State, fx *Effects, e ExtendTime, now time.Time) error {
	if st.Phase != PhaseTraveling && st.Phase != PhaseLateUnacknowledged {
		return ErrInvalidPhase
	}
	if err := st.Session.Extend(e.Minutes); err != nil {
		return err
	}
	// The new deadline supersedes an open late check.
	if p := st.OpenPrompt(); p != nil && p.Kind == prompt.KindLate {
		closePrompt(st, fx, prompt.ResolutionSafe, now)
	}
	st.Phase = PhaseTraveling
	fx.SessionChanged = true
	return nil
}

func (m Machine) acknowledgeDelay(st *State, fx *Effects, now time.Time) error {
	if !st.Phase.IsActive() {
		return ErrNoActiveSession
	}
	if err := st.Session.AcknowledgeDelay(now); err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if p := st.OpenPrompt(); p != nil && p.Kind == prompt.KindLate {
		closePrompt(st, fx, prompt.ResolutionSafe, now)
		st.Phase = PhaseTraveling
	}
	fx.SessionChanged = true
	return nil
}

func (m Machine) stopTravel(st *State, fx *Effects, e StopTravel, now time.Time) error {
	if !st.Phase.IsActive() {
		return ErrNoActiveSession
	}
	closePrompt(st, fx, prompt.ResolutionNone, now)
	if err := st.Session.Complete(now, e.ArrivedSafely); err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	rec := st.Session.ToHistory()
	fx.History = &rec
	fx.SessionChanged = true
	st.Phase = PhaseResolvedCompleted
	return nil
}

func (m Machine) activateSOS(st *State, fx *Effects, reason string, now time.Time) error {
	if !sos.ValidReason(reason) {
		return sos.ErrInvalidReason
	}
	return m.escalate(st, fx, reason, prompt.ResolutionSOS, now)
}

// escalate ends any running session with status sos and opens an episode.
func (m Machine) escalate(st *State, fx *Effects, reason, promptResolution string, now time.Time) error {
	if st.OpenEpisode() != nil {
		return ErrSOSActive
	}

	sessionID := ""
	if st.Phase.IsActive() {
		closePrompt(st, fx, promptResolution, now)
		if err := st.Session.MarkSOS(now); err != nil {
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		sessionID = st.Session.ID
		rec := st.Session.ToHistory()
		fx.History = &rec
		fx.SessionChanged = true
	}

	ep, err := sos.New(m.newID(), st.WardID, sessionID, reason, now)
	if err != nil {
		return err
	}
	st.Episode = &ep
	st.Phase = PhaseResolvedSOS
	opened := ep
	fx.EpisodeOpened = &opened
	return nil
}

func (m Machine) resolvePromptSafe(st *State, fx *Effects, now time.Time) error {
	p := st.OpenPrompt()
	if p == nil {
		return ErrNoOpenPrompt
	}
	if p.Kind == prompt.KindLate {
		st.Session.DelayAcknowledged = true
	}
	closePrompt(st, fx, prompt.ResolutionSafe, now)
	st.Phase = PhaseTraveling
	fx.SessionChanged = true
	return nil
}

func (m Machine) resolveSOS(st *State, fx *Effects, e ResolveSOS, now time.Time) error {
	ep := st.OpenEpisode()
	if ep == nil {
		return ErrNoOpenEpisode
	}
	if err := ep.Resolve(now, e.By); err != nil {
		return err
	}
	resolved := *ep
	fx.EpisodeChanged = &resolved
	st.Prompt = nil
	st.Phase = PhaseIdle
	return nil
}

// tick evaluates, in order: prompt timeout, late check, mid-journey check.
// The late check wins when both time conditions hold in the same tick.
func (m Machine) tick(st *State, fx *Effects, now time.Time) {
	if !st.Phase.IsActive() {
		return
	}
	s := st.Session

	if p := st.OpenPrompt(); p != nil {
		if p.Expired(now) {
			if err := m.escalate(st, fx, sos.ReasonLateTimeout, prompt.ResolutionTimeout, now); err != nil {
				endUnderOpenEpisode(st, fx, now)
			}
		}
		return
	}

	switch {
	case s.NeedsLatePrompt(now):
		m.openPrompt(st, fx, prompt.KindLate, now)
		s.LatePromptShown = true
		st.Phase = PhaseLateUnacknowledged
	case s.NeedsMidJourneyPrompt(now):
		m.openPrompt(st, fx, prompt.KindMidJourney, now)
		s.MidJourneyShown = true
		st.Phase = PhaseMidJourneyPending
	}
}

func (m Machine) openPrompt(st *State, fx *Effects, kind string, now time.Time) {
	p, err := prompt.Open(m.newID(), st.Session.ID, kind, now, m.PromptWindow)
	if err != nil {
		return
	}
	st.Prompt = &p
	opened := p
	fx.PromptOpened = &opened
	fx.SessionChanged = true
}

// endUnderOpenEpisode closes an expired prompt when a new episode cannot be
// opened because one already is. The session ends as sos under that episode.
func endUnderOpenEpisode(st *State, fx *Effects, now time.Time) {
	closePrompt(st, fx, prompt.ResolutionTimeout, now)
	if err := st.Session.MarkSOS(now); err == nil {
		rec := st.Session.ToHistory()
		fx.History = &rec
	}
	fx.SessionChanged = true
	st.Phase = PhaseResolvedSOS
}

// closePrompt resolves the open prompt, if any, and records the effect.
// ResolutionNone discards the prompt unanswered.
func closePrompt(st *State, fx *Effects, resolution string, now time.Time) {
	p := st.OpenPrompt()
	if p == nil {
		return
	}
	closed := *p
	if resolution == prompt.ResolutionNone {
		st.Prompt = nil
	} else {
		_ = p.Resolve(resolution, now)
		closed = *p
	}
	fx.PromptClosed = &closed
}

func (m Machine) newID() string {
	if m.NewID == nil {
		return ""
	}
	return m.NewID()
}
