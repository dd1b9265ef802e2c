package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// Internal requests handled by the monitor without going through Machine.
type (
	snapshotRequest struct{}
	voiceToggle     struct{ enabled bool }
)

func (snapshotRequest) eventName() string { return "snapshot" }
func (voiceToggle) eventName() string     { return "voice_toggle" }

type command struct {
	event Event
	reply chan result // nil for fire-and-forget
}

type result struct {
	snap Snapshot
	err  error
}

// pendingEscalation is an opened episode that has not been confirmed as
// dispatched. session is the sos-terminated session still to be written;
// the episode is only stored once it is. persisted records that the
// episode itself is durable.
type pendingEscalation struct {
	episode   sos.Episode
	session   *travel.Session
	persisted bool
}

// monitor is the single writer of one ward's state.
type monitor struct {
	wardID  string
	engine  *Engine
	state   State
	inbox   chan command
	trigger chan struct{}
	done    chan struct{}

	ticker       Ticker
	voice        VoiceListener
	voiceEnabled bool
	escalations  []pendingEscalation
}

func newMonitor(e *Engine, st State, inboxSize int) *monitor {
	return &monitor{
		wardID:  st.WardID,
		engine:  e,
		state:   st,
		inbox:   make(chan command, inboxSize),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// run owns the ward until ctx is cancelled.
func (m *monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.teardown()

	m.flushEscalations(ctx)
	m.sync()

	for {
		// Queued distress triggers are reduced before anything else.
		select {
		case <-m.trigger:
			m.handle(ctx, command{event: VoiceTrigger{}})
			continue
		default:
		}

		var tickC <-chan time.Time
		if m.ticker != nil {
			tickC = m.ticker.C()
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.inbox:
			m.handle(ctx, cmd)
			if m.idle() && m.engine.retire(m) {
				return
			}
		case <-m.trigger:
			m.handle(ctx, command{event: VoiceTrigger{}})
		case <-tickC:
			m.handle(ctx, command{event: Tick{}})
		}
	}
}

func (m *monitor) handle(ctx context.Context, cmd command) {
	var err error
	switch ev := cmd.event.(type) {
	case snapshotRequest:
	case voiceToggle:
		m.voiceEnabled = ev.enabled
		// Re-enabling retries a listener that gave up on a device error.
		if r, ok := m.voice.(interface{ Reset() }); ok && ev.enabled {
			r.Reset()
		}
		slog.Info("voice_event", "event", "preference_changed", "ward_id", m.wardID, "enabled", ev.enabled)
	case Tick:
		// Retry escalations that could not be made durable or dispatched.
		m.flushEscalations(ctx)
		err = m.apply(ctx, ev)
	default:
		err = m.apply(ctx, ev)
	}
	m.sync()

	if cmd.reply != nil {
		cmd.reply <- result{snap: m.snapshot(), err: err}
	}
}

func (m *monitor) apply(ctx context.Context, ev Event) error {
	now := m.engine.deps.Now()
	next, fx, err := m.engine.machine.Apply(m.state, ev, now)
	if err != nil {
		if ae, ok := ev.(AttachEvidence); ok && errors.Is(err, ErrUnknownEpisode) {
			return m.attachToStoredEpisode(ctx, ae)
		}
		slog.Info("travel_event", "event", "rejected", "ward_id", m.wardID, "command", ev.eventName(), "reason", err.Error())
		return err
	}

	prev := m.state.Phase
	m.state = next
	if fx.Empty() {
		if _, isVoice := ev.(VoiceTrigger); isVoice {
			slog.Info("voice_event", "event", "trigger_ignored", "ward_id", m.wardID, "phase", string(next.Phase))
		}
		return nil
	}
	if prev != next.Phase {
		slog.Info("travel_event", "event", "phase_changed", "ward_id", m.wardID,
			"command", ev.eventName(), "from", string(prev), "to", string(next.Phase))
	}
	m.execute(ctx, fx)
	return nil
}

// execute performs effects in order: session, history, episode, publish, dispatch.
func (m *monitor) execute(ctx context.Context, fx Effects) {
	d := m.engine.deps

	// A session ended by SOS is written together with its episode.
	escalatedSession := fx.EpisodeOpened != nil && fx.EpisodeOpened.SessionID != "" &&
		m.state.Session != nil && m.state.Session.ID == fx.EpisodeOpened.SessionID
	if fx.SessionChanged && m.state.Session != nil && !escalatedSession {
		if err := d.Sessions.SaveSession(ctx, *m.state.Session); err != nil {
			slog.Error("travel_session_save_failed", "ward_id", m.wardID, "session_id", m.state.Session.ID, "error", err.Error())
		}
	}
	if fx.History != nil {
		if err := d.History.AppendHistory(ctx, *fx.History); err != nil {
			slog.Error("travel_history_append_failed", "ward_id", m.wardID, "session_id", fx.History.SessionID, "error", err.Error())
		}
	}
	if fx.EpisodeOpened != nil {
		esc := pendingEscalation{episode: *fx.EpisodeOpened}
		if escalatedSession {
			sess := *m.state.Session
			esc.session = &sess
		}
		m.escalations = append(m.escalations, esc)
		m.persistEscalations(ctx)
	}
	if fx.EpisodeChanged != nil {
		if err := d.Episodes.SaveEpisode(ctx, *fx.EpisodeChanged); err != nil {
			slog.Error("sos_episode_save_failed", "ward_id", m.wardID, "episode_id", fx.EpisodeChanged.ID, "error", err.Error())
		}
		if !fx.EpisodeChanged.IsOpen() {
			d.Dispatcher.Release(fx.EpisodeChanged.ID)
			m.dropEscalation(fx.EpisodeChanged.ID)
		}
	}

	if fx.PromptClosed != nil {
		slog.Info("prompt_event", "event", "closed", "ward_id", m.wardID, "kind", fx.PromptClosed.Kind, "resolution", fx.PromptClosed.Resolution)
	}
	if fx.SessionChanged && m.state.Session != nil {
		if err := d.Publisher.PublishTravelState(ctx, m.wardID, *m.state.Session); err != nil {
			slog.Warn("travel_publish_failed", "ward_id", m.wardID, "error", err.Error())
		}
	}
	if fx.PromptOpened != nil {
		slog.Info("prompt_event", "event", "opened", "ward_id", m.wardID, "kind", fx.PromptOpened.Kind, "deadline", fx.PromptOpened.Deadline)
		if err := d.Publisher.PublishPrompt(ctx, m.wardID, *fx.PromptOpened); err != nil {
			slog.Warn("prompt_publish_failed", "ward_id", m.wardID, "error", err.Error())
		}
	}
	if fx.EpisodeChanged != nil {
		if err := d.Publisher.PublishSOSState(ctx, m.wardID, *fx.EpisodeChanged); err != nil {
			slog.Warn("sos_publish_failed", "ward_id", m.wardID, "error", err.Error())
		}
	}

	m.dispatchEscalations(ctx)
}

// persistEscalations makes opened episodes durable, after the session they
// ended. Dispatch never runs for an episode that is not yet persisted.
func (m *monitor) persistEscalations(ctx context.Context) {
	for i := range m.escalations {
		esc := &m.escalations[i]
		if esc.persisted {
			continue
		}
		if esc.session != nil {
			if err := m.engine.deps.Sessions.SaveSession(ctx, *esc.session); err != nil {
				slog.Error("travel_session_save_failed", "ward_id", m.wardID, "session_id", esc.session.ID,
					"episode_id", esc.episode.ID, "error", err.Error())
				continue
			}
			esc.session = nil
		}
		if err := m.engine.deps.Episodes.SaveEpisode(ctx, esc.episode); err != nil {
			slog.Error("sos_episode_save_failed", "ward_id", m.wardID, "episode_id", esc.episode.ID, "error", err.Error())
			continue
		}
		esc.persisted = true
		slog.Info("sos_event", "event", "opened", "ward_id", m.wardID, "episode_id", esc.episode.ID, "reason", esc.episode.Reason)
	}
}

func (m *monitor) dispatchEscalations(ctx context.Context) {
	remaining := m.escalations[:0]
	for _, esc := range m.escalations {
		if !esc.persisted {
			remaining = append(remaining, esc)
			continue
		}
		updated, err := m.engine.deps.Dispatcher.Dispatch(ctx, esc.episode)
		m.adoptEpisode(updated)
		if err != nil {
			slog.Error("sos_dispatch_failed", "ward_id", m.wardID, "episode_id", esc.episode.ID, "error", err.Error())
			esc.episode = updated
			remaining = append(remaining, esc)
		}
	}
	m.escalations = remaining
}

func (m *monitor) flushEscalations(ctx context.Context) {
	if len(m.escalations) == 0 {
		return
	}
	m.persistEscalations(ctx)
	m.dispatchEscalations(ctx)
}

func (m *monitor) dropEscalation(id string) {
	remaining := m.escalations[:0]
	for _, esc := range m.escalations {
		if esc.episode.ID != id {
			remaining = append(remaining, esc)
		}
	}
	m.escalations = remaining
}

// adoptEpisode keeps the dispatcher's view (location, dispatch time) and
// any evidence attached meanwhile.
func (m *monitor) adoptEpisode(updated sos.Episode) {
	cur := m.state.Episode
	if cur == nil || cur.ID != updated.ID {
		return
	}
	if cur.AudioRef != "" && updated.AudioRef == "" {
		updated.AudioRef = cur.AudioRef
	}
	if !cur.ResolvedAt.IsZero() {
		updated.ResolvedAt, updated.ResolvedBy = cur.ResolvedAt, cur.ResolvedBy
	}
	m.state.Episode = &updated
}

// attachToStoredEpisode handles evidence that arrives after the ward has
// moved on to a newer episode.
func (m *monitor) attachToStoredEpisode(ctx context.Context, ae AttachEvidence) error {
	d := m.engine.deps
	ep, err := d.Episodes.GetEpisode(ctx, ae.EpisodeID)
	if err != nil {
		slog.Warn("sos_evidence_orphaned", "ward_id", m.wardID, "episode_id", ae.EpisodeID, "error", err.Error())
		return err
	}
	if ep.WardID != m.wardID {
		return ErrUnknownEpisode
	}
	ep.AttachAudio(ae.AudioRef)
	if err := d.Episodes.SaveEpisode(ctx, ep); err != nil {
		return err
	}
	if err := d.Publisher.PublishSOSState(ctx, m.wardID, ep); err != nil {
		slog.Warn("sos_publish_failed", "ward_id", m.wardID, "error", err.Error())
	}
	return nil
}

// sync starts or stops the ticker and voice listener to match the state.
func (m *monitor) sync() {
	wantTicker := m.state.Phase.IsActive() || len(m.escalations) > 0
	switch {
	case wantTicker && m.ticker == nil:
		m.ticker = m.engine.deps.NewTicker(m.engine.opts.TickInterval)
	case !wantTicker && m.ticker != nil:
		m.ticker.Stop()
		m.ticker = nil
	}

	wantVoice := m.voiceEnabled && m.state.Phase.IsActive()
	if wantVoice && m.voice == nil && m.engine.deps.Voice != nil {
		m.voice = m.engine.deps.Voice(m.wardID, m.onVoiceTrigger)
	}
	if m.voice == nil {
		return
	}
	if wantVoice {
		m.voice.Enable()
	} else {
		m.voice.Disable()
	}
}

// onVoiceTrigger is called from the listener goroutine. Triggers coalesce:
// a second trigger while one is queued would be debounced anyway.
func (m *monitor) onVoiceTrigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *monitor) teardown() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.voice != nil {
		m.voice.Disable()
	}
	if ep := m.state.Episode; ep != nil {
		m.engine.deps.Dispatcher.Release(ep.ID)
	}
	slog.Debug("travel_event", "event", "monitor_stopped", "ward_id", m.wardID)
}

// idle reports whether the monitor holds nothing the stores cannot rebuild.
func (m *monitor) idle() bool {
	return !m.state.Phase.IsActive() && m.state.OpenEpisode() == nil &&
		len(m.escalations) == 0 && !m.voiceEnabled
}

func (m *monitor) snapshot() Snapshot {
	return Snapshot{State: m.state.clone(), VoiceEnabled: m.voiceEnabled}
}
