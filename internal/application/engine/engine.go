package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// Deps holds the collaborators of the engine.
type Deps struct {
	Sessions   SessionStore
	History    HistoryStore
	Episodes   EpisodeStore
	Publisher  Publisher
	Dispatcher Dispatcher
	Voice      VoiceFactory // optional
	Now        func() time.Time
	GenerateID func() string
	NewTicker  TickerFactory
}

// Options tunes timing.
type Options struct {
	TickInterval time.Duration  // default 1s
	PromptWindow time.Duration  // default prompt.ResponseWindow
	Location     *time.Location // default time.Local
	InboxSize    int            // default 16
}

// Engine routes commands to the monitor owning each ward.
type Engine struct {
	deps    Deps
	opts    Options
	machine Machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]*monitor
	closed   bool
}

// New creates an engine. Call Close to stop every monitor.
func New(deps Deps, opts Options) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewTicker == nil {
		deps.NewTicker = NewStdTicker
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps: deps,
		opts: opts,
		machine: Machine{
			Location:     opts.Location,
			PromptWindow: opts.PromptWindow,
			NewID:        deps.GenerateID,
		},
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]*monitor),
	}
}

// StartTravel begins a session for the ward.
// PRE: no active session and no open episode; etaMinutes > 0
// POST: phase is traveling; ExpectedArrival = now + etaMinutes
func (e *Engine) StartTravel(ctx context.Context, wardID, destination string, etaMinutes int, coords *geo.Point) (Snapshot, error) {
	return e.send(ctx, wardID, StartTravel{Destination: destination, ETAMinutes: etaMinutes, Coordinates: coords})
}

// ExtendTime pushes the expected arrival back.
// PRE: phase is traveling or late_unacknowledged; minutes > 0
func (e *Engine) ExtendTime(ctx context.Context, wardID string, minutes int) (Snapshot, error) {
	return e.send(ctx, wardID, ExtendTime{Minutes: minutes})
}

// AcknowledgeDelay suppresses further late checks for the session.
// PRE: session active and overdue
func (e *Engine) AcknowledgeDelay(ctx context.Context, wardID string) (Snapshot, error) {
	return e.send(ctx, wardID, AcknowledgeDelay{})
}

// StopTravel completes the session and archives it.
// PRE: session active
// POST: phase is resolved_completed; any open prompt is discarded
func (e *Engine) StopTravel(ctx context.Context, wardID string, arrivedSafely bool) (Snapshot, error) {
	return e.send(ctx, wardID, StopTravel{ArrivedSafely: arrivedSafely})
}

// ActivateSOS opens an episode and escalates it.
// PRE: no open episode
// POST: phase is resolved_sos; dispatch attempted once the episode is durable
func (e *Engine) ActivateSOS(ctx context.Context, wardID, reason string) (Snapshot, error) {
	return e.send(ctx, wardID, ActivateSOS{Reason: reason})
}

// ResolvePromptSafe answers the open safety check with "I'm safe".
func (e *Engine) ResolvePromptSafe(ctx context.Context, wardID string) (Snapshot, error) {
	return e.send(ctx, wardID, ResolvePromptSafe{})
}

// ResolvePromptSOS answers the open safety check by asking for help.
func (e *Engine) ResolvePromptSOS(ctx context.Context, wardID string) (Snapshot, error) {
	return e.send(ctx, wardID, ResolvePromptSOS{})
}

// ResolveSOS closes the open episode.
// PRE: an episode is open; by identifies the resolving account
// POST: phase is idle
func (e *Engine) ResolveSOS(ctx context.Context, wardID, by string) (Snapshot, error) {
	return e.send(ctx, wardID, ResolveSOS{By: by})
}

// SetVoiceEnabled records whether the ward wants voice detection. The
// listener only runs while a session is active.
func (e *Engine) SetVoiceEnabled(ctx context.Context, wardID string, enabled bool) (Snapshot, error) {
	return e.send(ctx, wardID, voiceToggle{enabled: enabled})
}

// Snapshot returns the ward's current state.
func (e *Engine) Snapshot(ctx context.Context, wardID string) (Snapshot, error) {
	return e.send(ctx, wardID, snapshotRequest{})
}

// AttachEvidence records captured audio against an episode.
func (e *Engine) AttachEvidence(ctx context.Context, wardID, episodeID, audioRef string) error {
	_, err := e.send(ctx, wardID, AttachEvidence{EpisodeID: episodeID, AudioRef: audioRef})
	return err
}

// VoiceTrigger queues a distress trigger without blocking. It reports
// false if the ward has no running monitor.
func (e *Engine) VoiceTrigger(wardID string) bool {
	e.mu.Lock()
	m, ok := e.monitors[wardID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	m.onVoiceTrigger()
	return true
}

// Recover starts monitors for every ward with an active session or an open
// episode. Episodes without a confirmed dispatch are dispatched again.
func (e *Engine) Recover(ctx context.Context) error {
	sessions, err := e.deps.Sessions.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	episodes, err := e.deps.Episodes.ListOpenEpisodes(ctx)
	if err != nil {
		return fmt.Errorf("list open episodes: %w", err)
	}

	wards := make(map[string]bool)
	for _, s := range sessions {
		wards[s.WardID] = true
	}
	for _, ep := range episodes {
		wards[ep.WardID] = true
	}
	for wardID := range wards {
		if _, err := e.monitorFor(ctx, wardID); err != nil {
			return err
		}
	}
	slog.Info("travel_event", "event", "recovered", "wards", len(wards), "active_sessions", len(sessions), "open_episodes", len(episodes))
	return nil
}

// Close stops all monitors and waits for them to finish their teardown.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) send(ctx context.Context, wardID string, ev Event) (Snapshot, error) {
	if wardID == "" {
		return Snapshot{}, errors.New("ward ID is required")
	}
	for {
		m, err := e.monitorFor(ctx, wardID)
		if err != nil {
			return Snapshot{}, err
		}
		r, retired := e.deliver(ctx, m, ev)
		if !retired {
			return r.snap, r.err
		}
		// The monitor went idle before reading the command; a fresh one
		// is loaded from the stores.
	}
}

// deliver hands ev to m and waits for the reply. retired reports that m
// exited without handling ev while the engine is still open.
func (e *Engine) deliver(ctx context.Context, m *monitor, ev Event) (result, bool) {
	reply := make(chan result, 1)
	select {
	case m.inbox <- command{event: ev, reply: reply}:
	case <-m.done:
		return result{err: ErrClosed}, !e.isClosed()
	case <-ctx.Done():
		return result{err: ctx.Err()}, false
	}

	select {
	case r := <-reply:
		return r, false
	case <-m.done:
		// A reply sent just before exit still wins.
		select {
		case r := <-reply:
			return r, false
		default:
		}
		return result{err: ErrClosed}, !e.isClosed()
	case <-ctx.Done():
		return result{err: ctx.Err()}, false
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// retire removes an idle monitor from the engine. It refuses while commands
// or triggers are queued, so nothing sent before the removal is dropped.
func (e *Engine) retire(m *monitor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(m.inbox) > 0 || len(m.trigger) > 0 {
		return false
	}
	if e.monitors[m.wardID] == m {
		delete(e.monitors, m.wardID)
	}
	return true
}

func (e *Engine) monitorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.monitors)
}

// monitorFor returns the ward's monitor, loading its state on first use.
func (e *Engine) monitorFor(ctx context.Context, wardID string) (*monitor, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if m, ok := e.monitors[wardID]; ok {
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	st, pending, err := e.loadState(ctx, wardID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if m, ok := e.monitors[wardID]; ok {
		return m, nil
	}
	m := newMonitor(e, st, e.opts.InboxSize)
	m.escalations = pending
	e.monitors[wardID] = m
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		m.run(e.ctx)
	}()
	return m, nil
}

// loadState rebuilds a ward's state from the stores. Open prompts do not
// survive a restart, so late detection is re-armed for recovered sessions.
// A session still active next to an open episode was ended by that episode.
func (e *Engine) loadState(ctx context.Context, wardID string) (State, []pendingEscalation, error) {
	st := State{WardID: wardID, Phase: PhaseIdle}
	var pending []pendingEscalation

	sess, err := e.deps.Sessions.GetActiveSession(ctx, wardID)
	switch {
	case err == nil:
		sess.LatePromptShown = false
		st.Session = &sess
		st.Phase = PhaseTraveling
	case errors.Is(err, sql.ErrNoRows):
	default:
		return State{}, nil, fmt.Errorf("load active session: %w", err)
	}

	ep, err := e.deps.Episodes.GetOpenEpisode(ctx, wardID)
	switch {
	case err == nil:
		st.Episode = &ep
		if st.Phase.IsActive() {
			e.endRecoveredSession(ctx, st.Session, ep)
		}
		st.Phase = PhaseResolvedSOS
		if ep.NeedsDispatch() {
			pending = append(pending, pendingEscalation{episode: ep, persisted: true})
			slog.Warn("sos_event", "event", "redispatch_required", "ward_id", wardID, "episode_id", ep.ID)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return State{}, nil, fmt.Errorf("load open episode: %w", err)
	}

	return st, pending, nil
}

// endRecoveredSession marks sess as ended by ep and stores it.
func (e *Engine) endRecoveredSession(ctx context.Context, sess *travel.Session, ep sos.Episode) {
	end := ep.StartedAt
	if end.Before(sess.StartedAt) {
		end = e.deps.Now()
	}
	if err := sess.MarkSOS(end); err != nil {
		return
	}
	slog.Warn("travel_event", "event", "recovered_sos_session", "ward_id", sess.WardID, "session_id", sess.ID, "episode_id", ep.ID)
	if err := e.deps.Sessions.SaveSession(ctx, *sess); err != nil {
		slog.Error("travel_session_save_failed", "ward_id", sess.WardID, "session_id", sess.ID, "error", err.Error())
	}
	if err := e.deps.History.AppendHistory(ctx, sess.ToHistory()); err != nil {
		slog.Error("travel_history_append_failed", "ward_id", sess.WardID, "session_id", sess.ID, "error", err.Error())
	}
}
