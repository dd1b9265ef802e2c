package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// --- Mocks ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type tickerSource struct {
	mu      sync.Mutex
	current *manualTicker
}

func (s *tickerSource) New(time.Duration) Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	return t
}

func (s *tickerSource) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && !s.current.isStopped()
}

// deliver hands one tick to the current ticker's monitor. The monitor may
// not have reduced it yet; use harness.tick to wait for that.
func (s *tickerSource) deliver(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil || cur.isStopped() {
		t.Fatal("no ticker running")
	}
	select {
	case cur.ch <- time.Time{}:
	case <-time.After(2 * time.Second):
		t.Fatal("tick not consumed")
	}
}

type memStore struct {
	mu              sync.Mutex
	sessions        map[string]travel.Session
	history         []travel.HistoryRecord
	episodes        map[string]sos.Episode
	failEpisodeSave int
	failSessionSave int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]travel.Session),
		episodes: make(map[string]sos.Episode),
	}
}

func (s *memStore) SaveSession(_ context.Context, sess travel.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSessionSave > 0 {
		s.failSessionSave--
		return errors.New("database is locked")
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) GetActiveSession(_ context.Context, wardID string) (travel.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.WardID == wardID && sess.IsActive() {
			return sess, nil
		}
	}
	return travel.Session{}, sql.ErrNoRows
}

func (s *memStore) ListActiveSessions(_ context.Context) ([]travel.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []travel.Session
	for _, sess := range s.sessions {
		if sess.IsActive() {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *memStore) AppendHistory(_ context.Context, rec travel.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

func (s *memStore) SaveEpisode(_ context.Context, e sos.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEpisodeSave > 0 {
		s.failEpisodeSave--
		return errors.New("database is locked")
	}
	s.episodes[e.ID] = e
	return nil
}

func (s *memStore) GetEpisode(_ context.Context, id string) (sos.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return sos.Episode{}, sql.ErrNoRows
	}
	return e, nil
}

func (s *memStore) GetOpenEpisode(_ context.Context, wardID string) (sos.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.episodes {
		if e.WardID == wardID && e.IsOpen() {
			return e, nil
		}
	}
	return sos.Episode{}, sql.ErrNoRows
}

func (s *memStore) ListOpenEpisodes(_ context.Context) ([]sos.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sos.Episode
	for _, e := range s.episodes {
		if e.IsOpen() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) counts(wardID string) (active, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.WardID == wardID && sess.IsActive() {
			active++
		}
	}
	for _, e := range s.episodes {
		if e.WardID == wardID && e.IsOpen() {
			open++
		}
	}
	return active, open
}

type recordingPublisher struct {
	mu       sync.Mutex
	travel   []travel.Session
	prompts  []prompt.Prompt
	episodes []sos.Episode
}

func (p *recordingPublisher) PublishTravelState(_ context.Context, _ string, s travel.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.travel = append(p.travel, s)
	return nil
}

func (p *recordingPublisher) PublishPrompt(_ context.Context, _ string, pr prompt.Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, pr)
	return nil
}

func (p *recordingPublisher) PublishSOSState(_ context.Context, _ string, e sos.Episode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.episodes = append(p.episodes, e)
	return nil
}

func (p *recordingPublisher) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type countingDispatcher struct {
	mu       sync.Mutex
	store    *memStore
	calls    map[string]int
	released []string
	// notPersisted records dispatches attempted before the episode was stored.
	notPersisted int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, e sos.Episode) (sos.Episode, error) {
	if _, err := d.store.GetEpisode(ctx, e.ID); err != nil {
		d.mu.Lock()
		d.notPersisted++
		d.mu.Unlock()
	}
	d.mu.Lock()
	d.calls[e.ID]++
	d.mu.Unlock()
	e.MarkDispatched(e.StartedAt.Add(time.Second))
	return e, d.store.SaveEpisode(ctx, e)
}

func (d *countingDispatcher) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, id)
}

func (d *countingDispatcher) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

type fakeListener struct {
	mu      sync.Mutex
	enabled bool
	toggles int
	trigger func()
}

func (l *fakeListener) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		l.toggles++
	}
	l.enabled = true
}

func (l *fakeListener) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		l.toggles++
	}
	l.enabled = false
}

func (l *fakeListener) isEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

type harness struct {
	engine     *Engine
	clock      *fakeClock
	ticks      *tickerSource
	store      *memStore
	publisher  *recordingPublisher
	dispatcher *countingDispatcher
	listener   *fakeListener
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{now: start},
		ticks:     &tickerSource{},
		store:     newMemStore(),
		publisher: &recordingPublisher{},
		listener:  &fakeListener{},
	}
	h.dispatcher = &countingDispatcher{store: h.store, calls: make(map[string]int)}
	n := 0
	var idMu sync.Mutex
	h.engine = New(Deps{
		Sessions:   h.store,
		History:    h.store,
		Episodes:   h.store,
		Publisher:  h.publisher,
		Dispatcher: h.dispatcher,
		Voice: func(_ string, onTrigger func()) VoiceListener {
			h.listener.trigger = onTrigger
			return h.listener
		},
		Now: h.clock.Now,
		GenerateID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		},
		NewTicker: h.ticks.New,
	}, Options{Location: time.UTC})
	t.Cleanup(h.engine.Close)
	return h
}

// tick delivers one tick to ward-1 and returns once it has been reduced.
// Commands are handled in order, so the snapshot that follows cannot be
// answered before the tick.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.ticks.deliver(t)
	h.snapshot(t, "ward-1")
}

func (h *harness) snapshot(t *testing.T, wardID string) Snapshot {
	t.Helper()
	snap, err := h.engine.Snapshot(context.Background(), wardID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

// --- Tests ---

func TestEngine_StartTravel(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()

	snap, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil)
	if err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	if snap.Phase != PhaseTraveling {
		t.Errorf("Phase = %s, want traveling", snap.Phase)
	}
	if !snap.Session.ExpectedArrival.Equal(fixedTime.Add(30 * time.Minute)) {
		t.Errorf("ExpectedArrival = %v, want T+30m", snap.Session.ExpectedArrival)
	}
	if active, _ := h.store.counts("ward-1"); active != 1 {
		t.Errorf("active sessions stored = %d, want 1", active)
	}
	if !h.ticks.running() {
		t.Error("ticker should run while traveling")
	}

	if _, err := h.engine.StartTravel(ctx, "ward-1", "Work", 10, nil); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second StartTravel error = %v, want ErrSessionActive", err)
	}
	if _, err := h.engine.StartTravel(ctx, "ward-2", "Work", 0, nil); !errors.Is(err, travel.ErrInvalidETA) {
		t.Errorf("zero eta error = %v, want ErrInvalidETA", err)
	}
}

func TestEngine_LatePromptOpensExactlyOnce(t *testing.T) {
	h := newHarness(t, fixedTime)
	if _, err := h.engine.StartTravel(context.Background(), "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}

	h.clock.Advance(31 * time.Minute)
	h.tick(t)
	h.clock.Advance(10 * time.Second)
	h.tick(t)

	snap := h.snapshot(t, "ward-1")
	if snap.Phase != PhaseLateUnacknowledged {
		t.Fatalf("Phase = %s, want late_unacknowledged", snap.Phase)
	}
	if n := h.publisher.promptCount(); n != 1 {
		t.Errorf("prompts published = %d, want 1", n)
	}
}

func TestEngine_PromptTimeoutDispatchesOnce(t *testing.T) {
	h := newHarness(t, fixedTime)
	if _, err := h.engine.StartTravel(context.Background(), "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}

	h.clock.Advance(31 * time.Minute)
	h.tick(t)
	h.clock.Advance(60 * time.Second)
	h.tick(t)

	snap := h.snapshot(t, "ward-1")
	if snap.Phase != PhaseResolvedSOS {
		t.Fatalf("Phase = %s, want resolved_sos", snap.Phase)
	}
	if snap.Episode == nil || snap.Episode.Reason != sos.ReasonLateTimeout {
		t.Fatalf("Episode = %+v, want late_timeout", snap.Episode)
	}
	if !snap.Episode.IsDispatched() {
		t.Error("episode should be confirmed as dispatched")
	}
	if h.dispatcher.total() != 1 {
		t.Errorf("dispatch calls = %d, want 1", h.dispatcher.total())
	}
	if h.ticks.running() {
		t.Error("tick loop should stop once the session is terminal")
	}

	// A manual SOS while the episode is open is rejected and does not dispatch again.
	if _, err := h.engine.ActivateSOS(context.Background(), "ward-1", sos.ReasonManual); !errors.Is(err, ErrSOSActive) {
		t.Errorf("ActivateSOS error = %v, want ErrSOSActive", err)
	}
	if h.dispatcher.total() != 1 {
		t.Errorf("dispatch calls = %d, want 1", h.dispatcher.total())
	}
}

func TestEngine_MidJourneyPromptOnce(t *testing.T) {
	h := newHarness(t, nightTime)
	ctx := context.Background()
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Hostel", 40, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}

	h.clock.Advance(20 * time.Minute)
	h.tick(t)
	if snap := h.snapshot(t, "ward-1"); snap.Phase != PhaseMidJourneyPending {
		t.Fatalf("Phase = %s, want mid_journey_pending", snap.Phase)
	}
	if _, err := h.engine.ResolvePromptSafe(ctx, "ward-1"); err != nil {
		t.Fatalf("ResolvePromptSafe() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Minute)
		h.tick(t)
	}
	if n := h.publisher.promptCount(); n != 1 {
		t.Errorf("prompts published = %d, want 1", n)
	}
}

func TestEngine_VoiceTriggerDebounced(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	if _, err := h.engine.SetVoiceEnabled(ctx, "ward-1", true); err != nil {
		t.Fatalf("SetVoiceEnabled() error = %v", err)
	}
	if h.listener.isEnabled() {
		t.Fatal("listener must not run while idle")
	}
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	if !h.listener.isEnabled() {
		t.Fatal("listener should run while traveling with voice enabled")
	}

	h.listener.trigger()
	snap := h.snapshot(t, "ward-1")
	if snap.Phase != PhaseResolvedSOS || snap.Episode.Reason != sos.ReasonVoice {
		t.Fatalf("Phase = %s Episode = %+v, want voice SOS", snap.Phase, snap.Episode)
	}
	if h.listener.isEnabled() {
		t.Error("listener should stop once the session ends")
	}

	if !h.engine.VoiceTrigger("ward-1") {
		t.Fatal("VoiceTrigger should reach the running monitor")
	}
	h.snapshot(t, "ward-1")
	if _, open := h.store.counts("ward-1"); open != 1 {
		t.Errorf("open episodes = %d, want 1", open)
	}
	if h.dispatcher.total() != 1 {
		t.Errorf("dispatch calls = %d, want 1", h.dispatcher.total())
	}
	if h.engine.VoiceTrigger("nobody") {
		t.Error("VoiceTrigger for unknown ward should report false")
	}
}

func TestEngine_StopTravelCancelsPrompt(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	h.tick(t)

	snap, err := h.engine.StopTravel(ctx, "ward-1", true)
	if err != nil {
		t.Fatalf("StopTravel() error = %v", err)
	}
	if snap.Phase != PhaseResolvedCompleted {
		t.Errorf("Phase = %s, want resolved_completed", snap.Phase)
	}
	if snap.Prompt != nil {
		t.Errorf("Prompt = %+v, want discarded", snap.Prompt)
	}
	if snap.Episode != nil || h.dispatcher.total() != 0 {
		t.Error("stop must not escalate")
	}
	if h.ticks.running() {
		t.Error("tick loop should stop")
	}
	if _, err := h.engine.StopTravel(ctx, "ward-1", true); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("second StopTravel error = %v, want ErrNoActiveSession", err)
	}
}

func TestEngine_HistoryPreservesResolution(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	h.clock.Advance(45 * time.Minute)
	if _, err := h.engine.StopTravel(ctx, "ward-1", true); err != nil {
		t.Fatalf("StopTravel() error = %v", err)
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if len(h.store.history) != 1 {
		t.Fatalf("history = %d records, want 1", len(h.store.history))
	}
	rec := h.store.history[0]
	if rec.Status != travel.StatusCompleted || !rec.Delayed || !rec.ArrivedSafely {
		t.Errorf("record = %+v", rec)
	}
	if !rec.StartedAt.Equal(fixedTime) || !rec.EndedAt.Equal(fixedTime.Add(45*time.Minute)) {
		t.Errorf("times = %v..%v", rec.StartedAt, rec.EndedAt)
	}
}

func TestEngine_EpisodeDurableBeforeDispatch(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	h.store.mu.Lock()
	h.store.failEpisodeSave = 1
	h.store.mu.Unlock()

	snap, err := h.engine.ActivateSOS(ctx, "ward-1", sos.ReasonManual)
	if err != nil {
		t.Fatalf("ActivateSOS() error = %v", err)
	}
	if snap.Phase != PhaseResolvedSOS {
		t.Fatalf("Phase = %s, want resolved_sos", snap.Phase)
	}
	if h.dispatcher.total() != 0 {
		t.Fatal("dispatch must wait until the episode is stored")
	}
	if !h.ticks.running() {
		t.Fatal("ticker should keep running to retry the escalation")
	}

	h.tick(t)
	h.snapshot(t, "ward-1")
	if h.dispatcher.total() != 1 {
		t.Errorf("dispatch calls = %d, want 1", h.dispatcher.total())
	}
	if h.dispatcher.notPersisted != 0 {
		t.Error("dispatch ran before the episode was durable")
	}
	if h.ticks.running() {
		t.Error("ticker should stop once the escalation is confirmed")
	}
}

func TestEngine_RecoverRedispatches(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()

	pending, _ := sos.New("ep-pending", "ward-1", "", sos.ReasonVoice, fixedTime.Add(-time.Minute))
	done, _ := sos.New("ep-done", "ward-2", "", sos.ReasonManual, fixedTime.Add(-time.Minute))
	done.MarkDispatched(fixedTime.Add(-50 * time.Second))
	_ = h.store.SaveEpisode(ctx, pending)
	_ = h.store.SaveEpisode(ctx, done)

	sess, _ := travel.New("s-3", "ward-3", "Home", 30, nil, fixedTime.Add(-10*time.Minute), time.UTC)
	sess.LatePromptShown = true
	_ = h.store.SaveSession(ctx, sess)

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	if snap := h.snapshot(t, "ward-1"); snap.Phase != PhaseResolvedSOS || !snap.Episode.IsDispatched() {
		t.Errorf("ward-1 = %s dispatched=%v", snap.Phase, snap.Episode.IsDispatched())
	}
	h.snapshot(t, "ward-2")
	snap := h.snapshot(t, "ward-3")
	if snap.Phase != PhaseTraveling {
		t.Errorf("ward-3 phase = %s, want traveling", snap.Phase)
	}
	if snap.Session.LatePromptShown {
		t.Error("recovered session should re-arm late detection")
	}

	h.dispatcher.mu.Lock()
	defer h.dispatcher.mu.Unlock()
	if h.dispatcher.calls["ep-pending"] != 1 || h.dispatcher.calls["ep-done"] != 0 {
		t.Errorf("dispatch calls = %v, want only ep-pending once", h.dispatcher.calls)
	}
}

func TestEngine_ResolveSOSAndAttachEvidence(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()

	snap, err := h.engine.ActivateSOS(ctx, "ward-1", sos.ReasonManual)
	if err != nil {
		t.Fatalf("ActivateSOS() error = %v", err)
	}
	id := snap.Episode.ID
	if snap.Episode.SessionID != "" {
		t.Error("SOS from idle should not reference a session")
	}

	if err := h.engine.AttachEvidence(ctx, "ward-1", id, "ev-1"); err != nil {
		t.Fatalf("AttachEvidence() error = %v", err)
	}
	stored, _ := h.store.GetEpisode(ctx, id)
	if stored.AudioRef != "ev-1" || !stored.IsDispatched() {
		t.Errorf("stored episode = %+v", stored)
	}

	snap, err = h.engine.ResolveSOS(ctx, "ward-1", "guardian-1")
	if err != nil {
		t.Fatalf("ResolveSOS() error = %v", err)
	}
	if snap.Phase != PhaseIdle || snap.Episode.AudioRef != "ev-1" {
		t.Errorf("after resolve: phase = %s episode = %+v", snap.Phase, snap.Episode)
	}
	h.dispatcher.mu.Lock()
	released := append([]string(nil), h.dispatcher.released...)
	h.dispatcher.mu.Unlock()
	if len(released) != 1 || released[0] != id {
		t.Errorf("released = %v, want [%s]", released, id)
	}

	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Errorf("StartTravel after resolution error = %v", err)
	}
}

func TestEngine_CloseTearsDown(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	_, _ = h.engine.SetVoiceEnabled(ctx, "ward-1", true)
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}

	h.engine.Close()

	if h.listener.isEnabled() {
		t.Error("listener should be released on close")
	}
	if h.ticks.running() {
		t.Error("ticker should be stopped on close")
	}
	if _, err := h.engine.Snapshot(ctx, "ward-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Snapshot after Close error = %v, want ErrClosed", err)
	}
}

func TestEngine_AtMostOneActiveSessionAndEpisode(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	wards := []string{"ward-a", "ward-b", "ward-c"}

	ops := []func(string){
		func(w string) { _, _ = h.engine.StartTravel(ctx, w, "Home", 1+rng.Intn(30), nil) },
		func(w string) { _, _ = h.engine.ExtendTime(ctx, w, 1+rng.Intn(10)) },
		func(w string) { _, _ = h.engine.AcknowledgeDelay(ctx, w) },
		func(w string) { _, _ = h.engine.StopTravel(ctx, w, rng.Intn(2) == 0) },
		func(w string) { _, _ = h.engine.ActivateSOS(ctx, w, sos.ReasonManual) },
		func(w string) { _, _ = h.engine.ResolvePromptSafe(ctx, w) },
		func(w string) { _, _ = h.engine.ResolvePromptSOS(ctx, w) },
		func(w string) { _, _ = h.engine.ResolveSOS(ctx, w, w) },
		func(w string) { h.engine.VoiceTrigger(w) },
		func(string) { h.clock.Advance(time.Duration(rng.Intn(600)) * time.Second) },
	}

	for i := 0; i < 500; i++ {
		w := wards[rng.Intn(len(wards))]
		ops[rng.Intn(len(ops))](w)
		for _, w := range wards {
			h.snapshot(t, w)
			active, open := h.store.counts(w)
			if active > 1 || open > 1 {
				t.Fatalf("step %d: ward %s has %d active sessions and %d open episodes", i, w, active, open)
			}
			if active == 1 && open == 1 {
				t.Fatalf("step %d: ward %s has an active session alongside an open episode", i, w)
			}
		}
	}
}

func TestEngine_SessionDurableBeforeEpisode(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	snap, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil)
	if err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	sessionID := snap.Session.ID
	h.store.mu.Lock()
	h.store.failSessionSave = 1
	h.store.mu.Unlock()

	snap, err = h.engine.ActivateSOS(ctx, "ward-1", sos.ReasonManual)
	if err != nil {
		t.Fatalf("ActivateSOS() error = %v", err)
	}
	if snap.Phase != PhaseResolvedSOS {
		t.Fatalf("Phase = %s, want resolved_sos", snap.Phase)
	}
	if _, open := h.store.counts("ward-1"); open != 0 {
		t.Fatal("episode stored before the session was ended")
	}
	if h.dispatcher.total() != 0 {
		t.Fatal("dispatch must wait until the session is stored")
	}

	h.tick(t)
	h.store.mu.Lock()
	stored := h.store.sessions[sessionID]
	h.store.mu.Unlock()
	if stored.Status != travel.StatusSOS {
		t.Errorf("stored session status = %s, want sos", stored.Status)
	}
	if active, open := h.store.counts("ward-1"); active != 0 || open != 1 {
		t.Errorf("active = %d open = %d, want 0 and 1", active, open)
	}
	if h.dispatcher.total() != 1 || h.dispatcher.notPersisted != 0 {
		t.Errorf("dispatch calls = %d (not persisted %d), want 1", h.dispatcher.total(), h.dispatcher.notPersisted)
	}
}

func TestEngine_RecoverEndsSessionUnderOpenEpisode(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()

	sess, _ := travel.New("s-1", "ward-1", "Home", 30, nil, fixedTime.Add(-10*time.Minute), time.UTC)
	_ = h.store.SaveSession(ctx, sess)
	ep, _ := sos.New("ep-1", "ward-1", "s-1", sos.ReasonManual, fixedTime.Add(-5*time.Minute))
	ep.MarkDispatched(fixedTime.Add(-4 * time.Minute))
	_ = h.store.SaveEpisode(ctx, ep)

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	snap := h.snapshot(t, "ward-1")
	if snap.Phase != PhaseResolvedSOS || snap.OpenEpisode() == nil {
		t.Fatalf("Phase = %s episode = %+v, want resolved_sos with ep-1", snap.Phase, snap.Episode)
	}
	if snap.Session.Status != travel.StatusSOS || !snap.Session.EndedAt.Equal(ep.StartedAt) {
		t.Errorf("Session = %+v, want ended as sos at the episode start", snap.Session)
	}
	if active, _ := h.store.counts("ward-1"); active != 0 {
		t.Errorf("active sessions stored = %d, want 0", active)
	}

	h.clock.Advance(41 * time.Minute)
	snap = h.snapshot(t, "ward-1")
	if snap.OpenPrompt() != nil || snap.Phase != PhaseResolvedSOS {
		t.Errorf("after 41m: phase = %s prompt = %+v", snap.Phase, snap.Prompt)
	}
	if h.dispatcher.total() != 0 {
		t.Errorf("dispatch calls = %d, want 0", h.dispatcher.total())
	}
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Work", 10, nil); !errors.Is(err, ErrSOSActive) {
		t.Errorf("StartTravel error = %v, want ErrSOSActive", err)
	}
}

// waitForMonitors polls until the engine holds want monitors.
func waitForMonitors(t *testing.T, e *Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.monitorCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("monitors = %d, want %d", e.monitorCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_RetiresIdleMonitors(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()

	if snap := h.snapshot(t, "ward-9"); snap.Phase != PhaseIdle {
		t.Fatalf("Phase = %s, want idle", snap.Phase)
	}
	waitForMonitors(t, h.engine, 0)

	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	waitForMonitors(t, h.engine, 1)
	if _, err := h.engine.StopTravel(ctx, "ward-1", true); err != nil {
		t.Fatalf("StopTravel() error = %v", err)
	}
	waitForMonitors(t, h.engine, 0)

	// A ward that opted into voice keeps its monitor.
	if _, err := h.engine.SetVoiceEnabled(ctx, "ward-2", true); err != nil {
		t.Fatalf("SetVoiceEnabled() error = %v", err)
	}
	waitForMonitors(t, h.engine, 1)

	// State is reloaded from the stores on the next command.
	snap, err := h.engine.StartTravel(ctx, "ward-1", "Work", 15, nil)
	if err != nil {
		t.Fatalf("StartTravel after retirement error = %v", err)
	}
	if snap.Phase != PhaseTraveling || snap.Session.Destination != "Work" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestEngine_VoiceListensWhileCheckPending(t *testing.T) {
	h := newHarness(t, fixedTime)
	ctx := context.Background()
	if _, err := h.engine.SetVoiceEnabled(ctx, "ward-1", true); err != nil {
		t.Fatalf("SetVoiceEnabled() error = %v", err)
	}
	if _, err := h.engine.StartTravel(ctx, "ward-1", "Home", 30, nil); err != nil {
		t.Fatalf("StartTravel() error = %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	h.tick(t)

	if snap := h.snapshot(t, "ward-1"); snap.Phase != PhaseLateUnacknowledged {
		t.Fatalf("Phase = %s, want late_unacknowledged", snap.Phase)
	}
	if !h.listener.isEnabled() {
		t.Fatal("listener should keep running while a safety check is open")
	}
	h.listener.trigger()
	snap := h.snapshot(t, "ward-1")
	if snap.Episode == nil || snap.Episode.Reason != sos.ReasonVoice {
		t.Errorf("Episode = %+v, want voice SOS", snap.Episode)
	}
	if snap.Prompt == nil || snap.Prompt.Resolution != prompt.ResolutionSOS {
		t.Errorf("Prompt = %+v, want closed as sos", snap.Prompt)
	}
}
