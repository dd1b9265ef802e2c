// Package escalation turns an opened SOS episode into guardian alerts.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/sos"
)

// Defaults applied by New when Options leaves a field zero.
const (
	DefaultLocationTimeout = 5 * time.Second
	DefaultCaptureDuration = 30 * time.Second
)

// LocationProvider returns the ward's last known position.
type LocationProvider interface {
	CurrentLocation(ctx context.Context, wardID string) (*geo.Point, error)
}

// AudioCapture records evidence on the ward's device and returns a reference
// to the stored recording.
type AudioCapture interface {
	CaptureEvidence(ctx context.Context, wardID, episodeID string, d time.Duration) (string, error)
}

// Publisher pushes SOS state to guardians. Repeated calls must be harmless.
type Publisher interface {
	PublishSOSState(ctx context.Context, wardID string, e sos.Episode) error
}

// Alerter queues out-of-band guardian alerts (email). Implementations must
// be idempotent per episode.
type Alerter interface {
	AlertGuardians(ctx context.Context, e sos.Episode) error
}

// EpisodeStore persists the dispatch confirmation.
type EpisodeStore interface {
	SaveEpisode(ctx context.Context, e sos.Episode) error
}

// EvidenceHandler receives a finished capture.
type EvidenceHandler func(ctx context.Context, wardID, episodeID, audioRef string) error

// Deps holds the dispatcher collaborators. Location, Audio and Alerter are optional.
type Deps struct {
	Location  LocationProvider
	Audio     AudioCapture
	Publisher Publisher
	Alerter   Alerter
	Episodes  EpisodeStore
	Now       func() time.Time
}

// Options tunes timeouts.
type Options struct {
	LocationTimeout time.Duration
	CaptureDuration time.Duration
}

// Dispatcher escalates episodes at most once each.
type Dispatcher struct {
	deps Deps
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	alerted    map[string]bool
	captures   map[string]context.CancelFunc
	onEvidence EvidenceHandler
}

// New creates a dispatcher. Call Close to stop outstanding captures.
func New(deps Deps, opts Options) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = DefaultLocationTimeout
	}
	if opts.CaptureDuration <= 0 {
		opts.CaptureDuration = DefaultCaptureDuration
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:     deps,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		alerted:  make(map[string]bool),
		captures: make(map[string]context.CancelFunc),
	}
}

// SetEvidenceHandler registers where finished captures are delivered.
// The engine is built after the dispatcher, so this is set late.
func (d *Dispatcher) SetEvidenceHandler(h EvidenceHandler) {
	d.mu.Lock()
	d.onEvidence = h
	d.mu.Unlock()
}

// Dispatch escalates e and returns it as updated (location, dispatch time).
// PRE: e has been persisted
// POST: on success e.DispatchedAt is set and stored; guardians were alerted
// INVARIANT: alerts and capture start at most once per episode ID
func (d *Dispatcher) Dispatch(ctx context.Context, e sos.Episode) (sos.Episode, error) {
	if !e.NeedsDispatch() {
		return e, nil
	}

	d.mu.Lock()
	alerted := d.alerted[e.ID]
	d.mu.Unlock()

	if !alerted {
		if e.Location == nil {
			e.AttachLocation(d.currentLocation(ctx, e.WardID))
		}
		if err := d.deps.Publisher.PublishSOSState(ctx, e.WardID, e); err != nil {
			slog.Warn("sos_publish_failed", "ward_id", e.WardID, "episode_id", e.ID, "error", err.Error())
		}
		if d.deps.Alerter != nil {
			if err := d.deps.Alerter.AlertGuardians(ctx, e); err != nil {
				return e, fmt.Errorf("alert guardians: %w", err)
			}
		}
		d.mu.Lock()
		d.alerted[e.ID] = true
		d.mu.Unlock()
		d.startCapture(e)
		slog.Info("sos_event", "event", "alerted", "ward_id", e.WardID, "episode_id", e.ID,
			"reason", e.Reason, "has_location", e.Location != nil)
	}

	confirmed := e
	confirmed.MarkDispatched(d.deps.Now())
	if err := d.deps.Episodes.SaveEpisode(ctx, confirmed); err != nil {
		// Unconfirmed so the caller retries; alerts are not repeated.
		return e, fmt.Errorf("save dispatch confirmation: %w", err)
	}
	slog.Info("sos_event", "event", "dispatched", "ward_id", e.WardID, "episode_id", e.ID)
	return confirmed, nil
}

// Release cancels an outstanding capture for the episode.
func (d *Dispatcher) Release(episodeID string) {
	d.mu.Lock()
	cancel, ok := d.captures[episodeID]
	delete(d.captures, episodeID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels all captures and waits for them to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// currentLocation is bounded by LocationTimeout; failure yields nil.
func (d *Dispatcher) currentLocation(ctx context.Context, wardID string) *geo.Point {
	if d.deps.Location == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.LocationTimeout)
	defer cancel()
	p, err := d.deps.Location.CurrentLocation(ctx, wardID)
	if err != nil {
		slog.Warn("sos_location_unavailable", "ward_id", wardID, "error", err.Error())
		return nil
	}
	return p
}

func (d *Dispatcher) startCapture(e sos.Episode) {
	if d.deps.Audio == nil {
		return
	}
	d.mu.Lock()
	if _, running := d.captures[e.ID]; running || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.captures[e.ID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.Release(e.ID)

		ref, err := d.deps.Audio.CaptureEvidence(ctx, e.WardID, e.ID, d.opts.CaptureDuration)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("sos_audio_capture_failed", "ward_id", e.WardID, "episode_id", e.ID, "error", err.Error())
			}
			return
		}

		d.mu.Lock()
		h := d.onEvidence
		d.mu.Unlock()
		if h == nil {
			return
		}
		if err := h(ctx, e.WardID, e.ID, ref); err != nil {
			slog.Error("sos_evidence_attach_failed", "ward_id", e.WardID, "episode_id", e.ID, "error", err.Error())
		}
	}()
}
