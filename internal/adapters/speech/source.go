// Package speech feeds transcripts from a ward's device into the voice
// detector. Recognition runs on the device; the server only sees text.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"safetrail/internal/adapters/live"
	"safetrail/internal/application/voice"
)

// ErrStreamClosed is returned by Recv after Close or when a newer stream
// replaced this one.
var ErrStreamClosed = errors.New("speech stream closed")

// Commander sends control messages to the ward's device.
type Commander interface {
	SendCommand(wardID, typ string, data any) error
}

// ErrorForCode maps a device recognition error code to a voice error.
// Capability codes stop the detector; anything else is retried.
func ErrorForCode(code, message string) error {
	switch code {
	case "not-allowed", "permission_denied", "service-not-allowed":
		return voice.ErrPermissionDenied
	case "audio-capture", "no_device":
		return voice.ErrNoDevice
	case "unsupported", "language-not-supported":
		return voice.ErrUnsupported
	}
	if message == "" {
		message = code
	}
	return fmt.Errorf("device recognition error: %s", message)
}

type item struct {
	frag voice.Fragment
	err  error
}

// Router keeps at most one open stream per ward and delivers device
// transcripts to it.
type Router struct {
	cmd Commander

	mu      sync.Mutex
	streams map[string]*stream
}

// NewRouter creates a router that starts and stops recognition through cmd.
func NewRouter(cmd Commander) *Router {
	return &Router{cmd: cmd, streams: make(map[string]*stream)}
}

// Source returns the voice.Source for one ward.
func (r *Router) Source(wardID string) voice.Source {
	return wardSource{router: r, wardID: wardID}
}

// Deliver routes a transcript fragment. It is dropped when nothing listens.
func (r *Router) Deliver(wardID string, frag voice.Fragment) bool {
	return r.push(wardID, item{frag: frag})
}

// Fail ends the ward's open stream with err.
func (r *Router) Fail(wardID string, err error) bool {
	return r.push(wardID, item{err: err})
}

// Disconnect ends the ward's open stream because the device went away.
func (r *Router) Disconnect(wardID string) {
	r.Fail(wardID, live.ErrDeviceOffline)
}

func (r *Router) push(wardID string, it item) bool {
	r.mu.Lock()
	s := r.streams[wardID]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.offer(it)
}

func (r *Router) open(ctx context.Context, wardID string) (voice.Stream, error) {
	if err := r.cmd.SendCommand(wardID, live.TypeListen, live.ListenData{Enabled: true}); err != nil {
		return nil, fmt.Errorf("start device recognition: %w", err)
	}
	s := &stream{
		router: r,
		wardID: wardID,
		items:  make(chan item, 32),
		closed: make(chan struct{}),
	}
	r.mu.Lock()
	prev := r.streams[wardID]
	r.streams[wardID] = s
	r.mu.Unlock()
	if prev != nil {
		prev.shut()
	}
	slog.Debug("speech_stream_opened", "ward_id", wardID)
	return s, nil
}

func (r *Router) release(s *stream) {
	r.mu.Lock()
	current := r.streams[s.wardID] == s
	if current {
		delete(r.streams, s.wardID)
	}
	r.mu.Unlock()
	if !current {
		return
	}
	if err := r.cmd.SendCommand(s.wardID, live.TypeListen, live.ListenData{Enabled: false}); err != nil && !errors.Is(err, live.ErrDeviceOffline) {
		slog.Warn("speech_stop_failed", "ward_id", s.wardID, "error", err.Error())
	}
}

type wardSource struct {
	router *Router
	wardID string
}

func (s wardSource) Open(ctx context.Context) (voice.Stream, error) {
	return s.router.open(ctx, s.wardID)
}

type stream struct {
	router *Router
	wardID string
	items  chan item

	once   sync.Once
	closed chan struct{}
}

// offer never blocks; a full buffer drops the fragment.
func (s *stream) offer(it item) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.items <- it:
		return true
	default:
		slog.Warn("speech_fragment_dropped", "ward_id", s.wardID)
		return false
	}
}

func (s *stream) shut() {
	s.once.Do(func() { close(s.closed) })
}

func (s *stream) Recv(ctx context.Context) (voice.Fragment, error) {
	select {
	case <-ctx.Done():
		return voice.Fragment{}, ctx.Err()
	case <-s.closed:
		return voice.Fragment{}, ErrStreamClosed
	case it := <-s.items:
		return it.frag, it.err
	}
}

func (s *stream) Close() error {
	s.shut()
	s.router.release(s)
	return nil
}
