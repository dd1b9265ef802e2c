package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRestartDelay is the pause before reopening a stream that ended.
const DefaultRestartDelay = time.Second

// Capability errors. Once reported the detector stops retrying until Reset.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone available")
	ErrUnsupported      = errors.New("speech recognition not supported on this device")
)

// IsCapabilityError reports whether err means listening cannot work at all.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice) || errors.Is(err, ErrUnsupported)
}

// Fragment is a piece of recognised speech. Final closes an utterance.
type Fragment struct {
	Text  string
	Final bool
}

// Stream yields fragments until it ends or fails.
type Stream interface {
	Recv(ctx context.Context) (Fragment, error)
	Close() error
}

// Source opens recognition streams for one ward.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Detector keeps a recognition stream running while enabled and reports
// keyword matches through onTrigger. It never escalates on its own.
type Detector struct {
	wardID       string
	source       Source
	matcher      *Matcher
	onTrigger    func()
	onAdvisory   func(error)
	restartDelay time.Duration

	mu      sync.Mutex
	desired bool
	blocked bool
	advised bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	RestartDelay time.Duration
	// OnAdvisory is called once when listening cannot work on this device.
	OnAdvisory func(error)
}

// NewDetector creates a disabled detector.
func NewDetector(wardID string, source Source, matcher *Matcher, onTrigger func(), opts DetectorOptions) *Detector {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if matcher == nil {
		matcher = NewMatcher(nil)
	}
	return &Detector{
		wardID:       wardID,
		source:       source,
		matcher:      matcher,
		onTrigger:    onTrigger,
		onAdvisory:   opts.OnAdvisory,
		restartDelay: opts.RestartDelay,
	}
}

// Enable starts listening. It is idempotent.
func (d *Detector) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.desired = true
	d.startLocked()
}

// Disable stops listening. It is idempotent and does not wait.
func (d *Detector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.desired = false
	d.stopLocked()
}

// Reset clears a capability failure and resumes listening if still enabled.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked = false
	d.advised = false
	if d.desired {
		d.startLocked()
	}
}

// Running reports whether a listen loop is active.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Wait blocks until the current listen loop, if any, has exited.
func (d *Detector) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *Detector) startLocked() {
	if d.blocked || d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go d.run(ctx, done)
	slog.Info("voice_event", "event", "listening", "ward_id", d.wardID)
}

func (d *Detector) stopLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Detector) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := d.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if IsCapabilityError(err) {
			d.fail(err, done)
			return
		}
		if err != nil {
			slog.Warn("voice_stream_ended", "ward_id", d.wardID, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.restartDelay):
		}
	}
}

// listenOnce consumes one stream. A trigger fires at most once per utterance.
func (d *Detector) listenOnce(ctx context.Context) error {
	stream, err := d.source.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	latched := false
	for {
		f, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		if !latched && d.matcher.Match(f.Text) {
			latched = true
			slog.Info("voice_event", "event", "keyword_detected", "ward_id", d.wardID)
			d.onTrigger()
		}
		if f.Final {
			latched = false
		}
	}
}

// fail disables the detector and reports the cause once.
func (d *Detector) fail(err error, done chan struct{}) {
	d.mu.Lock()
	d.blocked = true
	if d.done == done {
		d.stopLocked()
	}
	notify := !d.advised
	d.advised = true
	d.mu.Unlock()

	slog.Warn("voice_unavailable", "ward_id", d.wardID, "error", err.Error())
	if notify && d.onAdvisory != nil {
		d.onAdvisory(err)
	}
}
