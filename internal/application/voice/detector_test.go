package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// scriptStream replays fragments then returns end.
type scriptStream struct {
	frags []Fragment
	end   error
	hold  bool // block after the script until cancelled
}

func (s *scriptStream) Recv(ctx context.Context) (Fragment, error) {
	if len(s.frags) > 0 {
		f := s.frags[0]
		s.frags = s.frags[1:]
		return f, nil
	}
	if s.hold {
		<-ctx.Done()
		return Fragment{}, ctx.Err()
	}
	return Fragment{}, s.end
}

func (s *scriptStream) Close() error { return nil }

type scriptSource struct {
	mu      sync.Mutex
	streams []*scriptStream
	openErr error
	opens   int
}

func (s *scriptSource) Open(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.openErr != nil {
		return nil, s.openErr
	}
	if len(s.streams) == 0 {
		return &scriptStream{hold: true}, nil
	}
	st := s.streams[0]
	s.streams = s.streams[1:]
	return st, nil
}

func (s *scriptSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type triggerCounter struct {
	mu sync.Mutex
	n  int
	ch chan struct{}
}

func newTriggerCounter() *triggerCounter {
	return &triggerCounter{ch: make(chan struct{}, 16)}
}

func (c *triggerCounter) fire() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *triggerCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDetector_OneTriggerPerUtterance(t *testing.T) {
	src := &scriptSource{streams: []*scriptStream{{
		frags: []Fragment{
			{Text: "help"},
			{Text: "help me"},
			{Text: "help me please", Final: true},
			{Text: "bachao", Final: true},
		},
		hold: true,
	}}}
	triggers := newTriggerCounter()
	d := NewDetector("ward-1", src, nil, triggers.fire, DetectorOptions{})

	d.Enable()
	waitFor(t, func() bool { return triggers.count() == 2 })
	d.Disable()
	d.Wait()

	if got := triggers.count(); got != 2 {
		t.Errorf("triggers = %d, want 2", got)
	}
}

func TestDetector_RestartsAfterStreamEnd(t *testing.T) {
	src := &scriptSource{streams: []*scriptStream{
		{frags: []Fragment{{Text: "hello", Final: true}}, end: io.EOF},
		{frags: []Fragment{{Text: "sos", Final: true}}, hold: true},
	}}
	triggers := newTriggerCounter()
	d := NewDetector("ward-1", src, nil, triggers.fire, DetectorOptions{RestartDelay: time.Millisecond})

	d.Enable()
	select {
	case <-triggers.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger after restart")
	}
	if src.openCount() < 2 {
		t.Errorf("opens = %d, want a restart", src.openCount())
	}
	d.Disable()
	d.Wait()
	if d.Running() {
		t.Error("detector should be stopped")
	}
}

func TestDetector_CapabilityErrorAdvisesOnce(t *testing.T) {
	src := &scriptSource{openErr: ErrPermissionDenied}
	var mu sync.Mutex
	var advisories []error
	d := NewDetector("ward-1", src, nil, func() {}, DetectorOptions{
		RestartDelay: time.Millisecond,
		OnAdvisory: func(err error) {
			mu.Lock()
			advisories = append(advisories, err)
			mu.Unlock()
		},
	})

	d.Enable()
	d.Wait()
	d.Enable() // blocked: no new attempt
	d.Disable()
	d.Disable()

	if src.openCount() != 1 {
		t.Errorf("opens = %d, want 1", src.openCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(advisories) != 1 || !errors.Is(advisories[0], ErrPermissionDenied) {
		t.Errorf("advisories = %v, want one permission error", advisories)
	}
}

func TestDetector_ResetRetries(t *testing.T) {
	src := &scriptSource{openErr: ErrNoDevice}
	d := NewDetector("ward-1", src, nil, func() {}, DetectorOptions{})

	d.Enable()
	d.Wait()

	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()
	d.Reset()

	waitFor(t, func() bool { return src.openCount() == 2 })
	if !d.Running() {
		t.Error("detector should resume after Reset while enabled")
	}
	d.Disable()
	d.Wait()
}

func TestIsCapabilityError(t *testing.T) {
	if !IsCapabilityError(ErrUnsupported) {
		t.Error("ErrUnsupported is a capability error")
	}
	if IsCapabilityError(io.EOF) {
		t.Error("EOF is not a capability error")
	}
}
