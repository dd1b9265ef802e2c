// Package evidence records SOS audio on the ward's device and keeps the
// uploaded recordings on disk.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"safetrail/internal/adapters/live"
)

// DefaultUploadGrace is how long after the recording ends an upload may still arrive.
const DefaultUploadGrace = 30 * time.Second

var ErrCaptureTimeout = errors.New("audio evidence was not uploaded in time")

// Commander sends control messages to the ward's device.
type Commander interface {
	SendCommand(wardID, typ string, data any) error
}

// Capture asks the ward's device to record and waits for the upload.
type Capture struct {
	cmd   Commander
	grace time.Duration

	mu      sync.Mutex
	waiters map[string]chan string
}

// NewCapture creates a Capture. A non-positive grace uses DefaultUploadGrace.
func NewCapture(cmd Commander, grace time.Duration) *Capture {
	if grace <= 0 {
		grace = DefaultUploadGrace
	}
	return &Capture{cmd: cmd, grace: grace, waiters: make(map[string]chan string)}
}

// UploadPath is where the device posts the recording for an episode.
func UploadPath(episodeID string) string {
	return "/api/sos/" + episodeID + "/audio"
}

// CaptureEvidence requests a recording of d and returns the stored reference.
// PRE: the ward's device is connected
// POST: returns the ref passed to Deliver, or an error on timeout or cancellation
func (c *Capture) CaptureEvidence(ctx context.Context, wardID, episodeID string, d time.Duration) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.waiters[episodeID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[episodeID] == ch {
			delete(c.waiters, episodeID)
		}
		c.mu.Unlock()
	}()

	req := live.CaptureRequestData{
		EpisodeID:       episodeID,
		DurationSeconds: int(d / time.Second),
		UploadPath:      UploadPath(episodeID),
	}
	if err := c.cmd.SendCommand(wardID, live.TypeCaptureRequest, req); err != nil {
		return "", fmt.Errorf("request capture: %w", err)
	}

	timer := time.NewTimer(d + c.grace)
	defer timer.Stop()
	select {
	case ref := <-ch:
		return ref, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrCaptureTimeout
	}
}

// Deliver hands an uploaded recording to the waiting capture. It returns
// false when no capture is waiting, in which case the caller attaches the
// recording itself.
func (c *Capture) Deliver(episodeID, ref string) bool {
	c.mu.Lock()
	ch, ok := c.waiters[episodeID]
	if ok {
		delete(c.waiters, episodeID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- ref
	return true
}
