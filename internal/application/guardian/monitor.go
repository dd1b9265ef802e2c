// Package guardian polls the state of a guardian's linked wards.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	domain "safetrail/internal/domain/guardian"
)

// DefaultInterval is the polling period.
const DefaultInterval = 5 * time.Second

// Fetcher reads the raw state of every ward linked to a guardian.
// It must not modify anything.
type Fetcher interface {
	FetchWards(ctx context.Context, guardianID string) ([]domain.WardSnapshot, error)
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Location *time.Location
	Now      func() time.Time
	OnUpdate func([]domain.WardStatus)
}

// Monitor keeps the latest derived status of each ward for one guardian.
type Monitor struct {
	guardianID string
	fetcher    Fetcher
	opts       Options

	mu     sync.RWMutex
	latest []domain.WardStatus
	polled bool
}

// NewMonitor creates a monitor that has not polled yet.
func NewMonitor(guardianID string, fetcher Fetcher, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{guardianID: guardianID, fetcher: fetcher, opts: opts}
}

// Poll fetches and derives once.
// POST: on error the previous statuses are kept and OnUpdate is not called
func (m *Monitor) Poll(ctx context.Context) ([]domain.WardStatus, error) {
	snaps, err := m.fetcher.FetchWards(ctx, m.guardianID)
	if err != nil {
		slog.Warn("guardian_poll_failed", "guardian_id", m.guardianID, "error", err.Error())
		return m.Latest(), fmt.Errorf("fetch wards: %w", err)
	}

	now := m.opts.Now()
	statuses := make([]domain.WardStatus, 0, len(snaps))
	for _, s := range snaps {
		statuses = append(statuses, domain.Derive(s, now, m.opts.Location))
	}

	m.mu.Lock()
	m.latest = statuses
	m.polled = true
	m.mu.Unlock()

	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(statuses)
	}
	return statuses, nil
}

// Latest returns the last successful poll.
func (m *Monitor) Latest() []domain.WardStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.WardStatus(nil), m.latest...)
}

// Polled reports whether any poll has succeeded.
func (m *Monitor) Polled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.polled
}

// Run polls immediately and then every Interval until ctx is done.
// Failures are logged and never stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	_, _ = m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.Poll(ctx)
		}
	}
}
