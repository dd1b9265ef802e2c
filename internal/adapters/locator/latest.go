// Package locator answers "where is the ward" from the latest device report.
package locator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/telemetry"
)

// DefaultMaxAge is how old a position may be before it is ignored.
const DefaultMaxAge = 10 * time.Minute

var (
	ErrNoFix    = errors.New("ward has not reported a position")
	ErrStaleFix = errors.New("last reported position is too old")
)

// ReadingSource returns the latest telemetry for a ward.
type ReadingSource interface {
	GetLatest(ctx context.Context, wardID string) (telemetry.Reading, error)
}

// Latest serves the most recent reported position.
type Latest struct {
	readings ReadingSource
	maxAge   time.Duration
	now      func() time.Time
}

// NewLatest creates a Latest. A non-positive maxAge uses DefaultMaxAge.
func NewLatest(readings ReadingSource, maxAge time.Duration) *Latest {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Latest{readings: readings, maxAge: maxAge, now: time.Now}
}

// WithClock overrides the time source.
func (l *Latest) WithClock(now func() time.Time) *Latest {
	l.now = now
	return l
}

// CurrentLocation returns the ward's last position if it is fresh enough.
// POST: a non-nil point is returned only with a nil error
func (l *Latest) CurrentLocation(ctx context.Context, wardID string) (*geo.Point, error) {
	r, err := l.readings.GetLatest(ctx, wardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoFix
	}
	if err != nil {
		return nil, fmt.Errorf("latest reading: %w", err)
	}
	if r.Location == nil {
		return nil, ErrNoFix
	}
	if r.IsStale(l.now(), l.maxAge) {
		return nil, ErrStaleFix
	}
	p := *r.Location
	return &p, nil
}
