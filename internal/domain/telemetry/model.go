// Package telemetry holds the latest device readings a ward reports.
package telemetry

import (
	"errors"
	"time"

	"safetrail/internal/domain/geo"
)

var (
	ErrEmptyWardID     = errors.New("ward ID is required")
	ErrInvalidBattery  = errors.New("battery must be between 0 and 100")
	ErrInvalidAreaRisk = errors.New("area risk must be between 0 and 100")
)

// Reading is one device report. Location is optional.
type Reading struct {
	WardID     string
	Battery    int
	AreaRisk   int
	Location   *geo.Point
	ReportedAt time.Time
}

// Validate checks if the Reading has valid data.
// PRE: Reading struct is populated
// POST: Returns nil if valid, error otherwise
func (r *Reading) Validate() error {
	if r.WardID == "" {
		return ErrEmptyWardID
	}
	if r.Battery < 0 || r.Battery > 100 {
		return ErrInvalidBattery
	}
	if r.AreaRisk < 0 || r.AreaRisk > 100 {
		return ErrInvalidAreaRisk
	}
	if r.Location != nil {
		return r.Location.Validate()
	}
	return nil
}

// IsStale reports whether the reading is older than maxAge.
func (r Reading) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.ReportedAt) > maxAge
}
