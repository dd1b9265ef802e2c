package orchestrators

import (
	"context"
	"fmt"
	"time"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/safety"
	"safetrail/internal/domain/telemetry"
)

// ReadingStore persists device readings.
type ReadingStore interface {
	Save(ctx context.Context, r telemetry.Reading) error
}

// RecordTelemetryInput carries one device report.
type RecordTelemetryInput struct {
	WardID   string
	Battery  int
	AreaRisk int
	Lat      *float64
	Lng      *float64
}

// RecordTelemetryDeps holds dependencies for RecordTelemetry.
type RecordTelemetryDeps struct {
	Readings ReadingStore
	Now      func() time.Time
	Location *time.Location // hours for the safety score; nil means local
}

// RecordTelemetryResult is the stored reading and the score it implies.
type RecordTelemetryResult struct {
	Reading telemetry.Reading
	Safety  safety.Sample
}

// ExecuteRecordTelemetry stores the latest device reading for a ward.
// PRE: Battery and AreaRisk within 0..100; Lat and Lng both set or both nil
// POST: Reading saved; Safety evaluated at the report time
func ExecuteRecordTelemetry(ctx context.Context, input RecordTelemetryInput, deps RecordTelemetryDeps) (RecordTelemetryResult, error) {
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}

	r := telemetry.Reading{
		WardID:     input.WardID,
		Battery:    input.Battery,
		AreaRisk:   input.AreaRisk,
		ReportedAt: now(),
	}
	switch {
	case input.Lat != nil && input.Lng != nil:
		r.Location = &geo.Point{Lat: *input.Lat, Lng: *input.Lng}
	case input.Lat != nil || input.Lng != nil:
		return RecordTelemetryResult{}, geo.ErrInvalidCoordinates
	}
	if err := r.Validate(); err != nil {
		return RecordTelemetryResult{}, err
	}

	if err := deps.Readings.Save(ctx, r); err != nil {
		return RecordTelemetryResult{}, fmt.Errorf("save reading: %w", err)
	}

	return RecordTelemetryResult{
		Reading: r,
		Safety:  safety.Evaluate(r.Battery, r.ReportedAt.In(loc).Hour(), r.AreaRisk),
	}, nil
}
