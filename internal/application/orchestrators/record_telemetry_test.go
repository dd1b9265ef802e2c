package orchestrators

import (
	"context"
	"errors"
	"testing"

	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/safety"
	"safetrail/internal/domain/telemetry"
)

func ptr(f float64) *float64 { return &f }

func TestExecuteRecordTelemetry(t *testing.T) {
	store := &mockReadingStore{}
	deps := RecordTelemetryDeps{Readings: store, Now: clock}
	ctx := context.Background()

	res, err := ExecuteRecordTelemetry(ctx, RecordTelemetryInput{
		WardID: "ward-1", Battery: 15, AreaRisk: 80, Lat: ptr(12.97), Lng: ptr(77.59),
	}, deps)
	if err != nil {
		t.Fatalf("ExecuteRecordTelemetry() error = %v", err)
	}
	if res.Reading.Location == nil || res.Reading.Location.Lat != 12.97 {
		t.Errorf("Location = %+v", res.Reading.Location)
	}
	if want := safety.Evaluate(15, 21, 80); res.Safety != want {
		t.Errorf("Safety = %+v, want %+v", res.Safety, want)
	}
	if len(store.saved) != 1 || !store.saved[0].ReportedAt.Equal(fixedNow) {
		t.Errorf("saved = %+v", store.saved)
	}

	tests := []struct {
		name    string
		input   RecordTelemetryInput
		wantErr error
	}{
		{"battery out of range", RecordTelemetryInput{WardID: "ward-1", Battery: 101}, telemetry.ErrInvalidBattery},
		{"risk out of range", RecordTelemetryInput{WardID: "ward-1", AreaRisk: -1}, telemetry.ErrInvalidAreaRisk},
		{"lat without lng", RecordTelemetryInput{WardID: "ward-1", Lat: ptr(1)}, geo.ErrInvalidCoordinates},
		{"lat off globe", RecordTelemetryInput{WardID: "ward-1", Lat: ptr(91), Lng: ptr(0)}, geo.ErrInvalidCoordinates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExecuteRecordTelemetry(ctx, tt.input, deps); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(store.saved) != 1 {
		t.Errorf("invalid readings were saved: %d", len(store.saved))
	}
}
