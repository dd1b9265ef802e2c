package safety

import "testing"

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		battery  int
		hour     int
		areaRisk int
		want     int
	}{
		{"worst case", 0, 2, 100, 0},
		{"best case", 100, 12, 0, 100},
		{"late night only", 100, 23, 0, 75},
		{"early morning boundary", 100, 5, 0, 75},
		{"six am no penalty", 100, 6, 0, 100},
		{"evening penalty", 100, 20, 0, 90},
		{"twenty two evening", 100, 22, 0, 90},
		{"critical battery", 14, 12, 0, 65},
		{"low battery", 29, 12, 0, 80},
		{"half battery", 49, 12, 0, 90},
		{"fifty battery no penalty", 50, 12, 0, 100},
		{"area risk rounds", 100, 12, 33, 77},
		{"area risk exact", 100, 12, 10, 93},
		{"combined", 20, 21, 50, 35},
		{"clamps to zero", 5, 0, 90, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.battery, tt.hour, tt.areaRisk); got != tt.want {
				t.Errorf("Score(%d, %d, %d) = %d, want %d", tt.battery, tt.hour, tt.areaRisk, got, tt.want)
			}
		})
	}
}

func TestScore_AlwaysInRange(t *testing.T) {
	for battery := -10; battery <= 110; battery += 7 {
		for hour := -1; hour <= 24; hour++ {
			for risk := -10; risk <= 110; risk += 9 {
				s := Score(battery, hour, risk)
				if s < 0 || s > 100 {
					t.Fatalf("Score(%d, %d, %d) = %d, out of [0,100]", battery, hour, risk, s)
				}
			}
		}
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score int
		want  Band
	}{
		{100, BandSafe},
		{80, BandSafe},
		{79, BandModerate},
		{50, BandModerate},
		{49, BandDanger},
		{0, BandDanger},
	}
	for _, tt := range tests {
		if got := BandFor(tt.score); got != tt.want {
			t.Errorf("BandFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestEvaluate(t *testing.T) {
	s := Evaluate(10, 23, 40)
	if s.Score != 12 {
		t.Errorf("Score = %d, want 12", s.Score)
	}
	if s.Band != BandDanger {
		t.Errorf("Band = %s, want danger", s.Band)
	}
}
