// Package safety derives the 0-100 safety score shown to wards and guardians.
package safety

import "math"

// Band labels a score range.
type Band string

const (
	BandSafe     Band = "safe"
	BandModerate Band = "moderate"
	BandDanger   Band = "danger"
)

// Penalty weights applied by Score.
const (
	areaRiskWeight = 0.7

	lateNightPenalty = 25
	eveningPenalty   = 10

	criticalBatteryPenalty = 35
	lowBatteryPenalty      = 20
	halfBatteryPenalty     = 10
)

// Sample is a score derived on demand. It is never persisted.
type Sample struct {
	Battery  int  `json:"battery"`
	Hour     int  `json:"hour"`
	AreaRisk int  `json:"area_risk"`
	Score    int  `json:"score"`
	Band     Band `json:"band"`
}

// Score maps battery (0-100), local hour (0-23) and area risk (0-100) to a
// score in [0,100]. Out-of-range inputs are clamped before scoring.
// PRE: none
// POST: 0 <= result <= 100
func Score(battery, hour, areaRisk int) int {
	battery = clamp(battery, 0, 100)
	hour = clamp(hour, 0, 23)
	areaRisk = clamp(areaRisk, 0, 100)

	score := 100 - float64(areaRisk)*areaRiskWeight

	switch {
	case hour >= 23 || hour <= 5:
		score -= lateNightPenalty
	case hour >= 20:
		score -= eveningPenalty
	}

	switch {
	case battery < 15:
		score -= criticalBatteryPenalty
	case battery < 30:
		score -= lowBatteryPenalty
	case battery < 50:
		score -= halfBatteryPenalty
	}

	score = math.Max(0, math.Min(100, score))
	return int(math.Round(score))
}

// BandFor returns the display band for a score.
func BandFor(score int) Band {
	switch {
	case score >= 80:
		return BandSafe
	case score >= 50:
		return BandModerate
	default:
		return BandDanger
	}
}

// Evaluate scores the inputs and returns the full sample.
func Evaluate(battery, hour, areaRisk int) Sample {
	s := Score(battery, hour, areaRisk)
	return Sample{
		Battery:  battery,
		Hour:     hour,
		AreaRisk: areaRisk,
		Score:    s,
		Band:     BandFor(s),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
