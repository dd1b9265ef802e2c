// Package geo holds coordinates and straight-line travel estimates.
package geo

import (
	"errors"
	"math"
)

const (
	earthRadiusKm = 6371.0

	// AssumedSpeedKmh is the speed used to turn distance into an ETA.
	AssumedSpeedKmh = 30.0

	// DefaultETAMinutes is used when either endpoint is unknown.
	DefaultETAMinutes = 30
)

var ErrInvalidCoordinates = errors.New("latitude must be within [-90,90] and longitude within [-180,180]")

// Point is a WGS84 position.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the point lies on the globe.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// DistanceKm returns the haversine distance between two points.
func DistanceKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// EstimateETAMinutes returns the straight-line travel time at AssumedSpeedKmh,
// rounded up to whole minutes. Missing endpoints yield DefaultETAMinutes.
// PRE: none
// POST: result >= 1
func EstimateETAMinutes(from, to *Point) int {
	if from == nil || to == nil {
		return DefaultETAMinutes
	}
	minutes := int(math.Ceil(DistanceKm(*from, *to) / AssumedSpeedKmh * 60))
	if minutes < 1 {
		return 1
	}
	return minutes
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
