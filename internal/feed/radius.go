package feed

import "math"

// MetersPerDegreeLatitude approximates one degree of latitude in meters.
const MetersPerDegreeLatitude = 111000

// Radius converts a viewport's latitude span into a query radius in meters,
// clamped to [0, capMeters].
func Radius(latitudeDelta, capMeters float64) float64 {
	r := latitudeDelta * MetersPerDegreeLatitude
	if math.IsNaN(r) || r < 0 {
		r = 0
	}
	if capMeters < 0 || math.IsNaN(capMeters) {
		capMeters = 0
	}
	return math.Min(r, capMeters)
}
