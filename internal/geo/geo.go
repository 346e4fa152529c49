// Package geo holds the two geometric primitives the matching engine needs:
// great-circle distance between survey points and 1-D chainage overlap for
// linear assets. Linear elements are recorded by chainage along the route,
// so overlap is interval arithmetic, not 2-D line intersection.
package geo

import "math"

// EarthRadiusM is the mean Earth radius used for haversine distance.
const EarthRadiusM = 6371000.0

// PointDistanceMeters returns the great-circle distance between two
// lat/lon pairs in meters. NaN inputs propagate as NaN; callers reject
// invalid coordinates before matching.
func PointDistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// SegmentOverlapFraction returns the fraction of the necessity's chainage
// range [necStart, necEnd] covered by the cadastro range [cadStart, cadEnd].
// Disjoint or inverted ranges yield 0; the result is clamped to [0, 1].
func SegmentOverlapFraction(necStart, necEnd, cadStart, cadEnd float64) float64 {
	if necEnd <= necStart || cadEnd <= cadStart {
		return 0
	}
	lo := math.Max(necStart, cadStart)
	hi := math.Min(necEnd, cadEnd)
	if hi <= lo {
		return 0
	}
	frac := (hi - lo) / (necEnd - necStart)
	return math.Max(0, math.Min(1, frac))
}
