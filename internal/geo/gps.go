// Package geo implements the fixed-point GPS predicate and bounding-box
// search helpers the validator and profile search rely on (spec.md §4.1,
// §4.6), grounded on the teacher's core/geolocation_network.go location
// filter but reworked around the spec's fixed-point encoding rather than
// float64 degrees.
package geo

import "github.com/nimbusid/profileserver/identity"

// Scale is the fixed-point resolution: a stored Latitude/Longitude value is
// the true coordinate in degrees multiplied by Scale.
const Scale = 1e7

const (
	minLatitude  = -90 * Scale
	maxLatitude  = 90 * Scale
	minLongitude = -180 * Scale
	maxLongitude = 180 * Scale
)

// Valid reports whether loc is either the reserved "no location" sentinel
// or a coordinate pair within the valid latitude/longitude ranges
// (spec.md §4.1 rule 5).
func Valid(loc identity.Location) bool {
	if loc == identity.NoLocation {
		return true
	}
	if loc.Latitude < minLatitude || loc.Latitude > maxLatitude {
		return false
	}
	if loc.Longitude < minLongitude || loc.Longitude > maxLongitude {
		return false
	}
	return true
}

// HasLocation reports whether loc is a real (non-sentinel) coordinate.
func HasLocation(loc identity.Location) bool {
	return loc != identity.NoLocation
}

// DegreesToFixed converts a float64 degree value to the stored fixed-point
// representation.
func DegreesToFixed(deg float64) int32 {
	return int32(deg * Scale)
}

// FixedToDegrees converts a stored fixed-point value back to float64
// degrees, for logging and the admin HTTP surface.
func FixedToDegrees(fixed int32) float64 {
	return float64(fixed) / Scale
}

// WithinRadius reports whether loc falls within radiusMeters of center,
// using an equirectangular approximation appropriate for the search
// radii the profile search API exposes (spec.md §4.1, §4.6). Both inputs
// must be real (non-sentinel) locations.
func WithinRadius(center, loc identity.Location, radiusMeters int32) bool {
	const metersPerDegreeLat = 111320.0
	dLat := FixedToDegrees(loc.Latitude) - FixedToDegrees(center.Latitude)
	dLon := FixedToDegrees(loc.Longitude) - FixedToDegrees(center.Longitude)

	y := dLat * metersPerDegreeLat
	x := dLon * metersPerDegreeLat * cosApprox(FixedToDegrees(center.Latitude))
	distSq := x*x + y*y
	r := float64(radiusMeters)
	return distSq <= r*r
}

// cosApprox is a small-angle-independent cosine via a Taylor-ish table-free
// approximation sufficient for bounding-box prefiltering; callers needing
// geodesic precision should do so in the store's search implementation.
func cosApprox(degrees float64) float64 {
	rad := degrees * (3.14159265358979323846 / 180.0)
	x2 := rad * rad
	return 1 - x2/2 + (x2*x2)/24 - (x2*x2*x2)/720
}

// BoundingBox returns conservative fixed-point min/max latitude and
// longitude for a radius search around center, usable as a prefilter by a
// store implementation before the precise WithinRadius check.
func BoundingBox(center identity.Location, radiusMeters int32) (minLat, maxLat, minLon, maxLon int32) {
	const metersPerDegreeLat = 111320.0
	dLat := float64(radiusMeters) / metersPerDegreeLat
	cos := cosApprox(FixedToDegrees(center.Latitude))
	if cos < 0.01 {
		cos = 0.01
	}
	dLon := float64(radiusMeters) / (metersPerDegreeLat * cos)

	minLat = clampLat(center.Latitude - DegreesToFixed(dLat))
	maxLat = clampLat(center.Latitude + DegreesToFixed(dLat))
	minLon = clampLon(center.Longitude - DegreesToFixed(dLon))
	maxLon = clampLon(center.Longitude + DegreesToFixed(dLon))
	return
}

func clampLat(v int32) int32 {
	if v < minLatitude {
		return minLatitude
	}
	if v > maxLatitude {
		return maxLatitude
	}
	return v
}

func clampLon(v int32) int32 {
	if v < minLongitude {
		return minLongitude
	}
	if v > maxLongitude {
		return maxLongitude
	}
	return v
}
