// Package geo provides great-circle distance helpers and coarse location
// encoding for dish postings.
package geo

import (
	"math"
	"strings"
)

// EarthRadiusKm is the mean Earth radius used for spherical distance.
const EarthRadiusKm = 6371.0088

// Point is a WGS84 coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within latitude/longitude bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// WithinKm reports whether b lies within radiusKm of a.
func WithinKm(a, b Point, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// KmToMeters converts kilometres to metres, the native unit of PostGIS geography.
func KmToMeters(km float64) float64 {
	return km * 1000
}

// KmToRadians converts a surface distance to the central angle used by
// spherical query operators.
func KmToRadians(km float64) float64 {
	return km / EarthRadiusKm
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// CoarsePrecision is the geohash length used for public dish locations.
// Six characters is roughly a 1.2km x 0.6km cell.
const CoarsePrecision = 6

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash of p with the given number of characters.
// A precision below 1 falls back to CoarsePrecision.
func Encode(p Point, precision int) string {
	if precision < 1 {
		precision = CoarsePrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var sb strings.Builder
	sb.Grow(precision)

	var ch byte
	bit := 0
	even := true
	for sb.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if p.Lng > mid {
				ch |= 1 << (4 - bit)
				lngRange[0] = mid
			} else {
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if p.Lat > mid {
				ch |= 1 << (4 - bit)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}
		even = !even

		bit++
		if bit == 5 {
			sb.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}
	return sb.String()
}

// Coarse returns the public geohash for an optional point, or "" when the
// point is absent or out of bounds. Exact dish coordinates never leave the API.
func Coarse(p *Point) string {
	if p == nil || !p.Valid() {
		return ""
	}
	return Encode(*p, CoarsePrecision)
}
