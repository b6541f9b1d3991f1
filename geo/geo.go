package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean earth radius used for all distances
const EarthRadiusMeters = 6371000.0

// Point is a latitude/longitude pair in degrees
type Point struct {
	Lat float64
	Lng float64
}

// DistanceMeters returns the great-circle distance between two points
func DistanceMeters(a, b Point) float64 {
	ll1 := s2.LatLngFromDegrees(a.Lat, a.Lng)
	ll2 := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return ll1.Distance(ll2).Radians() * EarthRadiusMeters
}

// Within reports whether b lies inside radius meters of a
func Within(a, b Point, radius float64) bool {
	return DistanceMeters(a, b) <= radius
}

// Valid rejects NaN, infinities, out of range values and the (0,0) null island
func Valid(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	if p.Lat == 0 && p.Lng == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Centroid is the arithmetic mean of the points. ok is false when there are
// no points or the mean fails the Valid guard.
func Centroid(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	var sumLat, sumLng float64
	for _, p := range points {
		sumLat += p.Lat
		sumLng += p.Lng
	}
	n := float64(len(points))
	c := Point{Lat: sumLat / n, Lng: sumLng / n}
	if !Valid(c) {
		return Point{}, false
	}
	return c, true
}

// CellToken returns the s2 cell token of p at the given level. Used as a
// cache key for nearby lookups.
func CellToken(p Point, level int) string {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lng)).Parent(level).ToToken()
}
