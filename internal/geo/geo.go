package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by every distance computation.
const EarthRadiusKm = 6371.0

var (
	ErrInvalidGeometry = errors.New("invalid geometry")
	ErrDegenerateRoute = fmt.Errorf("%w: route needs at least two vertices", ErrInvalidGeometry)
	ErrInvalidRadius   = fmt.Errorf("%w: radius must be positive", ErrInvalidGeometry)
)

// Point is a WGS84 position in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FromLonLat builds a Point from a GeoJSON-ordered [lon, lat] pair.
func FromLonLat(lon, lat float64) Point { return Point{Lat: lat, Lon: lon} }

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// Distance returns the haversine great-circle distance in kilometers.
func Distance(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// DistanceMeters is Distance scaled to meters.
func DistanceMeters(a, b Point) float64 { return Distance(a, b) * 1000 }

// Interpolate walks linearly in coordinate space from a to b. t is clamped to [0,1].
// Only valid for short segments.
func Interpolate(a, b Point, t float64) Point {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lon: a.Lon + (b.Lon-a.Lon)*t,
	}
}

// Bearing returns atan2(Δlat, Δlon) in degrees normalized to [0,360).
// This is the planar heading simulated positions have always reported; it is
// not a compass bearing. See InitialBearing for that.
func Bearing(a, b Point) float64 {
	deg := toDeg(math.Atan2(b.Lat-a.Lat, b.Lon-a.Lon))
	if deg < 0 {
		deg += 360
	}
	return deg
}

// InitialBearing returns the true spherical initial bearing from a to b,
// clockwise from north, in [0,360).
func InitialBearing(a, b Point) float64 {
	dLon := toRad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(dLon)
	brng := toDeg(math.Atan2(y, x))
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Bounds is a lat/lon bounding box.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// RadiusBounds returns a box that contains every point within radiusKm of
// center. ok is false when the circle reaches a pole or crosses the
// antimeridian, in which case callers must not rely on a box prefilter.
func RadiusBounds(center Point, radiusKm float64) (b Bounds, ok bool) {
	angular := radiusKm / EarthRadiusKm
	latOffset := toDeg(angular)
	b.MinLat = center.Lat - latOffset
	b.MaxLat = center.Lat + latOffset
	if b.MinLat <= -90 || b.MaxLat >= 90 {
		return b, false
	}
	s := math.Sin(angular) / math.Cos(toRad(center.Lat))
	if s >= 1 {
		return b, false
	}
	// 0.1% slack absorbs rounding at the box edge
	lonOffset := toDeg(math.Asin(s)) * 1.001
	latOffset *= 1.001
	b.MinLat = center.Lat - latOffset
	b.MaxLat = center.Lat + latOffset
	b.MinLon = center.Lon - lonOffset
	b.MaxLon = center.Lon + lonOffset
	if b.MinLon < -180 || b.MaxLon > 180 {
		return b, false
	}
	return b, true
}
