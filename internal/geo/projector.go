package geo

import "math"

// Projection locates a query point relative to a polyline.
type Projection struct {
	SegmentIndex int     `json:"segmentIndex"`
	Fraction     float64 `json:"fraction"`
	// Closest is the point on the polyline nearest to the query.
	Closest                 Point   `json:"closest"`
	ArcLengthKm             float64 `json:"arcLengthKm"`
	PerpendicularDistanceKm float64 `json:"perpendicularDistanceKm"`
	TotalLengthKm           float64 `json:"totalLengthKm"`
}

// SegmentLengths returns the great-circle length in km of every segment.
func SegmentLengths(polyline []Point) []float64 {
	if len(polyline) < 2 {
		return nil
	}
	out := make([]float64, len(polyline)-1)
	for i := 0; i+1 < len(polyline); i++ {
		out[i] = Distance(polyline[i], polyline[i+1])
	}
	return out
}

// Length returns the total great-circle length of the polyline in km.
func Length(polyline []Point) float64 {
	total := 0.0
	for _, l := range SegmentLengths(polyline) {
		total += l
	}
	return total
}

// Project maps query onto the nearest point of polyline.
//
// Each segment is projected on a local equirectangular plane centred on the
// query (longitude scaled by cos(lat)); the fraction is clamped to [0,1] and
// the off-route distance is the haversine distance to that clamped point. On
// exact ties the lower segment index wins. Zero-length segments are skipped.
func Project(polyline []Point, query Point) (Projection, error) {
	if len(polyline) < 2 {
		return Projection{}, ErrDegenerateRoute
	}
	lengths := SegmentLengths(polyline)
	total := 0.0
	for _, l := range lengths {
		total += l
	}

	cosLat := math.Cos(toRad(query.Lat))
	toXY := func(p Point) (x, y float64) {
		return (p.Lon - query.Lon) * cosLat, p.Lat - query.Lat
	}

	best := Projection{
		SegmentIndex:            0,
		Closest:                 polyline[0],
		PerpendicularDistanceKm: Distance(query, polyline[0]),
		TotalLengthKm:           total,
	}
	found := false
	cum := 0.0
	for i, segLen := range lengths {
		start := cum
		cum += segLen
		a, b := polyline[i], polyline[i+1]
		x0, y0 := toXY(a)
		x1, y1 := toXY(b)
		dx, dy := x1-x0, y1-y0
		len2 := dx*dx + dy*dy
		if segLen == 0 || len2 == 0 {
			continue
		}
		t := -(x0*dx + y0*dy) / len2
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		closest := Interpolate(a, b, t)
		d := Distance(query, closest)
		if !found || d < best.PerpendicularDistanceKm {
			found = true
			best.SegmentIndex = i
			best.Fraction = t
			best.Closest = closest
			best.PerpendicularDistanceKm = d
			best.ArcLengthKm = start + t*segLen
		}
	}
	return best, nil
}
