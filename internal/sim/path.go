// Package sim advances simulated vehicles along route polylines and runs one
// cancellable task per started trip.
package sim

import (
	"fmt"
	"math"

	"transit-tracker/internal/geo"
)

// Segments shorter than this are stepped over without consuming travel.
const minSegmentM = 0.1

// carryEpsilonM absorbs float drift when a step lands on a vertex.
const carryEpsilonM = 1e-6

type Mode int

const (
	// Looping wraps to the first segment after the last vertex.
	Looping Mode = iota
	// OneShot stops at the last vertex.
	OneShot
)

func (m Mode) String() string {
	if m == OneShot {
		return "one-shot"
	}
	return "looping"
}

// Cursor is a position on a Path. Progress is the fraction of segment
// Segment already travelled, in [0,1). A cursor with Segment equal to the
// number of segments sits on the last vertex.
type Cursor struct {
	Segment  int
	Progress float64
}

// HeadingFunc computes a heading in degrees from a toward b.
type HeadingFunc func(a, b geo.Point) float64

var (
	CompatHeading    HeadingFunc = geo.Bearing
	SphericalHeading HeadingFunc = geo.InitialBearing
)

// Path is an immutable polyline prepared for stepping.
type Path struct {
	points []geo.Point
	segM   []float64
	cumM   []float64
	totalM float64
}

func NewPath(points []geo.Point) (*Path, error) {
	if len(points) < 2 {
		return nil, geo.ErrDegenerateRoute
	}
	p := &Path{
		points: append([]geo.Point(nil), points...),
		segM:   make([]float64, len(points)-1),
		cumM:   make([]float64, len(points)),
	}
	steppable := 0.0
	for i := range p.segM {
		p.segM[i] = geo.DistanceMeters(points[i], points[i+1])
		p.cumM[i+1] = p.cumM[i] + p.segM[i]
		if p.segM[i] >= minSegmentM {
			steppable += p.segM[i]
		}
	}
	p.totalM = p.cumM[len(points)-1]
	// Advance skips short segments, so a path made only of them never moves.
	if steppable == 0 {
		return nil, fmt.Errorf("%w: no segment of at least %g m", geo.ErrDegenerateRoute, minSegmentM)
	}
	return p, nil
}

func (p *Path) LengthMeters() float64 { return p.totalM }

func (p *Path) segments() int { return len(p.segM) }

// Advance moves c forward by meters. Overshoot past a vertex carries into the
// following segments. laps counts wraps in Looping mode; done is set when a
// OneShot run reaches the last vertex.
func (p *Path) Advance(c Cursor, meters float64, mode Mode) (next Cursor, laps int, done bool) {
	remaining := math.Max(meters, 0)
	for {
		if c.Segment >= p.segments() {
			if mode == OneShot {
				return Cursor{Segment: p.segments()}, laps, true
			}
			c = Cursor{}
			laps++
		}
		segLen := p.segM[c.Segment]
		if segLen < minSegmentM {
			c = Cursor{Segment: c.Segment + 1}
			continue
		}
		left := (1 - c.Progress) * segLen
		if remaining < left-carryEpsilonM {
			c.Progress += remaining / segLen
			return c, laps, false
		}
		remaining = math.Max(remaining-left, 0)
		c = Cursor{Segment: c.Segment + 1}
	}
}

// Locate returns the point under c and the heading toward the next vertex.
func (p *Path) Locate(c Cursor, heading HeadingFunc) (geo.Point, float64) {
	if heading == nil {
		heading = CompatHeading
	}
	n := p.segments()
	if c.Segment >= n {
		return p.points[n], heading(p.points[n-1], p.points[n])
	}
	a, b := p.points[c.Segment], p.points[c.Segment+1]
	return geo.Interpolate(a, b, c.Progress), heading(a, b)
}

// Offset is the distance in meters from the path start to c.
func (p *Path) Offset(c Cursor) float64 {
	if c.Segment >= p.segments() {
		return p.totalM
	}
	return p.cumM[c.Segment] + c.Progress*p.segM[c.Segment]
}

// CursorAtVertex places a cursor on vertex i. The last vertex maps to the
// start of the final segment.
func (p *Path) CursorAtVertex(i int) (Cursor, error) {
	if i < 0 || i >= len(p.points) {
		return Cursor{}, fmt.Errorf("start vertex %d out of range [0,%d)", i, len(p.points))
	}
	if i >= p.segments() {
		i = p.segments() - 1
	}
	return Cursor{Segment: i}, nil
}

// CursorAtOffset places a cursor meters from the path start, clamped to the path.
func (p *Path) CursorAtOffset(meters float64) Cursor {
	if meters <= 0 {
		return Cursor{}
	}
	if meters >= p.totalM {
		return Cursor{Segment: p.segments() - 1, Progress: math.Nextafter(1, 0)}
	}
	c, _, _ := p.Advance(Cursor{}, meters, OneShot)
	return c
}

// CursorNear places a cursor on the vertex closest to pt.
func (p *Path) CursorNear(pt geo.Point) Cursor {
	best, bestD := 0, math.Inf(1)
	for i, v := range p.points {
		if d := geo.Distance(v, pt); d < bestD {
			best, bestD = i, d
		}
	}
	c, _ := p.CursorAtVertex(best)
	return c
}
