package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-tracker/internal/geo"
)

// One kilometre due east along the equator.
var (
	origin = geo.Point{Lat: 0, Lon: 0}
	east1k = geo.Point{Lat: 0, Lon: 0.008993216059187306}
)

func kmPath(t *testing.T, points ...geo.Point) *Path {
	t.Helper()
	p, err := NewPath(points)
	require.NoError(t, err)
	return p
}

func TestNewPathRejectsDegenerateRoutes(t *testing.T) {
	_, err := NewPath([]geo.Point{origin})
	assert.ErrorIs(t, err, geo.ErrDegenerateRoute)

	_, err = NewPath([]geo.Point{origin, origin, origin})
	assert.ErrorIs(t, err, geo.ErrInvalidGeometry)

	// Three 5 cm hops add up to 15 cm, but none is long enough to step along.
	hop := geo.Interpolate(origin, east1k, 0.00005)
	tiny := []geo.Point{origin, hop, geo.Interpolate(origin, east1k, 0.0001), geo.Interpolate(origin, east1k, 0.00015)}
	require.Greater(t, geo.DistanceMeters(origin, tiny[3]), minSegmentM)
	require.Less(t, geo.DistanceMeters(origin, hop), minSegmentM)
	_, err = NewPath(tiny)
	assert.ErrorIs(t, err, geo.ErrDegenerateRoute)
}

func TestAdvanceReturnsWithOneSteppableSegment(t *testing.T) {
	hop := geo.Interpolate(origin, east1k, 0.00005)
	far := geo.Interpolate(origin, east1k, 0.001)
	p := kmPath(t, origin, hop, far)

	result := make(chan int, 1)
	go func() {
		_, laps, _ := p.Advance(Cursor{}, 50, Looping)
		result <- laps
	}()
	select {
	case laps := <-result:
		assert.Positive(t, laps)
	case <-time.After(2 * time.Second):
		t.Fatal("Advance did not return")
	}
}

func TestAdvanceFiftyMetresPerTick(t *testing.T) {
	p := kmPath(t, origin, east1k)
	require.InDelta(t, 1000, p.LengthMeters(), 1e-6)

	// 10 m/s over a 5 s tick.
	step := 10.0 * 5

	c, laps, done := p.Advance(Cursor{}, step, Looping)
	assert.Equal(t, 0, c.Segment)
	assert.InDelta(t, 0.05, c.Progress, 1e-9)
	assert.InDelta(t, 50, p.Offset(c), 1e-6)
	assert.Zero(t, laps)
	assert.False(t, done)

	c = Cursor{}
	total := 0
	for i := 0; i < 20; i++ {
		var n int
		c, n, _ = p.Advance(c, step, Looping)
		total += n
	}
	assert.Equal(t, 1, total, "a full pass wraps once")
	assert.Equal(t, 0, c.Segment)
	assert.InDelta(t, 0, c.Progress, 1e-6)

	for i := 0; i < 20; i++ {
		var n int
		c, n, _ = p.Advance(c, step, Looping)
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestAdvanceOneShotStopsAtLastVertex(t *testing.T) {
	p := kmPath(t, origin, east1k)

	c := Cursor{}
	var done bool
	ticks := 0
	for !done && ticks < 100 {
		c, _, done = p.Advance(c, 50, OneShot)
		ticks++
	}
	assert.True(t, done)
	assert.Equal(t, 20, ticks)
	assert.Equal(t, Cursor{Segment: 1}, c)

	pt, _ := p.Locate(c, nil)
	assert.Equal(t, east1k, pt)
	assert.InDelta(t, p.LengthMeters(), p.Offset(c), 1e-9)

	again, laps, done := p.Advance(c, 50, OneShot)
	assert.True(t, done)
	assert.Zero(t, laps)
	assert.Equal(t, c, again)
}

func TestAdvanceCarriesOvershootAcrossVertices(t *testing.T) {
	mid := geo.Interpolate(origin, east1k, 0.5)
	p := kmPath(t, origin, mid, east1k)

	c, _, _ := p.Advance(Cursor{Progress: 0.9}, 100, Looping)
	assert.Equal(t, 1, c.Segment)
	assert.InDelta(t, 0.1, c.Progress, 1e-6)
	assert.InDelta(t, 550, p.Offset(c), 1e-3)
}

func TestAdvanceSkipsZeroLengthSegments(t *testing.T) {
	p := kmPath(t, origin, origin, east1k)

	c, _, _ := p.Advance(Cursor{}, 10, Looping)
	assert.Equal(t, 1, c.Segment)
	assert.InDelta(t, 0.01, c.Progress, 1e-9)

	pt, heading := p.Locate(c, CompatHeading)
	assert.InDelta(t, 10, geo.DistanceMeters(origin, pt), 1e-6)
	assert.InDelta(t, 0, heading, 1e-9)
}

func TestAdvanceNegativeDistanceDoesNotMove(t *testing.T) {
	p := kmPath(t, origin, east1k)
	start := Cursor{Progress: 0.3}
	c, laps, done := p.Advance(start, -5, Looping)
	assert.Equal(t, start, c)
	assert.Zero(t, laps)
	assert.False(t, done)
}

func TestLocateHeadingPolicies(t *testing.T) {
	north := geo.Point{Lat: 0.01, Lon: 0}
	p := kmPath(t, origin, north)

	_, compat := p.Locate(Cursor{Progress: 0.5}, CompatHeading)
	_, spherical := p.Locate(Cursor{Progress: 0.5}, SphericalHeading)

	// atan2(Δlat, Δlon) puts north at 90 while the compass bearing is 0.
	assert.InDelta(t, 90, compat, 1e-9)
	assert.InDelta(t, 0, spherical, 1e-9)
}

func TestStartCursors(t *testing.T) {
	mid := geo.Interpolate(origin, east1k, 0.5)
	p := kmPath(t, origin, mid, east1k)

	c, err := p.CursorAtVertex(1)
	require.NoError(t, err)
	assert.Equal(t, Cursor{Segment: 1}, c)

	c, err = p.CursorAtVertex(2)
	require.NoError(t, err)
	assert.Equal(t, Cursor{Segment: 1}, c, "last vertex starts the final segment")

	_, err = p.CursorAtVertex(3)
	assert.Error(t, err)
	_, err = p.CursorAtVertex(-1)
	assert.Error(t, err)

	assert.Equal(t, Cursor{}, p.CursorAtOffset(-10))
	c = p.CursorAtOffset(750)
	assert.Equal(t, 1, c.Segment)
	assert.InDelta(t, 750, p.Offset(c), 1e-6)

	c = p.CursorAtOffset(5000)
	assert.Equal(t, 1, c.Segment)
	assert.Less(t, c.Progress, 1.0)

	c = p.CursorNear(geo.Point{Lat: 0.0001, Lon: 0.0046})
	assert.Equal(t, Cursor{Segment: 1}, c)
}

func TestSpeedPolicies(t *testing.T) {
	assert.Equal(t, 12.5, Constant(12.5).Next())

	s := UniformRange(18, 10, 42)
	for i := 0; i < 1000; i++ {
		v := s.Next()
		assert.GreaterOrEqual(t, v, 10.0)
		assert.Less(t, v, 18.0)
	}

	a, b := UniformRange(10, 18, 7), UniformRange(10, 18, 7)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(), b.Next(), "same seed, same sequence")
	}
}
