// Package catalog holds the route and stop reference data. A Catalog is built
// once at startup and never mutated; share it by pointer.
package catalog

import (
	"fmt"
	"sort"

	"github.com/tidwall/rtree"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

type Catalog struct {
	routes    []transit.Route
	routeByID map[string]int

	stops    []transit.Stop
	stopByID map[string]int
	index    rtree.RTreeG[int]

	recomputed []string
}

// New validates routes, recomputes every stop's cumulative distance and
// indexes stop locations. The input slice is not retained.
func New(routes []transit.Route) (*Catalog, error) {
	c := &Catalog{
		routeByID: make(map[string]int, len(routes)),
		stopByID:  make(map[string]int),
	}
	for _, in := range routes {
		if _, dup := c.routeByID[in.ID]; dup {
			return nil, fmt.Errorf("duplicate route %s", in.ID)
		}
		r := cloneRoute(in)
		sort.SliceStable(r.Stops, func(i, j int) bool { return r.Stops[i].Order < r.Stops[j].Order })
		for i := range r.Stops {
			r.Stops[i].RouteID = r.ID
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		cum, err := StopDistances(r)
		if err != nil {
			return nil, err
		}
		changed := false
		for i := range r.Stops {
			if r.Stops[i].CumulativeKm != cum[i] {
				changed = true
				r.Stops[i].CumulativeKm = cum[i]
			}
		}
		if changed {
			c.recomputed = append(c.recomputed, r.ID)
		}

		c.routeByID[r.ID] = len(c.routes)
		c.routes = append(c.routes, r)
		for _, s := range r.Stops {
			if _, dup := c.stopByID[s.ID]; dup {
				return nil, fmt.Errorf("stop %s appears on more than one route", s.ID)
			}
			idx := len(c.stops)
			c.stopByID[s.ID] = idx
			c.stops = append(c.stops, s)
			pt := [2]float64{s.Point.Lon, s.Point.Lat}
			c.index.Insert(pt, pt, idx)
		}
	}
	return c, nil
}

// StopDistances returns, for each stop of r in order, its arc length along the
// route polyline, clamped so the sequence never decreases.
func StopDistances(r transit.Route) ([]float64, error) {
	out := make([]float64, len(r.Stops))
	prev := 0.0
	for i, s := range r.Stops {
		p, err := geo.Project(r.Vertices, s.Point)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ID, err)
		}
		d := p.ArcLengthKm
		if d < prev {
			d = prev
		}
		out[i] = d
		prev = d
	}
	return out, nil
}

func cloneRoute(r transit.Route) transit.Route {
	out := r
	out.Vertices = append([]geo.Point(nil), r.Vertices...)
	out.Stops = append([]transit.Stop(nil), r.Stops...)
	return out
}

// Routes returns every route in load order. Callers must not modify the result.
func (c *Catalog) Routes() []transit.Route { return c.routes }

func (c *Catalog) Route(id string) (transit.Route, bool) {
	i, ok := c.routeByID[id]
	if !ok {
		return transit.Route{}, false
	}
	return c.routes[i], true
}

func (c *Catalog) Stop(id string) (transit.Stop, bool) {
	i, ok := c.stopByID[id]
	if !ok {
		return transit.Stop{}, false
	}
	return c.stops[i], true
}

// Stops returns all stops, grouped by route and ordered within each route.
func (c *Catalog) Stops() []transit.Stop { return c.stops }

// Recomputed lists the routes whose stop cumulative distances differed from
// the values they were loaded with.
func (c *Catalog) Recomputed() []transit.Route {
	out := make([]transit.Route, 0, len(c.recomputed))
	for _, id := range c.recomputed {
		out = append(out, c.routes[c.routeByID[id]])
	}
	return out
}

// CandidateStops returns a superset of the stops within radiusKm of center,
// in catalog order.
func (c *Catalog) CandidateStops(center geo.Point, radiusKm float64) []transit.Stop {
	b, ok := geo.RadiusBounds(center, radiusKm)
	if !ok {
		return c.stops
	}
	var idxs []int
	c.index.Search([2]float64{b.MinLon, b.MinLat}, [2]float64{b.MaxLon, b.MaxLat},
		func(_, _ [2]float64, idx int) bool {
			idxs = append(idxs, idx)
			return true
		})
	sort.Ints(idxs)
	out := make([]transit.Stop, len(idxs))
	for i, idx := range idxs {
		out[i] = c.stops[idx]
	}
	return out
}
