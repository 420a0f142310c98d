// Package seed loads reference routes, stops and vehicles from a GeoJSON
// FeatureCollection.
//
// LineString features are routes (properties "id" or "route_id", "name").
// Point features carrying "route_id" are stops of that route ("id" or
// "stop_id", "order", "name"); stops without an order are appended after the
// route's highest explicit order in file order. Point features carrying
// "vehicle_id" are vehicles ("label" or "plate_number") placed at the point.
// Coordinates are [lon, lat].
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	geojson "github.com/paulmach/go.geojson"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

var ErrInvalidFeature = errors.New("invalid seed feature")

type Data struct {
	Routes   []transit.Route
	Vehicles []transit.Vehicle
}

// Writer persists seeded entities.
type Writer interface {
	SaveRoute(ctx context.Context, r transit.Route) error
	UpsertVehicle(ctx context.Context, v transit.Vehicle) error
}

func Load(path string) (Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Data{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	d, err := Parse(b)
	if err != nil {
		return Data{}, fmt.Errorf("seed %s: %w", path, err)
	}
	return d, nil
}

type pendingStop struct {
	stop     transit.Stop
	hasOrder bool
}

func Parse(b []byte) (Data, error) {
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return Data{}, fmt.Errorf("decode feature collection: %w", err)
	}

	var (
		data     Data
		routeIdx = map[string]int{}
		stops    = map[string][]pendingStop{}
		vehicles = map[string]bool{}
	)
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			return Data{}, fmt.Errorf("%w: feature %d has no geometry", ErrInvalidFeature, i)
		}
		switch {
		case f.Geometry.IsLineString():
			r, err := routeFrom(f)
			if err != nil {
				return Data{}, fmt.Errorf("feature %d: %w", i, err)
			}
			if _, dup := routeIdx[r.ID]; dup {
				return Data{}, fmt.Errorf("%w: feature %d: duplicate route %s", ErrInvalidFeature, i, r.ID)
			}
			routeIdx[r.ID] = len(data.Routes)
			data.Routes = append(data.Routes, r)

		case f.Geometry.IsPoint():
			pt, err := pointFrom(f.Geometry.Point)
			if err != nil {
				return Data{}, fmt.Errorf("feature %d: %w", i, err)
			}
			if routeID := f.PropertyMustString("route_id"); routeID != "" {
				id := firstString(f, "stop_id", "id")
				if id == "" {
					return Data{}, fmt.Errorf("%w: feature %d: stop has no id", ErrInvalidFeature, i)
				}
				order, oerr := f.PropertyInt("order")
				stops[routeID] = append(stops[routeID], pendingStop{
					stop:     transit.Stop{ID: id, RouteID: routeID, Order: order, Name: f.PropertyMustString("name"), Point: pt},
					hasOrder: oerr == nil,
				})
				continue
			}
			if id := f.PropertyMustString("vehicle_id"); id != "" {
				if vehicles[id] {
					return Data{}, fmt.Errorf("%w: feature %d: duplicate vehicle %s", ErrInvalidFeature, i, id)
				}
				vehicles[id] = true
				loc := pt
				data.Vehicles = append(data.Vehicles, transit.Vehicle{
					ID:       id,
					Label:    firstString(f, "label", "plate_number"),
					Location: &loc,
				})
				continue
			}
			return Data{}, fmt.Errorf("%w: feature %d: point needs route_id or vehicle_id", ErrInvalidFeature, i)

		default:
			return Data{}, fmt.Errorf("%w: feature %d: unsupported geometry %s", ErrInvalidFeature, i, f.Geometry.Type)
		}
	}

	for routeID, ps := range stops {
		idx, ok := routeIdx[routeID]
		if !ok {
			return Data{}, fmt.Errorf("%w: stops reference unknown route %s", ErrInvalidFeature, routeID)
		}
		data.Routes[idx].Stops = assignOrder(ps)
	}
	return data, nil
}

// Apply writes every route and vehicle in d.
func Apply(ctx context.Context, w Writer, d Data) error {
	for _, r := range d.Routes {
		if err := w.SaveRoute(ctx, r); err != nil {
			return fmt.Errorf("save route %s: %w", r.ID, err)
		}
	}
	for _, v := range d.Vehicles {
		if err := w.UpsertVehicle(ctx, v); err != nil {
			return fmt.Errorf("save vehicle %s: %w", v.ID, err)
		}
	}
	return nil
}

func routeFrom(f *geojson.Feature) (transit.Route, error) {
	id := firstString(f, "route_id", "id")
	if id == "" {
		if s, ok := f.ID.(string); ok {
			id = s
		}
	}
	if id == "" {
		return transit.Route{}, fmt.Errorf("%w: route has no id", ErrInvalidFeature)
	}
	if len(f.Geometry.LineString) < 2 {
		return transit.Route{}, fmt.Errorf("route %s: %w", id, geo.ErrDegenerateRoute)
	}
	r := transit.Route{ID: id, Name: f.PropertyMustString("name"), Vertices: make([]geo.Point, 0, len(f.Geometry.LineString))}
	for _, c := range f.Geometry.LineString {
		pt, err := pointFrom(c)
		if err != nil {
			return transit.Route{}, fmt.Errorf("route %s: %w", id, err)
		}
		r.Vertices = append(r.Vertices, pt)
	}
	return r, nil
}

func pointFrom(c []float64) (geo.Point, error) {
	if len(c) < 2 {
		return geo.Point{}, fmt.Errorf("%w: position needs lon and lat", geo.ErrInvalidGeometry)
	}
	p := geo.FromLonLat(c[0], c[1])
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return geo.Point{}, fmt.Errorf("%w: position [%g %g] out of range", geo.ErrInvalidGeometry, c[0], c[1])
	}
	return p, nil
}

func assignOrder(ps []pendingStop) []transit.Stop {
	next := 0
	for _, p := range ps {
		if p.hasOrder && p.stop.Order >= next {
			next = p.stop.Order + 1
		}
	}
	out := make([]transit.Stop, 0, len(ps))
	for _, p := range ps {
		s := p.stop
		if !p.hasOrder {
			s.Order = next
			next++
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func firstString(f *geojson.Feature, keys ...string) string {
	for _, k := range keys {
		if s := f.PropertyMustString(k); s != "" {
			return s
		}
	}
	return ""
}
