package transit

import (
	"fmt"

	"transit-tracker/internal/geo"
)

// Validate checks what the geometry layer relies on: enough vertices and
// uniquely, strictly ordered stops.
func (r Route) Validate() error {
	if len(r.Vertices) < 2 {
		return fmt.Errorf("route %s: %w", r.ID, geo.ErrDegenerateRoute)
	}
	seen := make(map[string]struct{}, len(r.Stops))
	for i, s := range r.Stops {
		if s.RouteID != "" && s.RouteID != r.ID {
			return fmt.Errorf("route %s: stop %s belongs to route %s", r.ID, s.ID, s.RouteID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("route %s: duplicate stop %s", r.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if i > 0 && s.Order <= r.Stops[i-1].Order {
			return fmt.Errorf("route %s: stop order must be strictly increasing (%d after %d)", r.ID, s.Order, r.Stops[i-1].Order)
		}
	}
	return nil
}

// Start returns the route's first vertex.
func (r Route) Start() (geo.Point, error) {
	if len(r.Vertices) == 0 {
		return geo.Point{}, fmt.Errorf("route %s: %w", r.ID, geo.ErrDegenerateRoute)
	}
	return r.Vertices[0], nil
}
