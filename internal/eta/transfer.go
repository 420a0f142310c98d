package eta

import (
	"fmt"

	"transit-tracker/internal/catalog"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

const DefaultTransferThresholdKm = 0.2

type TransferKind string

const (
	// SameRoute means origin and destination share a route; no transfer needed.
	SameRoute TransferKind = "same_route"
	// ViaRoute is a verified two-hop chain through an intermediate route.
	ViaRoute TransferKind = "via_route"
	// UnverifiedDirect suggests changing from the origin route to the
	// destination route without a known interchange point.
	UnverifiedDirect TransferKind = "unverified_direct"
)

// Interchange is a walkable pair of stops on different routes.
type Interchange struct {
	From       transit.Stop `json:"from"`
	To         transit.Stop `json:"to"`
	DistanceKm float64      `json:"distance_km"`
}

type TransferPlan struct {
	Kind               TransferKind  `json:"kind"`
	OriginRouteID      string        `json:"origin_route_id"`
	DestinationRouteID string        `json:"destination_route_id"`
	ViaRouteID         string        `json:"via_route_id,omitempty"`
	Interchanges       []Interchange `json:"interchanges,omitempty"`
}

// PlanTransfer looks for the first route R, in catalog order, such that a stop
// of the origin route lies within thresholdKm of a stop of R and another stop of
// R lies within thresholdKm of a stop of the destination route. This is a
// heuristic, not a shortest-path search.
func PlanTransfer(c *catalog.Catalog, originStopID, destStopID string, thresholdKm float64) (TransferPlan, error) {
	if thresholdKm <= 0 {
		thresholdKm = DefaultTransferThresholdKm
	}
	origin, ok := c.Stop(originStopID)
	if !ok {
		return TransferPlan{}, fmt.Errorf("origin stop %s: %w", originStopID, transit.ErrNotFound)
	}
	dest, ok := c.Stop(destStopID)
	if !ok {
		return TransferPlan{}, fmt.Errorf("destination stop %s: %w", destStopID, transit.ErrNotFound)
	}
	plan := TransferPlan{OriginRouteID: origin.RouteID, DestinationRouteID: dest.RouteID}
	if origin.RouteID == dest.RouteID {
		plan.Kind = SameRoute
		return plan, nil
	}

	from, _ := c.Route(origin.RouteID)
	to, _ := c.Route(dest.RouteID)
	for _, via := range c.Routes() {
		if via.ID == from.ID || via.ID == to.ID {
			continue
		}
		first, ok := closePair(from.Stops, via.Stops, thresholdKm)
		if !ok {
			continue
		}
		second, ok := closePair(via.Stops, to.Stops, thresholdKm)
		if !ok {
			continue
		}
		plan.Kind = ViaRoute
		plan.ViaRouteID = via.ID
		plan.Interchanges = []Interchange{first, second}
		return plan, nil
	}
	plan.Kind = UnverifiedDirect
	return plan, nil
}

// closePair returns the first pair (in stop order) within thresholdKm.
func closePair(a, b []transit.Stop, thresholdKm float64) (Interchange, bool) {
	for _, sa := range a {
		for _, sb := range b {
			if d := geo.Distance(sa.Point, sb.Point); d <= thresholdKm {
				return Interchange{From: sa, To: sb, DistanceKm: d}, true
			}
		}
	}
	return Interchange{}, false
}
