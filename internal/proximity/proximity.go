// Package proximity answers radius-bounded, distance-sorted searches over
// stops and vehicles. Every function is pure and safe for concurrent use.
package proximity

import (
	"sort"
	"time"

	"transit-tracker/internal/catalog"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

type StopHit struct {
	Stop       transit.Stop `json:"stop"`
	DistanceKm float64      `json:"distanceKm"`
}

type VehicleHit struct {
	Vehicle    transit.Vehicle `json:"vehicle"`
	DistanceKm float64         `json:"distanceKm"`
}

// VehicleFilter decides whether a vehicle is eligible before any distance is computed.
type VehicleFilter func(transit.Vehicle) bool

// Fresh keeps vehicles that reported within window of now.
func Fresh(now time.Time, window time.Duration) VehicleFilter {
	return func(v transit.Vehicle) bool {
		if v.ReportedAt.IsZero() {
			return false
		}
		return now.Sub(v.ReportedAt) <= window
	}
}

// OnStartedTrip keeps vehicles whose id is in active.
func OnStartedTrip(active map[string]bool) VehicleFilter {
	return func(v transit.Vehicle) bool { return active[v.ID] }
}

// NearestStops filters stops to radiusKm of p, sorted by distance then input
// order, truncated to limit. limit <= 0 means no truncation.
func NearestStops(stops []transit.Stop, p geo.Point, radiusKm float64, limit int) ([]StopHit, error) {
	if radiusKm <= 0 {
		return nil, geo.ErrInvalidRadius
	}
	hits := make([]StopHit, 0)
	for _, s := range stops {
		d := geo.Distance(p, s.Point)
		if d <= radiusKm {
			hits = append(hits, StopHit{Stop: s, DistanceKm: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// NearestCatalogStops runs NearestStops over the catalog's indexed candidates.
func NearestCatalogStops(c *catalog.Catalog, p geo.Point, radiusKm float64, limit int) ([]StopHit, error) {
	if radiusKm <= 0 {
		return nil, geo.ErrInvalidRadius
	}
	return NearestStops(c.CandidateStops(p, radiusKm), p, radiusKm, limit)
}

// NearestVehicles is NearestStops for vehicles. Vehicles without a location are
// never returned; filters run before the distance check.
func NearestVehicles(vehicles []transit.Vehicle, p geo.Point, radiusKm float64, limit int, filters ...VehicleFilter) ([]VehicleHit, error) {
	if radiusKm <= 0 {
		return nil, geo.ErrInvalidRadius
	}
	hits := make([]VehicleHit, 0)
next:
	for _, v := range vehicles {
		if !v.HasLocation() {
			continue
		}
		for _, keep := range filters {
			if !keep(v) {
				continue next
			}
		}
		d := geo.Distance(p, *v.Location)
		if d <= radiusKm {
			hits = append(hits, VehicleHit{Vehicle: v, DistanceKm: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
