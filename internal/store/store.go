// Package store persists routes, vehicles, trips and position history.
// Postgres is the system of record; Memory backs tests and database-less runs.
package store

import (
	"context"
	"time"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

// Store is everything the service needs from persistence. Trip transitions and
// position writes are atomic per entity.
type Store interface {
	LoadRoutes(ctx context.Context) ([]transit.Route, error)
	SaveRoute(ctx context.Context, r transit.Route) error
	UpdateStopCumulative(ctx context.Context, stops []transit.Stop) error

	GetVehicle(ctx context.Context, id string) (transit.Vehicle, error)
	ListVehicles(ctx context.Context) ([]transit.Vehicle, error)
	UpsertVehicle(ctx context.Context, v transit.Vehicle) error

	// RecordPosition updates the vehicle's current state and appends the
	// matching history sample in one unit of work.
	RecordPosition(ctx context.Context, u transit.LocationUpdate) (transit.PositionSample, error)
	RecentPositionSamples(ctx context.Context, vehicleID string, limit int) ([]transit.PositionSample, error)

	CreateTrip(ctx context.Context, trip transit.Trip) (transit.Trip, error)
	GetTrip(ctx context.Context, id string) (transit.Trip, error)
	ListTripsByStatus(ctx context.Context, status transit.TripStatus) ([]transit.Trip, error)
	StartTrip(ctx context.Context, id string, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error)
	CreateAndStartTrip(ctx context.Context, trip transit.Trip, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error)
	EndTrip(ctx context.Context, id string, at time.Time) (transit.Trip, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
