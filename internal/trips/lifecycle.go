// Package trips drives the Pending -> Started -> Finished lifecycle and keeps
// at most one started trip per vehicle.
package trips

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"transit-tracker/internal/clock"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

// Store applies trip transitions atomically. StartTrip and CreateAndStartTrip
// must finish every other started trip of the vehicle and reset the vehicle to
// origin in the same unit of work, returning the trips they finished.
type Store interface {
	CreateTrip(ctx context.Context, trip transit.Trip) (transit.Trip, error)
	GetTrip(ctx context.Context, id string) (transit.Trip, error)
	StartTrip(ctx context.Context, id string, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error)
	CreateAndStartTrip(ctx context.Context, trip transit.Trip, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error)
	EndTrip(ctx context.Context, id string, at time.Time) (transit.Trip, error)
}

type RouteLookup interface {
	Route(id string) (transit.Route, bool)
}

// Observer is told about committed transitions, in commit order.
type Observer interface {
	TripStarted(trip transit.Trip)
	TripEnded(trip transit.Trip)
}

type Lifecycle struct {
	store  Store
	routes RouteLookup
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	observers []Observer
}

func New(store Store, routes RouteLookup, clk clock.Clock, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{store: store, routes: routes, clock: clk, logger: logger}
}

// Observe registers o for every later transition.
func (l *Lifecycle) Observe(o Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, o)
	l.mu.Unlock()
}

func (l *Lifecycle) Get(ctx context.Context, id string) (transit.Trip, error) {
	return l.store.GetTrip(ctx, id)
}

// Create records a pending trip. A zero departure means now.
func (l *Lifecycle) Create(ctx context.Context, vehicleID, routeID string, departure time.Time) (transit.Trip, error) {
	if _, err := l.origin(routeID); err != nil {
		return transit.Trip{}, err
	}
	if departure.IsZero() {
		departure = l.clock.Now()
	}
	trip, err := l.store.CreateTrip(ctx, transit.Trip{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		RouteID:   routeID,
		Status:    transit.StatusPending,
		Departure: departure,
	})
	if err != nil {
		return transit.Trip{}, fmt.Errorf("create trip: %w", err)
	}
	l.logger.Info("trip created",
		zap.String("trip_id", trip.ID),
		zap.String("vehicle_id", vehicleID),
		zap.String("route_id", routeID),
		zap.Time("departure", departure))
	return trip, nil
}

// Start moves a pending trip to started and puts its vehicle at the route start.
func (l *Lifecycle) Start(ctx context.Context, id string) (transit.Trip, error) {
	current, err := l.store.GetTrip(ctx, id)
	if err != nil {
		return transit.Trip{}, fmt.Errorf("start trip %s: %w", id, err)
	}
	if err := transit.CheckTransition(current.Status, transit.StatusStarted); err != nil {
		return transit.Trip{}, fmt.Errorf("start trip %s: %w", id, err)
	}
	origin, err := l.origin(current.RouteID)
	if err != nil {
		return transit.Trip{}, err
	}
	started, finished, err := l.store.StartTrip(ctx, id, l.clock.Now(), origin)
	if err != nil {
		return transit.Trip{}, fmt.Errorf("start trip %s: %w", id, err)
	}
	l.committed(started, finished)
	return started, nil
}

// CreateAndStart finishes any started trip of vehicleID and starts a new one on
// routeID in one step.
func (l *Lifecycle) CreateAndStart(ctx context.Context, vehicleID, routeID string) (transit.Trip, error) {
	origin, err := l.origin(routeID)
	if err != nil {
		return transit.Trip{}, err
	}
	now := l.clock.Now()
	started, finished, err := l.store.CreateAndStartTrip(ctx, transit.Trip{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		RouteID:   routeID,
		Status:    transit.StatusStarted,
		Departure: now,
		StartedAt: now,
	}, now, origin)
	if err != nil {
		return transit.Trip{}, fmt.Errorf("create and start trip for %s: %w", vehicleID, err)
	}
	l.committed(started, finished)
	return started, nil
}

// End finishes a pending or started trip.
func (l *Lifecycle) End(ctx context.Context, id string) (transit.Trip, error) {
	trip, err := l.store.EndTrip(ctx, id, l.clock.Now())
	if err != nil {
		return transit.Trip{}, fmt.Errorf("end trip %s: %w", id, err)
	}
	l.logger.Info("trip finished", zap.String("trip_id", trip.ID), zap.String("vehicle_id", trip.VehicleID))
	for _, o := range l.snapshot() {
		o.TripEnded(trip)
	}
	return trip, nil
}

func (l *Lifecycle) committed(started transit.Trip, finished []transit.Trip) {
	observers := l.snapshot()
	for _, f := range finished {
		l.logger.Info("trip force-finished",
			zap.String("trip_id", f.ID),
			zap.String("vehicle_id", f.VehicleID),
			zap.String("replaced_by", started.ID))
		for _, o := range observers {
			o.TripEnded(f)
		}
	}
	l.logger.Info("trip started",
		zap.String("trip_id", started.ID),
		zap.String("vehicle_id", started.VehicleID),
		zap.String("route_id", started.RouteID))
	for _, o := range observers {
		o.TripStarted(started)
	}
}

func (l *Lifecycle) snapshot() []Observer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Observer(nil), l.observers...)
}

func (l *Lifecycle) origin(routeID string) (geo.Point, error) {
	r, ok := l.routes.Route(routeID)
	if !ok {
		return geo.Point{}, fmt.Errorf("route %s: %w", routeID, transit.ErrNotFound)
	}
	return r.Start()
}
