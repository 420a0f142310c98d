// Package query answers proximity, ETA, location and trip requests on top of
// the catalog, the store and the trip lifecycle.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transit-tracker/internal/catalog"
	"transit-tracker/internal/clock"
	"transit-tracker/internal/eta"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/proximity"
	"transit-tracker/internal/sim"
	"transit-tracker/internal/transit"
)

var ErrBadRequest = errors.New("bad request")

const (
	DefaultStopRadiusKm    = 0.6
	DefaultStopLimit       = 20
	DefaultVehicleRadiusKm = 1.5
	DefaultVehicleLimit    = 50
	DefaultFreshness       = 2 * time.Hour
)

type Store interface {
	GetVehicle(ctx context.Context, id string) (transit.Vehicle, error)
	ListVehicles(ctx context.Context) ([]transit.Vehicle, error)
	RecordPosition(ctx context.Context, u transit.LocationUpdate) (transit.PositionSample, error)
	RecentPositionSamples(ctx context.Context, vehicleID string, limit int) ([]transit.PositionSample, error)
	ListTripsByStatus(ctx context.Context, status transit.TripStatus) ([]transit.Trip, error)
}

type Trips interface {
	Create(ctx context.Context, vehicleID, routeID string, departure time.Time) (transit.Trip, error)
	Start(ctx context.Context, id string) (transit.Trip, error)
	CreateAndStart(ctx context.Context, vehicleID, routeID string) (transit.Trip, error)
	End(ctx context.Context, id string) (transit.Trip, error)
}

// Planner accepts simulator start options for a trip about to start.
type Planner interface {
	Plan(tripID string, opts sim.StartOptions)
	Discard(tripID string)
}

type Options struct {
	Freshness           time.Duration
	ETA                 eta.Options
	TransferThresholdKm float64
}

type Service struct {
	store   Store
	catalog *catalog.Catalog
	trips   Trips
	planner Planner
	clock   clock.Clock
	opts    Options
	logger  *zap.Logger
}

func NewService(store Store, cat *catalog.Catalog, trips Trips, planner Planner, clk clock.Clock, opts Options, logger *zap.Logger) *Service {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.TransferThresholdKm <= 0 {
		opts.TransferThresholdKm = eta.DefaultTransferThresholdKm
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, catalog: cat, trips: trips, planner: planner, clock: clk, opts: opts, logger: logger}
}

type NearbyRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
	Limit    int     `json:"limit"`
	// IncludeIdle also returns fresh vehicles without a started trip.
	IncludeIdle bool `json:"include_idle,omitempty"`
}

type ETARequest struct {
	VehicleID string  `json:"vehicle_id"`
	Lat       float64 `json:"target_lat"`
	Lon       float64 `json:"target_lon"`
}

type LocationRequest struct {
	VehicleID  string  `json:"vehicle_id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	SpeedMps   float64 `json:"speed_mps"`
	HeadingDeg float64 `json:"heading_deg"`
}

type DestinationRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type TransferRequest struct {
	OriginStopID      string `json:"origin_stop_id"`
	DestinationStopID string `json:"destination_stop_id"`
}

// CreateTripRequest registers a pending trip. A missing departure means now.
type CreateTripRequest struct {
	VehicleID string     `json:"vehicle_id"`
	RouteID   string     `json:"route_id"`
	Departure *time.Time `json:"departure,omitempty"`
}

// StartTripRequest starts TripID, or creates and starts a trip for VehicleID
// on RouteID when TripID is empty.
type StartTripRequest struct {
	TripID    string            `json:"trip_id,omitempty"`
	VehicleID string            `json:"vehicle_id,omitempty"`
	RouteID   string            `json:"route_id,omitempty"`
	Simulate  *sim.StartOptions `json:"simulate,omitempty"`
}

type EndTripRequest struct {
	TripID string `json:"trip_id"`
}

func point(lat, lon float64) (geo.Point, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return geo.Point{}, fmt.Errorf("%w: coordinate (%g, %g) out of range", geo.ErrInvalidGeometry, lat, lon)
	}
	return geo.Point{Lat: lat, Lon: lon}, nil
}

func withDefaults(radius float64, limit int, defRadius float64, defLimit int) (float64, int) {
	if radius == 0 {
		radius = defRadius
	}
	if limit == 0 {
		limit = defLimit
	}
	return radius, limit
}

func (s *Service) NearbyStops(_ context.Context, req NearbyRequest) ([]proximity.StopHit, error) {
	p, err := point(req.Lat, req.Lon)
	if err != nil {
		return nil, err
	}
	radius, limit := withDefaults(req.RadiusKm, req.Limit, DefaultStopRadiusKm, DefaultStopLimit)
	return proximity.NearestCatalogStops(s.catalog, p, radius, limit)
}

func (s *Service) NearbyVehicles(ctx context.Context, req NearbyRequest) ([]proximity.VehicleHit, error) {
	p, err := point(req.Lat, req.Lon)
	if err != nil {
		return nil, err
	}
	radius, limit := withDefaults(req.RadiusKm, req.Limit, DefaultVehicleRadiusKm, DefaultVehicleLimit)

	vehicles, err := s.store.ListVehicles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	filters := []proximity.VehicleFilter{proximity.Fresh(s.clock.Now(), s.opts.Freshness)}
	if !req.IncludeIdle {
		started, err := s.startedByVehicle(ctx)
		if err != nil {
			return nil, err
		}
		active := make(map[string]bool, len(started))
		for id := range started {
			active[id] = true
		}
		filters = append(filters, proximity.OnStartedTrip(active))
	}
	return proximity.NearestVehicles(vehicles, p, radius, limit, filters...)
}

func (s *Service) VehicleETA(ctx context.Context, req ETARequest) (eta.Estimate, error) {
	if req.VehicleID == "" {
		return eta.Estimate{}, fmt.Errorf("%w: vehicle_id is required", ErrBadRequest)
	}
	target, err := point(req.Lat, req.Lon)
	if err != nil {
		return eta.Estimate{}, err
	}
	return eta.ForVehicle(ctx, s.store, req.VehicleID, target, s.opts.ETA)
}

// UpdateLocation records a manual or device-reported position.
func (s *Service) UpdateLocation(ctx context.Context, req LocationRequest) (transit.PositionSample, error) {
	if req.VehicleID == "" {
		return transit.PositionSample{}, fmt.Errorf("%w: vehicle_id is required", ErrBadRequest)
	}
	if req.SpeedMps < 0 {
		return transit.PositionSample{}, fmt.Errorf("%w: speed_mps must not be negative", ErrBadRequest)
	}
	p, err := point(req.Lat, req.Lon)
	if err != nil {
		return transit.PositionSample{}, err
	}
	sample, err := s.store.RecordPosition(ctx, transit.LocationUpdate{
		VehicleID:  req.VehicleID,
		Point:      p,
		SpeedMps:   req.SpeedMps,
		HeadingDeg: req.HeadingDeg,
		At:         s.clock.Now(),
	})
	if err != nil {
		return transit.PositionSample{}, fmt.Errorf("record position for %s: %w", req.VehicleID, err)
	}
	return sample, nil
}

// DestinationVehicles lists fresh vehicles on started trips whose route
// passes near the target, fastest first.
func (s *Service) DestinationVehicles(ctx context.Context, req DestinationRequest) ([]eta.Candidate, error) {
	target, err := point(req.Lat, req.Lon)
	if err != nil {
		return nil, err
	}
	started, err := s.startedByVehicle(ctx)
	if err != nil {
		return nil, err
	}
	vehicles, err := s.store.ListVehicles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	fresh := proximity.Fresh(s.clock.Now(), s.opts.Freshness)

	movers := make([]eta.Mover, 0, len(started))
	for _, v := range vehicles {
		trip, ok := started[v.ID]
		if !ok || !v.HasLocation() || !fresh(v) {
			continue
		}
		route, ok := s.catalog.Route(trip.RouteID)
		if !ok {
			s.logger.Warn("started trip on unknown route", zap.String("trip_id", trip.ID), zap.String("route_id", trip.RouteID))
			continue
		}
		movers = append(movers, eta.Mover{
			VehicleID: v.ID,
			TripID:    trip.ID,
			RouteID:   route.ID,
			Vertices:  route.Vertices,
			Position:  *v.Location,
			SpeedMps:  v.SpeedMps,
		})
	}
	return eta.ToDestination(movers, target, s.opts.ETA), nil
}

func (s *Service) PlanTransfer(_ context.Context, req TransferRequest) (eta.TransferPlan, error) {
	if req.OriginStopID == "" || req.DestinationStopID == "" {
		return eta.TransferPlan{}, fmt.Errorf("%w: origin_stop_id and destination_stop_id are required", ErrBadRequest)
	}
	return eta.PlanTransfer(s.catalog, req.OriginStopID, req.DestinationStopID, s.opts.TransferThresholdKm)
}

func (s *Service) CreateTrip(ctx context.Context, req CreateTripRequest) (transit.Trip, error) {
	if req.VehicleID == "" || req.RouteID == "" {
		return transit.Trip{}, fmt.Errorf("%w: vehicle_id and route_id are required", ErrBadRequest)
	}
	var departure time.Time
	if req.Departure != nil {
		departure = *req.Departure
	}
	return s.trips.Create(ctx, req.VehicleID, req.RouteID, departure)
}

func (s *Service) StartTrip(ctx context.Context, req StartTripRequest) (transit.Trip, error) {
	tripID := req.TripID
	if tripID == "" {
		if req.VehicleID == "" || req.RouteID == "" {
			return transit.Trip{}, fmt.Errorf("%w: trip_id or vehicle_id and route_id are required", ErrBadRequest)
		}
		if req.Simulate == nil {
			return s.trips.CreateAndStart(ctx, req.VehicleID, req.RouteID)
		}
		// Options are keyed by trip id, so the trip must exist before it starts.
		trip, err := s.trips.Create(ctx, req.VehicleID, req.RouteID, time.Time{})
		if err != nil {
			return transit.Trip{}, err
		}
		tripID = trip.ID
	}
	// Options must be in place before Start notifies the simulator.
	planned := req.Simulate != nil && s.planner != nil
	if planned {
		s.planner.Plan(tripID, *req.Simulate)
	}
	trip, err := s.trips.Start(ctx, tripID)
	if err != nil {
		if planned {
			s.planner.Discard(tripID)
		}
		return transit.Trip{}, err
	}
	return trip, nil
}

func (s *Service) EndTrip(ctx context.Context, req EndTripRequest) (transit.Trip, error) {
	if req.TripID == "" {
		return transit.Trip{}, fmt.Errorf("%w: trip_id is required", ErrBadRequest)
	}
	return s.trips.End(ctx, req.TripID)
}

func (s *Service) startedByVehicle(ctx context.Context) (map[string]transit.Trip, error) {
	started, err := s.store.ListTripsByStatus(ctx, transit.StatusStarted)
	if err != nil {
		return nil, fmt.Errorf("list started trips: %w", err)
	}
	out := make(map[string]transit.Trip, len(started))
	for _, t := range started {
		out[t.VehicleID] = t
	}
	return out, nil
}
