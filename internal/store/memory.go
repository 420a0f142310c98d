package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

// Memory is a mutex-guarded Store. One lock covers every entity, so each
// method is a single atomic step.
type Memory struct {
	mu       sync.Mutex
	routes   map[string]transit.Route
	vehicles map[string]transit.Vehicle
	trips    map[string]transit.Trip
	samples  map[string][]transit.PositionSample // per vehicle, oldest first
}

func NewMemory() *Memory {
	return &Memory{
		routes:   make(map[string]transit.Route),
		vehicles: make(map[string]transit.Vehicle),
		trips:    make(map[string]transit.Trip),
		samples:  make(map[string][]transit.PositionSample),
	}
}

func (m *Memory) LoadRoutes(_ context.Context) ([]transit.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transit.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, copyRoute(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRoute(_ context.Context, r transit.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = copyRoute(r)
	return nil
}

func (m *Memory) UpdateStopCumulative(_ context.Context, stops []transit.Stop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stops {
		r, ok := m.routes[s.RouteID]
		if !ok {
			return fmt.Errorf("route %s: %w", s.RouteID, transit.ErrNotFound)
		}
		found := false
		for i := range r.Stops {
			if r.Stops[i].ID == s.ID {
				r.Stops[i].CumulativeKm = s.CumulativeKm
				found = true
			}
		}
		if !found {
			return fmt.Errorf("stop %s: %w", s.ID, transit.ErrNotFound)
		}
		m.routes[s.RouteID] = r
	}
	return nil
}

func copyRoute(r transit.Route) transit.Route {
	r.Vertices = append([]geo.Point(nil), r.Vertices...)
	r.Stops = append([]transit.Stop(nil), r.Stops...)
	return r
}

func copyVehicle(v transit.Vehicle) transit.Vehicle {
	if v.Location != nil {
		loc := *v.Location
		v.Location = &loc
	}
	return v
}

func (m *Memory) GetVehicle(_ context.Context, id string) (transit.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return transit.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, transit.ErrNotFound)
	}
	return copyVehicle(v), nil
}

func (m *Memory) ListVehicles(_ context.Context) ([]transit.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transit.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, copyVehicle(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertVehicle inserts v or updates its label and route. An existing location
// is only replaced when v carries one.
func (m *Memory) UpsertVehicle(_ context.Context, v transit.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.vehicles[v.ID]
	if !ok {
		m.vehicles[v.ID] = copyVehicle(v)
		return nil
	}
	cur.Label = v.Label
	cur.RouteID = v.RouteID
	if v.Location != nil {
		loc := *v.Location
		cur.Location = &loc
		cur.SpeedMps = v.SpeedMps
		cur.HeadingDeg = v.HeadingDeg
		cur.ReportedAt = v.ReportedAt
	}
	m.vehicles[v.ID] = cur
	return nil
}

func (m *Memory) RecordPosition(_ context.Context, u transit.LocationUpdate) (transit.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[u.VehicleID]
	if !ok {
		return transit.PositionSample{}, fmt.Errorf("vehicle %s: %w", u.VehicleID, transit.ErrNotFound)
	}
	if u.TripID != "" {
		if t, ok := m.trips[u.TripID]; !ok || t.Status != transit.StatusStarted {
			return transit.PositionSample{}, fmt.Errorf("trip %s: %w", u.TripID, transit.ErrTripNotStarted)
		}
	}
	p := u.Point
	v.Location = &p
	v.SpeedMps = u.SpeedMps
	v.HeadingDeg = u.HeadingDeg
	v.ReportedAt = u.At
	m.vehicles[v.ID] = v

	s := transit.PositionSample{
		ID:         uuid.NewString(),
		VehicleID:  u.VehicleID,
		TripID:     u.TripID,
		Point:      u.Point,
		HeadingDeg: u.HeadingDeg,
		SpeedMps:   u.SpeedMps,
		RecordedAt: u.At,
	}
	m.samples[u.VehicleID] = append(m.samples[u.VehicleID], s)
	return s, nil
}

// RecentPositionSamples returns up to limit samples, newest first.
func (m *Memory) RecentPositionSamples(_ context.Context, vehicleID string, limit int) ([]transit.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.samples[vehicleID]
	out := make([]transit.PositionSample, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, hist[i])
	}
	return out, nil
}

func (m *Memory) CreateTrip(_ context.Context, trip transit.Trip) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[trip.VehicleID]; !ok {
		return transit.Trip{}, fmt.Errorf("vehicle %s: %w", trip.VehicleID, transit.ErrNotFound)
	}
	if _, dup := m.trips[trip.ID]; dup {
		return transit.Trip{}, fmt.Errorf("trip %s already exists", trip.ID)
	}
	if trip.Status == "" {
		trip.Status = transit.StatusPending
	}
	m.trips[trip.ID] = trip
	return trip, nil
}

func (m *Memory) GetTrip(_ context.Context, id string) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	return t, nil
}

func (m *Memory) ListTripsByStatus(_ context.Context, status transit.TripStatus) ([]transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transit.Trip, 0)
	for _, t := range m.trips {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Departure.Equal(out[j].Departure) {
			return out[i].Departure.Before(out[j].Departure)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) StartTrip(_ context.Context, id string, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, nil, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if err := t.Start(at); err != nil {
		return transit.Trip{}, nil, err
	}
	if _, ok := m.vehicles[t.VehicleID]; !ok {
		return transit.Trip{}, nil, fmt.Errorf("vehicle %s: %w", t.VehicleID, transit.ErrNotFound)
	}
	finished := m.finishStartedLocked(t.VehicleID, id, at)
	m.trips[id] = t
	m.resetVehicleLocked(t, at, origin)
	return t, finished, nil
}

func (m *Memory) CreateAndStartTrip(_ context.Context, trip transit.Trip, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[trip.VehicleID]; !ok {
		return transit.Trip{}, nil, fmt.Errorf("vehicle %s: %w", trip.VehicleID, transit.ErrNotFound)
	}
	if _, dup := m.trips[trip.ID]; dup {
		return transit.Trip{}, nil, fmt.Errorf("trip %s already exists", trip.ID)
	}
	finished := m.finishStartedLocked(trip.VehicleID, trip.ID, at)
	trip.Status = transit.StatusStarted
	trip.StartedAt = at
	if trip.Departure.IsZero() {
		trip.Departure = at
	}
	m.trips[trip.ID] = trip
	m.resetVehicleLocked(trip, at, origin)
	return trip, finished, nil
}

func (m *Memory) EndTrip(_ context.Context, id string, at time.Time) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if err := t.Finish(at); err != nil {
		return transit.Trip{}, err
	}
	m.trips[id] = t
	return t, nil
}

func (m *Memory) finishStartedLocked(vehicleID, except string, at time.Time) []transit.Trip {
	var finished []transit.Trip
	for id, t := range m.trips {
		if id == except || t.VehicleID != vehicleID || t.Status != transit.StatusStarted {
			continue
		}
		t.Status = transit.StatusFinished
		t.FinishedAt = at
		m.trips[id] = t
		finished = append(finished, t)
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].ID < finished[j].ID })
	return finished
}

func (m *Memory) resetVehicleLocked(t transit.Trip, at time.Time, origin geo.Point) {
	v := m.vehicles[t.VehicleID]
	v.Location = &origin
	v.SpeedMps = 0
	v.ReportedAt = at
	v.RouteID = t.RouteID
	m.vehicles[v.ID] = v
}
