package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

var (
	t0     = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	origin = geo.Point{Lat: 33.89, Lon: 35.50}
)

func seededMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveRoute(ctx, transit.Route{
		ID:       "r1",
		Vertices: []geo.Point{origin, {Lat: 33.90, Lon: 35.51}},
		Stops:    []transit.Stop{{ID: "s1", RouteID: "r1", Order: 1, Point: origin}},
	}))
	require.NoError(t, m.UpsertVehicle(ctx, transit.Vehicle{ID: "v1", Label: "B 1234"}))
	return m
}

func TestMemoryCreateAndStartFinishesPrevious(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)

	first, finished, err := m.CreateAndStartTrip(ctx, transit.Trip{ID: "t1", VehicleID: "v1", RouteID: "r1"}, t0, origin)
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.Equal(t, transit.StatusStarted, first.Status)

	second, finished, err := m.CreateAndStartTrip(ctx, transit.Trip{ID: "t2", VehicleID: "v1", RouteID: "r1"}, t0.Add(time.Minute), origin)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, "t1", finished[0].ID)
	assert.Equal(t, transit.StatusStarted, second.Status)

	t1, err := m.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, transit.StatusFinished, t1.Status)
	assert.Equal(t, t0.Add(time.Minute), t1.FinishedAt)

	started, err := m.ListTripsByStatus(ctx, transit.StatusStarted)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "t2", started[0].ID)
}

func TestMemoryStartTripResetsVehicle(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)

	_, err := m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "v1", Point: geo.Point{Lat: 1, Lon: 1}, SpeedMps: 9, At: t0})
	require.NoError(t, err)
	_, err = m.CreateTrip(ctx, transit.Trip{ID: "t1", VehicleID: "v1", RouteID: "r1", Departure: t0})
	require.NoError(t, err)

	trip, finished, err := m.StartTrip(ctx, "t1", t0.Add(time.Second), origin)
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.Equal(t, t0.Add(time.Second), trip.StartedAt)

	v, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, v.Location)
	assert.Equal(t, origin, *v.Location)
	assert.Zero(t, v.SpeedMps)
	assert.Equal(t, "r1", v.RouteID)

	_, _, err = m.StartTrip(ctx, "t1", t0.Add(2*time.Second), origin)
	assert.ErrorIs(t, err, transit.ErrAlreadyStarted)
	again, err := m.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), again.StartedAt)
}

func TestMemoryEndTrip(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	_, err := m.CreateTrip(ctx, transit.Trip{ID: "t1", VehicleID: "v1", RouteID: "r1", Departure: t0})
	require.NoError(t, err)

	ended, err := m.EndTrip(ctx, "t1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, transit.StatusFinished, ended.Status)

	_, err = m.EndTrip(ctx, "t1", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, transit.ErrAlreadyFinished)
	_, _, err = m.StartTrip(ctx, "t1", t0, origin)
	assert.ErrorIs(t, err, transit.ErrAlreadyFinished)

	_, err = m.EndTrip(ctx, "missing", t0)
	assert.ErrorIs(t, err, transit.ErrNotFound)
}

func TestMemoryConcurrentStartsKeepOneActive(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := m.CreateAndStartTrip(ctx, transit.Trip{
				ID:        "t" + string(rune('a'+i)),
				VehicleID: "v1",
				RouteID:   "r1",
			}, t0.Add(time.Duration(i)*time.Second), origin)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	started, err := m.ListTripsByStatus(ctx, transit.StatusStarted)
	require.NoError(t, err)
	assert.Len(t, started, 1)
	finished, err := m.ListTripsByStatus(ctx, transit.StatusFinished)
	require.NoError(t, err)
	assert.Len(t, finished, 19)
}

func TestMemoryRecordPosition(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	_, _, err := m.CreateAndStartTrip(ctx, transit.Trip{ID: "t1", VehicleID: "v1", RouteID: "r1"}, t0, origin)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.RecordPosition(ctx, transit.LocationUpdate{
			VehicleID: "v1",
			TripID:    "t1",
			Point:     geo.Point{Lat: float64(i), Lon: float64(i)},
			SpeedMps:  float64(i),
			At:        t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	recent, err := m.RecentPositionSamples(ctx, "v1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, geo.Point{Lat: 2, Lon: 2}, recent[0].Point)
	assert.Equal(t, geo.Point{Lat: 1, Lon: 1}, recent[1].Point)
	assert.Equal(t, "t1", recent[0].TripID)
	assert.NotEmpty(t, recent[0].ID)

	v, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, geo.Point{Lat: 2, Lon: 2}, *v.Location)
	assert.Equal(t, t0.Add(2*time.Second), v.ReportedAt)

	_, err = m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "ghost", At: t0})
	assert.ErrorIs(t, err, transit.ErrNotFound)
	none, err := m.RecentPositionSamples(ctx, "ghost", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRecordPositionRejectsEndedTrip(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	_, _, err := m.CreateAndStartTrip(ctx, transit.Trip{ID: "t1", VehicleID: "v1", RouteID: "r1"}, t0, origin)
	require.NoError(t, err)
	_, _, err = m.CreateAndStartTrip(ctx, transit.Trip{ID: "t2", VehicleID: "v1", RouteID: "r1"}, t0.Add(time.Minute), origin)
	require.NoError(t, err)

	// A late tick from t1 must not move the vehicle t2 just reset.
	_, err = m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "v1", TripID: "t1", Point: geo.Point{Lat: 5, Lon: 5}, At: t0.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, transit.ErrTripNotStarted)
	_, err = m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "v1", TripID: "nope", At: t0})
	assert.ErrorIs(t, err, transit.ErrTripNotStarted)

	v, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, origin, *v.Location)
	samples, err := m.RecentPositionSamples(ctx, "v1", 10)
	require.NoError(t, err)
	assert.Empty(t, samples)

	_, err = m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "v1", Point: geo.Point{Lat: 1, Lon: 1}, At: t0})
	assert.NoError(t, err, "manual reports carry no trip")
}

func TestMemoryVehicleCopiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	_, err := m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "v1", Point: origin, At: t0})
	require.NoError(t, err)

	v, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	v.Location.Lat = 0

	again, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, origin, *again.Location)
}

func TestMemoryUpsertKeepsLocation(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	_, err := m.RecordPosition(ctx, transit.LocationUpdate{VehicleID: "v1", Point: origin, SpeedMps: 4, At: t0})
	require.NoError(t, err)

	require.NoError(t, m.UpsertVehicle(ctx, transit.Vehicle{ID: "v1", Label: "renamed", RouteID: "r1"}))
	v, err := m.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", v.Label)
	assert.Equal(t, origin, *v.Location)
	assert.Equal(t, 4.0, v.SpeedMps)
}

func TestMemoryUpdateStopCumulative(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	require.NoError(t, m.UpdateStopCumulative(ctx, []transit.Stop{{ID: "s1", RouteID: "r1", CumulativeKm: 1.5}}))

	routes, err := m.LoadRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, 1.5, routes[0].Stops[0].CumulativeKm)

	err = m.UpdateStopCumulative(ctx, []transit.Stop{{ID: "nope", RouteID: "r1"}})
	assert.ErrorIs(t, err, transit.ErrNotFound)
}

func TestMemoryCreateTripUnknownVehicle(t *testing.T) {
	m := seededMemory(t)
	_, err := m.CreateTrip(context.Background(), transit.Trip{ID: "t1", VehicleID: "ghost", RouteID: "r1"})
	assert.ErrorIs(t, err, transit.ErrNotFound)
	_, _, err = m.CreateAndStartTrip(context.Background(), transit.Trip{ID: "t2", VehicleID: "ghost", RouteID: "r1"}, t0, origin)
	assert.ErrorIs(t, err, transit.ErrNotFound)
}
