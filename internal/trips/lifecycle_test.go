package trips

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transit-tracker/internal/catalog"
	"transit-tracker/internal/clock"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/store"
	"transit-tracker/internal/transit"
)

var routeStart = geo.Point{Lat: 33.89, Lon: 35.50}

type recorder struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (r *recorder) TripStarted(t transit.Trip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, t.ID)
}

func (r *recorder) TripEnded(t transit.Trip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, t.ID)
}

func setupLifecycle(t *testing.T) (*Lifecycle, *store.Memory, *clock.MockClock, *recorder) {
	t.Helper()
	ctx := context.Background()
	cat, err := catalog.New([]transit.Route{{
		ID:       "r1",
		Vertices: []geo.Point{routeStart, {Lat: 33.90, Lon: 35.51}},
	}})
	require.NoError(t, err)

	mem := store.NewMemory()
	far := geo.Point{Lat: 34.5, Lon: 36}
	require.NoError(t, mem.UpsertVehicle(ctx, transit.Vehicle{ID: "v1", Location: &far, SpeedMps: 12}))
	require.NoError(t, mem.UpsertVehicle(ctx, transit.Vehicle{ID: "v2"}))

	clk := clock.NewMockClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	rec := &recorder{}
	l := New(mem, cat, clk, zap.NewNop())
	l.Observe(rec)
	return l, mem, clk, rec
}

func TestStartPendingTrip(t *testing.T) {
	ctx := context.Background()
	l, mem, clk, rec := setupLifecycle(t)

	trip, err := l.Create(ctx, "v1", "r1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, transit.StatusPending, trip.Status)
	assert.Equal(t, clk.Now(), trip.Departure)
	assert.NotEmpty(t, trip.ID)

	clk.Advance(time.Minute)
	started, err := l.Start(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusStarted, started.Status)
	assert.Equal(t, clk.Now(), started.StartedAt)

	v, err := mem.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, routeStart, *v.Location, "vehicle is reset to the route start")
	assert.Zero(t, v.SpeedMps)

	_, err = l.Start(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyStarted)
	again, err := l.Get(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusStarted, again.Status)
	assert.Equal(t, started.StartedAt, again.StartedAt)

	assert.Equal(t, []string{trip.ID}, rec.started)
}

func TestCreateAndStartFinishesActiveTrip(t *testing.T) {
	ctx := context.Background()
	l, mem, clk, rec := setupLifecycle(t)

	t1, err := l.CreateAndStart(ctx, "v1", "r1")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	t2, err := l.CreateAndStart(ctx, "v1", "r1")
	require.NoError(t, err)
	assert.Equal(t, transit.StatusStarted, t2.Status)
	assert.NotEqual(t, t1.ID, t2.ID)

	old, err := mem.GetTrip(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusFinished, old.Status)
	assert.Equal(t, clk.Now(), old.FinishedAt)

	assert.Equal(t, []string{t1.ID, t2.ID}, rec.started)
	assert.Equal(t, []string{t1.ID}, rec.ended)
}

func TestStartPendingForcesOtherTripToFinish(t *testing.T) {
	ctx := context.Background()
	l, mem, _, rec := setupLifecycle(t)

	running, err := l.CreateAndStart(ctx, "v1", "r1")
	require.NoError(t, err)
	pending, err := l.Create(ctx, "v1", "r1", time.Time{})
	require.NoError(t, err)

	_, err = l.Start(ctx, pending.ID)
	require.NoError(t, err)

	started, err := mem.ListTripsByStatus(ctx, transit.StatusStarted)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, pending.ID, started[0].ID)
	assert.Equal(t, []string{running.ID}, rec.ended)
}

func TestEnd(t *testing.T) {
	ctx := context.Background()
	l, _, _, rec := setupLifecycle(t)

	trip, err := l.CreateAndStart(ctx, "v2", "r1")
	require.NoError(t, err)

	ended, err := l.End(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusFinished, ended.Status)
	assert.Equal(t, []string{trip.ID}, rec.ended)

	_, err = l.End(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyFinished)
	assert.Len(t, rec.ended, 1, "rejected transitions are not observed")

	_, err = l.Start(ctx, trip.ID)
	assert.ErrorIs(t, err, transit.ErrAlreadyFinished)
}

func TestEndPendingTrip(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := setupLifecycle(t)

	trip, err := l.Create(ctx, "v2", "r1", time.Time{})
	require.NoError(t, err)
	ended, err := l.End(ctx, trip.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.StatusFinished, ended.Status)
}

func TestUnknownEntities(t *testing.T) {
	ctx := context.Background()
	l, _, _, _ := setupLifecycle(t)

	_, err := l.Create(ctx, "v1", "missing-route", time.Time{})
	assert.ErrorIs(t, err, transit.ErrNotFound)
	_, err = l.Create(ctx, "ghost", "r1", time.Time{})
	assert.ErrorIs(t, err, transit.ErrNotFound)
	_, err = l.CreateAndStart(ctx, "ghost", "r1")
	assert.ErrorIs(t, err, transit.ErrNotFound)
	_, err = l.Start(ctx, "no-trip")
	assert.ErrorIs(t, err, transit.ErrNotFound)
	_, err = l.End(ctx, "no-trip")
	assert.ErrorIs(t, err, transit.ErrNotFound)
}
