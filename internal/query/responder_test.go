package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"transit-tracker/internal/eta"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

type countingMetrics struct {
	seen map[string]int
}

func (c *countingMetrics) QueryObserve(op, status string) {
	if c.seen == nil {
		c.seen = map[string]int{}
	}
	c.seen[op+"/"+status]++
}

type decoded struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ErrorResponse  `json:"error"`
}

func call(t *testing.T, r *Responder, op, body string) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, json.Unmarshal(r.Handle(context.Background(), op, []byte(body)), &d))
	return d
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ReasonOK},
		{fmt.Errorf("x: %w", ErrBadRequest), ReasonBadRequest},
		{geo.ErrDegenerateRoute, ReasonInvalidGeometry},
		{geo.ErrInvalidRadius, ReasonInvalidGeometry},
		{fmt.Errorf("trip t: %w", transit.ErrNotFound), ReasonNotFound},
		{transit.ErrAlreadyStarted, ReasonAlreadyStarted},
		{transit.ErrAlreadyFinished, ReasonAlreadyFinished},
		{transit.ErrInvalidTransition, ReasonBadRequest},
		{transit.ErrTripNotStarted, ReasonBadRequest},
		{eta.ErrNoRecentPosition, ReasonNoRecentPosition},
		{errors.New("connection reset"), ReasonInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err), "%v", tt.err)
	}
}

func TestHandle(t *testing.T) {
	e := setup(t)
	m := &countingMetrics{}
	r := NewResponder(nil, "transit", e.svc, m, zap.NewNop())

	d := call(t, r, OpStopsNearby, `{"lat": 33.89, "lon": 35.48, "radius_km": 0.6, "limit": 5}`)
	require.True(t, d.OK)
	var stops []struct {
		Stop       transit.Stop `json:"stop"`
		DistanceKm float64      `json:"distanceKm"`
	}
	require.NoError(t, json.Unmarshal(d.Data, &stops))
	require.Len(t, stops, 1)
	assert.Equal(t, "s1", stops[0].Stop.ID)

	d = call(t, r, OpVehicleETA, `{"vehicle_id": "v1", "target_lat": 33.89, "target_lon": 35.50}`)
	require.True(t, d.OK)
	var est map[string]any
	require.NoError(t, json.Unmarshal(d.Data, &est))
	assert.Contains(t, est, "distance_m")
	assert.Contains(t, est, "eta")
	assert.Contains(t, est, "estimated_arrival_minutes")

	d = call(t, r, OpStopsNearby, `{"lat": 33.89, "lon": 35.48, "radius_km": -1}`)
	assert.False(t, d.OK)
	assert.Equal(t, ReasonInvalidGeometry, d.Error.Code)
	assert.Empty(t, d.Data)

	d = call(t, r, OpVehiclesNearby, `{"lat": "north"}`)
	assert.Equal(t, ReasonBadRequest, d.Error.Code)

	d = call(t, r, "vehicles.teleport", `{}`)
	assert.Equal(t, ReasonBadRequest, d.Error.Code)

	d = call(t, r, OpVehicleETA, `{"vehicle_id": "v4", "target_lat": 33.89, "target_lon": 35.50}`)
	assert.Equal(t, ReasonNoRecentPosition, d.Error.Code)

	d = call(t, r, OpTripsStart, fmt.Sprintf(`{"trip_id": %q}`, e.tripV1.ID))
	assert.Equal(t, ReasonAlreadyStarted, d.Error.Code)

	d = call(t, r, OpTripsEnd, fmt.Sprintf(`{"trip_id": %q}`, e.tripV1.ID))
	require.True(t, d.OK)
	d = call(t, r, OpTripsEnd, fmt.Sprintf(`{"trip_id": %q}`, e.tripV1.ID))
	assert.Equal(t, ReasonAlreadyFinished, d.Error.Code)

	d = call(t, r, OpTransfersPlan, `{"origin_stop_id": "s1", "destination_stop_id": "zz"}`)
	assert.Equal(t, ReasonNotFound, d.Error.Code)

	d = call(t, r, OpVehicleLocation, `{"vehicle_id": "v4", "lat": 33.9, "lon": 35.5, "speed_mps": 3}`)
	require.True(t, d.OK)

	d = call(t, r, OpDestinationVehicles, `{"lat": 33.89, "lon": 35.50}`)
	require.True(t, d.OK)
	assert.JSONEq(t, `[]`, string(d.Data), "the only started trip was ended")

	assert.Equal(t, 1, m.seen[OpStopsNearby+"/ok"])
	assert.Equal(t, 1, m.seen[OpStopsNearby+"/invalid_geometry"])
	assert.Equal(t, 1, m.seen[OpTripsStart+"/already_started"])
}

func TestHandleCreateThenStart(t *testing.T) {
	e := setup(t)
	r := NewResponder(nil, "transit", e.svc, nil, zap.NewNop())

	d := call(t, r, OpTripsCreate, `{"vehicle_id": "v2", "route_id": "r1", "departure": "2025-03-01T08:30:00Z"}`)
	require.True(t, d.OK)
	var trip transit.Trip
	require.NoError(t, json.Unmarshal(d.Data, &trip))
	assert.Equal(t, transit.StatusPending, trip.Status)
	assert.True(t, trip.Departure.Equal(time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)))

	d = call(t, r, OpTripsStart, fmt.Sprintf(`{"trip_id": %q}`, trip.ID))
	require.True(t, d.OK)
	require.NoError(t, json.Unmarshal(d.Data, &trip))
	assert.Equal(t, transit.StatusStarted, trip.Status)

	d = call(t, r, OpTripsCreate, `{"vehicle_id": "v2", "route_id": "r1", "departure": "half past eight"}`)
	assert.Equal(t, ReasonBadRequest, d.Error.Code)
	d = call(t, r, OpTripsCreate, `{"vehicle_id": "v2", "route_id": "r9"}`)
	assert.Equal(t, ReasonNotFound, d.Error.Code)
}
