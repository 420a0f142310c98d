package eta

import (
	"context"
	"errors"
	"fmt"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

var ErrNoRecentPosition = errors.New("no recent position")

// PositionReader is the read side of vehicle state ForVehicle needs.
type PositionReader interface {
	GetVehicle(ctx context.Context, id string) (transit.Vehicle, error)
	RecentPositionSamples(ctx context.Context, vehicleID string, limit int) ([]transit.PositionSample, error)
}

// ForVehicle estimates when vehicleID reaches target from its last known
// location, falling back to its most recent position sample.
func ForVehicle(ctx context.Context, r PositionReader, vehicleID string, target geo.Point, opts Options) (Estimate, error) {
	v, err := r.GetVehicle(ctx, vehicleID)
	if err != nil {
		return Estimate{}, fmt.Errorf("get vehicle %s: %w", vehicleID, err)
	}
	if v.HasLocation() {
		return Direct(*v.Location, v.SpeedMps, target, opts), nil
	}
	samples, err := r.RecentPositionSamples(ctx, vehicleID, 1)
	if err != nil {
		return Estimate{}, fmt.Errorf("recent samples for %s: %w", vehicleID, err)
	}
	if len(samples) == 0 {
		return Estimate{}, fmt.Errorf("vehicle %s: %w", vehicleID, ErrNoRecentPosition)
	}
	s := samples[0]
	return Direct(s.Point, s.SpeedMps, target, opts), nil
}
