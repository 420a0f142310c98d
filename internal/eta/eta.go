// Package eta turns distances and speeds into arrival estimates, either as the
// crow flies or along a route polyline.
package eta

import (
	"math"
	"sort"
	"time"

	"transit-tracker/internal/geo"
)

const (
	DefaultFallbackSpeedMps  = 10.0
	DefaultArrivalThresholdM = 10.0
	DefaultRouteBufferKm     = 0.8
	DefaultHorizon           = 90 * time.Minute

	// minArrivalMinutes keeps a non-arrival from reading as zero.
	minArrivalMinutes = 0.1
)

type Options struct {
	FallbackSpeedMps  float64
	ArrivalThresholdM float64
	RouteBufferKm     float64
	Horizon           time.Duration
}

func DefaultOptions() Options {
	return Options{
		FallbackSpeedMps:  DefaultFallbackSpeedMps,
		ArrivalThresholdM: DefaultArrivalThresholdM,
		RouteBufferKm:     DefaultRouteBufferKm,
		Horizon:           DefaultHorizon,
	}
}

func (o Options) withDefaults() Options {
	if o.FallbackSpeedMps <= 0 {
		o.FallbackSpeedMps = DefaultFallbackSpeedMps
	}
	if o.ArrivalThresholdM <= 0 {
		o.ArrivalThresholdM = DefaultArrivalThresholdM
	}
	if o.RouteBufferKm <= 0 {
		o.RouteBufferKm = DefaultRouteBufferKm
	}
	if o.Horizon <= 0 {
		o.Horizon = DefaultHorizon
	}
	return o
}

// Breakdown is a duration split by floor division.
type Breakdown struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

type Estimate struct {
	DistanceM      float64   `json:"distance_m"`
	SpeedMps       float64   `json:"speed_mps"`
	Seconds        float64   `json:"seconds"`
	ETA            Breakdown `json:"eta"`
	ArrivalMinutes float64   `json:"estimated_arrival_minutes"`
}

// Arrived reports whether the target was within the arrival threshold.
func (e Estimate) Arrived() bool { return e.Seconds == 0 }

// Direct estimates arrival at target from a position moving at speedMps.
// A non-positive speed falls back to opts.FallbackSpeedMps.
func Direct(from geo.Point, speedMps float64, target geo.Point, opts Options) Estimate {
	opts = opts.withDefaults()
	return fromDistance(geo.DistanceMeters(from, target), speedMps, opts)
}

func fromDistance(distanceM, speedMps float64, opts Options) Estimate {
	speed := speedMps
	if speed <= 0 {
		speed = opts.FallbackSpeedMps
	}
	est := Estimate{DistanceM: distanceM, SpeedMps: speed}
	if distanceM <= opts.ArrivalThresholdM {
		return est
	}
	est.Seconds = distanceM / speed
	est.ETA = split(est.Seconds)
	est.ArrivalMinutes = math.Max(minArrivalMinutes, math.Round(est.Seconds/60*10)/10)
	return est
}

func split(seconds float64) Breakdown {
	total := int(math.Floor(seconds))
	return Breakdown{
		Hours:   total / 3600,
		Minutes: (total % 3600) / 60,
		Seconds: total % 60,
	}
}

// AlongRouteEstimate is an estimate measured along a route instead of straight.
type AlongRouteEstimate struct {
	Estimate
	// Ahead is false when the target lies behind the vehicle on the route.
	Ahead           bool    `json:"ahead"`
	OffRouteKm      float64 `json:"off_route_km"`
	VehicleArcKm    float64 `json:"vehicle_arc_km"`
	TargetArcKm     float64 `json:"target_arc_km"`
	AlongDistanceKm float64 `json:"along_distance_km"`
}

// AlongRoute projects vehicle and target onto vertices and estimates travel
// over the arc-length difference. It returns nil without error when the route
// does not pass within the buffer of target or the estimate exceeds the horizon.
func AlongRoute(vertices []geo.Point, vehicle geo.Point, speedMps float64, target geo.Point, opts Options) (*AlongRouteEstimate, error) {
	opts = opts.withDefaults()
	tp, err := geo.Project(vertices, target)
	if err != nil {
		return nil, err
	}
	if tp.PerpendicularDistanceKm > opts.RouteBufferKm {
		return nil, nil
	}
	vp, err := geo.Project(vertices, vehicle)
	if err != nil {
		return nil, err
	}
	along := tp.ArcLengthKm - vp.ArcLengthKm
	est := fromDistance(math.Abs(along)*1000, speedMps, opts)
	if est.Seconds > opts.Horizon.Seconds() {
		return nil, nil
	}
	return &AlongRouteEstimate{
		Estimate:        est,
		Ahead:           along >= 0,
		OffRouteKm:      tp.PerpendicularDistanceKm,
		VehicleArcKm:    vp.ArcLengthKm,
		TargetArcKm:     tp.ArcLengthKm,
		AlongDistanceKm: along,
	}, nil
}

// Candidate is one vehicle that can serve a destination.
type Candidate struct {
	VehicleID string             `json:"vehicle_id"`
	TripID    string             `json:"trip_id,omitempty"`
	RouteID   string             `json:"route_id"`
	Estimate  AlongRouteEstimate `json:"estimate"`
}

// Mover is a vehicle on a route, as seen by ToDestination.
type Mover struct {
	VehicleID string
	TripID    string
	RouteID   string
	Vertices  []geo.Point
	Position  geo.Point
	SpeedMps  float64
}

// ToDestination runs AlongRoute for each mover and returns those that pass
// near target, fastest first. Movers on degenerate routes are skipped.
func ToDestination(movers []Mover, target geo.Point, opts Options) []Candidate {
	out := make([]Candidate, 0)
	for _, m := range movers {
		est, err := AlongRoute(m.Vertices, m.Position, m.SpeedMps, target, opts)
		if err != nil || est == nil {
			continue
		}
		out = append(out, Candidate{VehicleID: m.VehicleID, TripID: m.TripID, RouteID: m.RouteID, Estimate: *est})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Estimate.Seconds < out[j].Estimate.Seconds })
	return out
}
