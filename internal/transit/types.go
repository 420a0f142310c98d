package transit

import (
	"time"

	"transit-tracker/internal/geo"
)

type Stop struct {
	ID      string    `json:"id"`
	RouteID string    `json:"routeId"`
	Order   int       `json:"order"`
	Name    string    `json:"name,omitempty"`
	Point   geo.Point `json:"location"`
	// CumulativeKm is the cached distance along the route from its start.
	CumulativeKm float64 `json:"cumulativeKm"`
}

type Route struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Vertices []geo.Point `json:"vertices"`
	Stops    []Stop      `json:"stops"` // ascending Order
}

type Vehicle struct {
	ID         string     `json:"id"`
	Label      string     `json:"label,omitempty"` // plate number
	Location   *geo.Point `json:"location,omitempty"`
	SpeedMps   float64    `json:"speedMps"`
	HeadingDeg float64    `json:"headingDeg"`
	ReportedAt time.Time  `json:"reportedAt"`
	RouteID    string     `json:"routeId,omitempty"`
}

// HasLocation reports whether the vehicle has ever reported a position.
func (v Vehicle) HasLocation() bool { return v.Location != nil }

type Trip struct {
	ID         string     `json:"id"`
	VehicleID  string     `json:"vehicleId"`
	RouteID    string     `json:"routeId"`
	Status     TripStatus `json:"status"`
	Departure  time.Time  `json:"departure"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

// PositionSample is an immutable history record; it is never updated once written.
type PositionSample struct {
	ID         string    `json:"id"`
	VehicleID  string    `json:"vehicleId"`
	TripID     string    `json:"tripId,omitempty"`
	Point      geo.Point `json:"location"`
	HeadingDeg float64   `json:"headingDeg"`
	SpeedMps   float64   `json:"speedMps"`
	RecordedAt time.Time `json:"recordedAt"`
}

// LocationUpdate is a single write to a vehicle's current state.
type LocationUpdate struct {
	VehicleID  string
	TripID     string // empty for manual or device reports
	Point      geo.Point
	SpeedMps   float64
	HeadingDeg float64
	At         time.Time
}
