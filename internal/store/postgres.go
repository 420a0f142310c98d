package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	geojson "github.com/paulmach/go.geojson"

	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

//go:embed schema.sql
var schema string

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const (
	selectRoutes = `SELECT id, name, geometry FROM routes ORDER BY id`
	selectStops  = `SELECT id, route_id, stop_order, name, lat, lon, cumulative_km FROM stops ORDER BY route_id, stop_order`
	upsertRoute  = `INSERT INTO routes (id, name, geometry) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, geometry = EXCLUDED.geometry`
	upsertStop = `INSERT INTO stops (id, route_id, stop_order, name, lat, lon, cumulative_km) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET route_id = EXCLUDED.route_id, stop_order = EXCLUDED.stop_order, name = EXCLUDED.name,
  lat = EXCLUDED.lat, lon = EXCLUDED.lon, cumulative_km = EXCLUDED.cumulative_km`
	updateStopCumulative = `UPDATE stops SET cumulative_km = $2 WHERE id = $1`

	vehicleColumns = `id, label, lat, lon, speed_mps, heading_deg, reported_at, route_id`
	selectVehicle  = `SELECT ` + vehicleColumns + ` FROM vehicles WHERE id = $1`
	selectVehicles = `SELECT ` + vehicleColumns + ` FROM vehicles ORDER BY id`
	upsertVehicle  = `INSERT INTO vehicles (id, label, lat, lon, speed_mps, heading_deg, reported_at, route_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label, route_id = EXCLUDED.route_id,
  lat = COALESCE(EXCLUDED.lat, vehicles.lat), lon = COALESCE(EXCLUDED.lon, vehicles.lon),
  speed_mps = CASE WHEN EXCLUDED.lat IS NULL THEN vehicles.speed_mps ELSE EXCLUDED.speed_mps END,
  heading_deg = CASE WHEN EXCLUDED.lat IS NULL THEN vehicles.heading_deg ELSE EXCLUDED.heading_deg END,
  reported_at = COALESCE(EXCLUDED.reported_at, vehicles.reported_at)`
	updateVehicleLocation = `UPDATE vehicles SET lat = $2, lon = $3, speed_mps = $4, heading_deg = $5, reported_at = $6 WHERE id = $1`
	resetVehicle          = `UPDATE vehicles SET lat = $2, lon = $3, speed_mps = 0, reported_at = $4, route_id = $5 WHERE id = $1`
	lockVehicle           = `SELECT id FROM vehicles WHERE id = $1 FOR UPDATE`

	insertSample = `INSERT INTO position_samples (vehicle_id, trip_id, lat, lon, heading_deg, speed_mps, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	selectSamples = `SELECT id, vehicle_id, COALESCE(trip_id, ''), lat, lon, heading_deg, speed_mps, recorded_at
FROM position_samples WHERE vehicle_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2`

	tripColumns   = `id, vehicle_id, route_id, status, departure, started_at, finished_at`
	insertTrip    = `INSERT INTO trips (` + tripColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	selectTrip    = `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	lockTrip      = selectTrip + ` FOR UPDATE`
	selectByState = `SELECT ` + tripColumns + ` FROM trips WHERE status = $1 ORDER BY departure, id`
	finishOthers  = `UPDATE trips SET status = 'finished', finished_at = $2
WHERE vehicle_id = $1 AND status = 'started' AND id <> $3 RETURNING ` + tripColumns
	markStarted  = `UPDATE trips SET status = 'started', started_at = $2 WHERE id = $1`
	markFinished = `UPDATE trips SET status = 'finished', finished_at = $2 WHERE id = $1`

	// Blocks while a start or end holds the trip row.
	shareTripStatus = `SELECT status FROM trips WHERE id = $1 FOR SHARE`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) LoadRoutes(ctx context.Context) ([]transit.Route, error) {
	rows, err := p.db.QueryContext(ctx, selectRoutes)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []transit.Route
	index := make(map[string]int)
	for rows.Next() {
		var r transit.Route
		var raw []byte
		if err := rows.Scan(&r.ID, &r.Name, &raw); err != nil {
			return nil, err
		}
		if r.Vertices, err = decodeLineString(raw); err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ID, err)
		}
		index[r.ID] = len(routes)
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := p.db.QueryContext(ctx, selectStops)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var s transit.Stop
		if err := srows.Scan(&s.ID, &s.RouteID, &s.Order, &s.Name, &s.Point.Lat, &s.Point.Lon, &s.CumulativeKm); err != nil {
			return nil, err
		}
		i, ok := index[s.RouteID]
		if !ok {
			continue
		}
		routes[i].Stops = append(routes[i].Stops, s)
	}
	return routes, srows.Err()
}

func (p *Postgres) SaveRoute(ctx context.Context, r transit.Route) error {
	raw, err := encodeLineString(r.Vertices)
	if err != nil {
		return fmt.Errorf("route %s: %w", r.ID, err)
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertRoute, r.ID, r.Name, raw); err != nil {
			return fmt.Errorf("upsert route %s: %w", r.ID, err)
		}
		for _, s := range r.Stops {
			if _, err := tx.ExecContext(ctx, upsertStop, s.ID, r.ID, s.Order, s.Name, s.Point.Lat, s.Point.Lon, s.CumulativeKm); err != nil {
				return fmt.Errorf("upsert stop %s: %w", s.ID, err)
			}
		}
		return nil
	})
}

func (p *Postgres) UpdateStopCumulative(ctx context.Context, stops []transit.Stop) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, s := range stops {
			res, err := tx.ExecContext(ctx, updateStopCumulative, s.ID, s.CumulativeKm)
			if err != nil {
				return fmt.Errorf("update stop %s: %w", s.ID, err)
			}
			if err := expectRow(res, "stop", s.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// encodeLineString stores vertices as a GeoJSON LineString, [lon, lat] ordered.
func encodeLineString(vertices []geo.Point) ([]byte, error) {
	coords := make([][]float64, len(vertices))
	for i, v := range vertices {
		coords[i] = []float64{v.Lon, v.Lat}
	}
	return geojson.NewLineStringGeometry(coords).MarshalJSON()
}

func decodeLineString(raw []byte) ([]geo.Point, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	if !g.IsLineString() {
		return nil, fmt.Errorf("%w: geometry is %s, want LineString", geo.ErrInvalidGeometry, g.Type)
	}
	out := make([]geo.Point, 0, len(g.LineString))
	for _, c := range g.LineString {
		if len(c) < 2 {
			return nil, fmt.Errorf("%w: coordinate needs lon and lat", geo.ErrInvalidGeometry)
		}
		out = append(out, geo.FromLonLat(c[0], c[1]))
	}
	return out, nil
}

func scanVehicle(row rowScanner) (transit.Vehicle, error) {
	var (
		v          transit.Vehicle
		lat, lon   sql.NullFloat64
		reportedAt sql.NullTime
		routeID    sql.NullString
	)
	if err := row.Scan(&v.ID, &v.Label, &lat, &lon, &v.SpeedMps, &v.HeadingDeg, &reportedAt, &routeID); err != nil {
		return transit.Vehicle{}, err
	}
	if lat.Valid && lon.Valid {
		v.Location = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	v.ReportedAt = reportedAt.Time
	v.RouteID = routeID.String
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (transit.Vehicle, error) {
	v, err := scanVehicle(p.db.QueryRowContext(ctx, selectVehicle, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, transit.ErrNotFound)
	}
	if err != nil {
		return transit.Vehicle{}, fmt.Errorf("get vehicle %s: %w", id, err)
	}
	return v, nil
}

func (p *Postgres) ListVehicles(ctx context.Context) ([]transit.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, selectVehicles)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()
	var out []transit.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v transit.Vehicle) error {
	var lat, lon sql.NullFloat64
	if v.Location != nil {
		lat = sql.NullFloat64{Float64: v.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: v.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, upsertVehicle, v.ID, v.Label, lat, lon, v.SpeedMps, v.HeadingDeg,
		nullTime(v.ReportedAt), nullString(v.RouteID))
	if err != nil {
		return fmt.Errorf("upsert vehicle %s: %w", v.ID, mapPgError(err))
	}
	return nil
}

func (p *Postgres) RecordPosition(ctx context.Context, u transit.LocationUpdate) (transit.PositionSample, error) {
	s := transit.PositionSample{
		VehicleID:  u.VehicleID,
		TripID:     u.TripID,
		Point:      u.Point,
		HeadingDeg: u.HeadingDeg,
		SpeedMps:   u.SpeedMps,
		RecordedAt: u.At,
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, updateVehicleLocation, u.VehicleID, u.Point.Lat, u.Point.Lon, u.SpeedMps, u.HeadingDeg, u.At)
		if err != nil {
			return fmt.Errorf("update vehicle %s: %w", u.VehicleID, err)
		}
		if err := expectRow(res, "vehicle", u.VehicleID); err != nil {
			return err
		}
		// Vehicle row first, then the trip, matching the order trip starts lock in.
		if u.TripID != "" {
			var status string
			err = tx.QueryRowContext(ctx, shareTripStatus, u.TripID).Scan(&status)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lock trip %s: %w", u.TripID, err)
			}
			if transit.TripStatus(status) != transit.StatusStarted {
				return fmt.Errorf("trip %s: %w", u.TripID, transit.ErrTripNotStarted)
			}
		}
		var id int64
		err = tx.QueryRowContext(ctx, insertSample, u.VehicleID, nullString(u.TripID), u.Point.Lat, u.Point.Lon, u.HeadingDeg, u.SpeedMps, u.At).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert position sample: %w", mapPgError(err))
		}
		s.ID = strconv.FormatInt(id, 10)
		return nil
	})
	if err != nil {
		return transit.PositionSample{}, err
	}
	return s, nil
}

func (p *Postgres) RecentPositionSamples(ctx context.Context, vehicleID string, limit int) ([]transit.PositionSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, selectSamples, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query position samples: %w", err)
	}
	defer rows.Close()
	out := make([]transit.PositionSample, 0)
	for rows.Next() {
		var s transit.PositionSample
		var id int64
		if err := rows.Scan(&id, &s.VehicleID, &s.TripID, &s.Point.Lat, &s.Point.Lon, &s.HeadingDeg, &s.SpeedMps, &s.RecordedAt); err != nil {
			return nil, err
		}
		s.ID = strconv.FormatInt(id, 10)
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanTrip(row rowScanner) (transit.Trip, error) {
	var (
		t                   transit.Trip
		status              string
		started, finishedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.VehicleID, &t.RouteID, &status, &t.Departure, &started, &finishedAt); err != nil {
		return transit.Trip{}, err
	}
	t.Status = transit.TripStatus(status)
	t.StartedAt = started.Time
	t.FinishedAt = finishedAt.Time
	return t, nil
}

func (p *Postgres) CreateTrip(ctx context.Context, t transit.Trip) (transit.Trip, error) {
	if t.Status == "" {
		t.Status = transit.StatusPending
	}
	_, err := p.db.ExecContext(ctx, insertTrip, t.ID, t.VehicleID, t.RouteID, string(t.Status), t.Departure,
		nullTime(t.StartedAt), nullTime(t.FinishedAt))
	if err != nil {
		return transit.Trip{}, fmt.Errorf("insert trip: %w", mapPgError(err))
	}
	return t, nil
}

func (p *Postgres) GetTrip(ctx context.Context, id string) (transit.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, selectTrip, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Trip{}, fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
	}
	if err != nil {
		return transit.Trip{}, fmt.Errorf("get trip %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) ListTripsByStatus(ctx context.Context, status transit.TripStatus) ([]transit.Trip, error) {
	rows, err := p.db.QueryContext(ctx, selectByState, string(status))
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	out := make([]transit.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StartTrip locks the trip and its vehicle, finishes the vehicle's other
// started trips, marks this one started and moves the vehicle to origin.
func (p *Postgres) StartTrip(ctx context.Context, id string, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error) {
	var (
		trip     transit.Trip
		finished []transit.Trip
	)
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx, lockTrip, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock trip %s: %w", id, err)
		}
		if err := t.Start(at); err != nil {
			return err
		}
		if err := lockVehicleRow(ctx, tx, t.VehicleID); err != nil {
			return err
		}
		if finished, err = finishStarted(ctx, tx, t.VehicleID, t.ID, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, markStarted, t.ID, at); err != nil {
			return fmt.Errorf("mark trip %s started: %w", t.ID, mapPgError(err))
		}
		if _, err := tx.ExecContext(ctx, resetVehicle, t.VehicleID, origin.Lat, origin.Lon, at, t.RouteID); err != nil {
			return fmt.Errorf("reset vehicle %s: %w", t.VehicleID, err)
		}
		trip = t
		return nil
	})
	if err != nil {
		return transit.Trip{}, nil, err
	}
	return trip, finished, nil
}

func (p *Postgres) CreateAndStartTrip(ctx context.Context, t transit.Trip, at time.Time, origin geo.Point) (transit.Trip, []transit.Trip, error) {
	var finished []transit.Trip
	t.Status = transit.StatusStarted
	t.StartedAt = at
	if t.Departure.IsZero() {
		t.Departure = at
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockVehicleRow(ctx, tx, t.VehicleID); err != nil {
			return err
		}
		var err error
		if finished, err = finishStarted(ctx, tx, t.VehicleID, t.ID, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertTrip, t.ID, t.VehicleID, t.RouteID, string(t.Status), t.Departure, t.StartedAt, nil); err != nil {
			return fmt.Errorf("insert trip: %w", mapPgError(err))
		}
		if _, err := tx.ExecContext(ctx, resetVehicle, t.VehicleID, origin.Lat, origin.Lon, at, t.RouteID); err != nil {
			return fmt.Errorf("reset vehicle %s: %w", t.VehicleID, err)
		}
		return nil
	})
	if err != nil {
		return transit.Trip{}, nil, err
	}
	return t, finished, nil
}

func (p *Postgres) EndTrip(ctx context.Context, id string, at time.Time) (transit.Trip, error) {
	var trip transit.Trip
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTrip(tx.QueryRowContext(ctx, lockTrip, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trip %s: %w", id, transit.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock trip %s: %w", id, err)
		}
		if err := t.Finish(at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, markFinished, t.ID, at); err != nil {
			return fmt.Errorf("mark trip %s finished: %w", t.ID, err)
		}
		trip = t
		return nil
	})
	if err != nil {
		return transit.Trip{}, err
	}
	return trip, nil
}

func lockVehicleRow(ctx context.Context, tx *sql.Tx, vehicleID string) error {
	var id string
	err := tx.QueryRowContext(ctx, lockVehicle, vehicleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("vehicle %s: %w", vehicleID, transit.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock vehicle %s: %w", vehicleID, err)
	}
	return nil
}

func finishStarted(ctx context.Context, tx *sql.Tx, vehicleID, except string, at time.Time) ([]transit.Trip, error) {
	rows, err := tx.QueryContext(ctx, finishOthers, vehicleID, at, except)
	if err != nil {
		return nil, fmt.Errorf("finish started trips of %s: %w", vehicleID, err)
	}
	defer rows.Close()
	var out []transit.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, transit.ErrNotFound)
	}
	return nil
}

// mapPgError turns constraint violations into domain errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, transit.ErrNotFound)
	case pgUniqueViolation:
		if pgErr.ConstraintName == "trips_one_started_per_vehicle" {
			return transit.ErrAlreadyStarted
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
