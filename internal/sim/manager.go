package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"transit-tracker/internal/clock"
	"transit-tracker/internal/geo"
	mmetrics "transit-tracker/internal/metrics"
	"transit-tracker/internal/publisher"
	"transit-tracker/internal/transit"
)

const (
	DefaultTickInterval  = 5 * time.Second
	DefaultEndThresholdM = 50.0
	DefaultMaxRestarts   = 3
)

// Store is the persistence the simulator reads trips from and writes ticks to.
type Store interface {
	GetVehicle(ctx context.Context, id string) (transit.Vehicle, error)
	ListTripsByStatus(ctx context.Context, status transit.TripStatus) ([]transit.Trip, error)
	RecordPosition(ctx context.Context, u transit.LocationUpdate) (transit.PositionSample, error)
}

type RouteLookup interface {
	Route(id string) (transit.Route, bool)
}

// Lifecycle is used to start scheduled trips and finish completed runs.
type Lifecycle interface {
	Start(ctx context.Context, id string) (transit.Trip, error)
	End(ctx context.Context, id string) (transit.Trip, error)
}

type Publisher interface {
	PublishPosition(msg publisher.PositionMessage) error
}

type Options struct {
	TickInterval time.Duration
	// SpeedMultiplier scales simulated time per tick relative to wall time.
	SpeedMultiplier float64
	Speed           SpeedPolicy
	Mode            Mode
	Heading         HeadingFunc
	RefreshInterval time.Duration
	// PreloadHorizon schedules pending trips departing within it to start
	// automatically. Zero disables scheduling.
	PreloadHorizon time.Duration
	EndThresholdM  float64
	MaxRestarts    int
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.SpeedMultiplier <= 0 {
		o.SpeedMultiplier = 1
	}
	if o.Speed == nil {
		o.Speed = Constant(10)
	}
	if o.Heading == nil {
		o.Heading = CompatHeading
	}
	if o.EndThresholdM <= 0 {
		o.EndThresholdM = DefaultEndThresholdM
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	return o
}

// StartOptions choose where a run begins and, optionally, where it ends.
// At most one of Vertex, OffsetM, Near and Resume is honoured, in that order.
type StartOptions struct {
	Vertex  *int       `json:"vertex,omitempty"`
	OffsetM *float64   `json:"offset_m,omitempty"`
	Near    *geo.Point `json:"near,omitempty"`
	// Resume continues from the vehicle's current location projected onto the route.
	Resume bool       `json:"resume,omitempty"`
	End    *geo.Point `json:"end,omitempty"`
}

type Manager struct {
	store     Store
	routes    RouteLookup
	lifecycle Lifecycle
	pub       Publisher
	clock     clock.Clock
	opts      Options
	metrics   *mmetrics.Collector
	logger    *zap.Logger

	mu       sync.Mutex
	base     context.Context
	running  map[string]context.CancelFunc // tripID -> cancel
	wg       sync.WaitGroup
	plans    map[string]StartOptions
	failures map[string]int

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup

	scheduled   map[string]context.CancelFunc // tripID -> cancel (not yet started)
	scheduledWG sync.WaitGroup
}

func NewManager(store Store, routes RouteLookup, lifecycle Lifecycle, pub Publisher, clk clock.Clock, opts Options, metrics *mmetrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		routes:    routes,
		lifecycle: lifecycle,
		pub:       pub,
		clock:     clk,
		opts:      opts.withDefaults(),
		metrics:   metrics,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		plans:     make(map[string]StartOptions),
		failures:  make(map[string]int),
		scheduled: make(map[string]context.CancelFunc),
	}
}

// Start binds the manager to ctx and resumes every trip that is already
// started. Tasks launched later by lifecycle events also derive from ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	return m.RefreshActive(ctx)
}

// Plan records start options for a trip that is about to be started.
func (m *Manager) Plan(tripID string, opts StartOptions) {
	m.mu.Lock()
	m.plans[tripID] = opts
	m.mu.Unlock()
}

// Discard drops start options for a trip whose start did not happen.
func (m *Manager) Discard(tripID string) {
	m.mu.Lock()
	delete(m.plans, tripID)
	m.mu.Unlock()
}

// TripStarted launches a task for a newly started trip.
func (m *Manager) TripStarted(t transit.Trip) {
	m.mu.Lock()
	base := m.base
	opts := m.plans[t.ID]
	delete(m.plans, t.ID)
	m.mu.Unlock()
	if base == nil {
		return
	}
	m.launch(base, t, opts)
}

// TripEnded stops the trip's task if one is running.
func (m *Manager) TripEnded(t transit.Trip) {
	m.mu.Lock()
	cancel, ok := m.running[t.ID]
	if c, scheduled := m.scheduled[t.ID]; scheduled {
		c()
	}
	delete(m.plans, t.ID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) IsRunning(tripID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[tripID]
	return ok
}

func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) launch(parent context.Context, t transit.Trip, opts StartOptions) {
	m.mu.Lock()
	if _, exists := m.running[t.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[t.ID] = cancel
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.SimulationsStarted.Inc()
		m.metrics.RunningSimulations.Set(float64(len(m.running)))
	}
	m.mu.Unlock()

	log := m.logger.With(zap.String("trip_id", t.ID), zap.String("vehicle_id", t.VehicleID), zap.String("route_id", t.RouteID))
	log.Info("simulation started", zap.Stringer("mode", m.opts.Mode))
	go func() {
		defer m.wg.Done()
		err := m.runTrip(ctx, t, opts, log)
		m.mu.Lock()
		delete(m.running, t.ID)
		failed := err != nil && ctx.Err() == nil
		if failed {
			m.failures[t.ID]++
		}
		if m.metrics != nil {
			if failed {
				m.metrics.SimulationsFailed.Inc()
			} else {
				m.metrics.SimulationsFinished.Inc()
			}
			m.metrics.RunningSimulations.Set(float64(len(m.running)))
		}
		m.mu.Unlock()
		cancel()
		if failed {
			log.Error("simulation terminated", zap.Error(err))
			return
		}
		log.Info("simulation stopped")
	}()
}

func (m *Manager) runTrip(ctx context.Context, t transit.Trip, opts StartOptions, log *zap.Logger) error {
	route, ok := m.routes.Route(t.RouteID)
	if !ok {
		return fmt.Errorf("route %s: %w", t.RouteID, transit.ErrNotFound)
	}
	path, err := NewPath(route.Vertices)
	if err != nil {
		return fmt.Errorf("route %s: %w", t.RouteID, err)
	}
	cursor, err := m.startCursor(ctx, path, t, opts)
	if err != nil {
		return err
	}

	step := time.Duration(float64(m.opts.TickInterval) * m.opts.SpeedMultiplier)
	tick := time.NewTicker(m.opts.TickInterval)
	defer tick.Stop()

	laps := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			tickStart := time.Now()
			speed := m.opts.Speed.Next()
			next, wrapped, done := path.Advance(cursor, speed*step.Seconds(), m.opts.Mode)
			pt, heading := path.Locate(next, m.opts.Heading)
			now := m.clock.Now()

			if _, err := m.store.RecordPosition(ctx, transit.LocationUpdate{
				VehicleID:  t.VehicleID,
				TripID:     t.ID,
				Point:      pt,
				SpeedMps:   speed,
				HeadingDeg: heading,
				At:         now,
			}); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, transit.ErrTripNotStarted) {
					log.Info("trip ended before tick was stored")
					return nil
				}
				if m.metrics != nil {
					m.metrics.PersistFailures.Inc()
				}
				return fmt.Errorf("persist position: %w", err)
			}
			cursor = next
			if wrapped > 0 {
				laps += wrapped
				log.Debug("lap completed", zap.Int("laps", laps))
			}

			if m.pub != nil {
				msg := publisher.PositionMessage{
					VehicleID: t.VehicleID,
					TripID:    t.ID,
					RouteID:   t.RouteID,
					Timestamp: now,
					Lat:       pt.Lat,
					Lon:       pt.Lon,
					Bearing:   heading,
					Progress:  path.Offset(cursor) / path.LengthMeters(),
					SpeedMps:  speed,
					Lap:       laps,
				}
				if err := m.pub.PublishPosition(msg); err != nil {
					log.Warn("publish position failed", zap.Error(err))
				}
			}
			if m.metrics != nil {
				m.metrics.Ticks.Inc()
				m.metrics.TickDuration.Observe(time.Since(tickStart).Seconds())
			}

			reached := opts.End != nil && geo.DistanceMeters(pt, *opts.End) <= m.opts.EndThresholdM
			if done || reached {
				log.Info("destination reached", zap.Bool("route_end", done), zap.Int("laps", laps))
				if _, err := m.lifecycle.End(context.WithoutCancel(ctx), t.ID); err != nil {
					log.Warn("finish trip failed", zap.Error(err))
				}
				return nil
			}
		}
	}
}

func (m *Manager) startCursor(ctx context.Context, path *Path, t transit.Trip, opts StartOptions) (Cursor, error) {
	switch {
	case opts.Vertex != nil:
		return path.CursorAtVertex(*opts.Vertex)
	case opts.OffsetM != nil:
		return path.CursorAtOffset(*opts.OffsetM), nil
	case opts.Near != nil:
		return path.CursorNear(*opts.Near), nil
	case opts.Resume:
		v, err := m.store.GetVehicle(ctx, t.VehicleID)
		if err != nil {
			return Cursor{}, fmt.Errorf("resume trip %s: %w", t.ID, err)
		}
		if !v.HasLocation() {
			return Cursor{}, nil
		}
		proj, err := geo.Project(path.points, *v.Location)
		if err != nil {
			return Cursor{}, err
		}
		return path.CursorAtOffset(proj.ArcLengthKm * 1000), nil
	}
	return Cursor{}, nil
}

func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	// cancel scheduled starts
	m.mu.Lock()
	for _, cancel := range m.scheduled {
		cancel()
	}
	m.mu.Unlock()
	m.scheduledWG.Wait()
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// StartRefresher launches a background loop that periodically reconciles
// running tasks with the trips the store reports as started.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.opts.RefreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		ticker := time.NewTicker(m.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshActive(ctx); err != nil {
					m.logger.Error("refresh active trips", zap.Error(err))
				}
			}
		}
	}()
}

// RefreshActive starts tasks for started trips that have none, stops tasks
// whose trip is no longer started and schedules pending trips departing soon.
// A trip whose task failed MaxRestarts times is left alone.
func (m *Manager) RefreshActive(ctx context.Context) error {
	started, err := m.store.ListTripsByStatus(ctx, transit.StatusStarted)
	if err != nil {
		return fmt.Errorf("list started trips: %w", err)
	}
	active := make(map[string]bool, len(started))
	for _, t := range started {
		active[t.ID] = true
	}

	m.mu.Lock()
	base := m.base
	if base == nil {
		base = ctx
	}
	var stale []context.CancelFunc
	for id, cancel := range m.running {
		if !active[id] {
			stale = append(stale, cancel)
		}
	}
	m.mu.Unlock()
	for _, cancel := range stale {
		cancel()
	}

	for _, t := range started {
		m.mu.Lock()
		exhausted := m.failures[t.ID] >= m.opts.MaxRestarts
		m.mu.Unlock()
		if exhausted {
			continue
		}
		m.launch(base, t, StartOptions{Resume: true})
	}

	if m.opts.PreloadHorizon <= 0 {
		return nil
	}
	pending, err := m.store.ListTripsByStatus(ctx, transit.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending trips: %w", err)
	}
	now := m.clock.Now()
	for _, t := range pending {
		if t.Departure.Sub(now) <= m.opts.PreloadHorizon {
			m.scheduleTrip(base, t)
		}
	}
	return nil
}

func (m *Manager) scheduleTrip(parent context.Context, t transit.Trip) {
	m.mu.Lock()
	if _, running := m.running[t.ID]; running {
		m.mu.Unlock()
		return
	}
	if _, exists := m.scheduled[t.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.scheduled[t.ID] = cancel
	m.scheduledWG.Add(1)
	if m.metrics != nil {
		m.metrics.TripsScheduled.Inc()
		m.metrics.ScheduledTrips.Set(float64(len(m.scheduled)))
	}
	m.mu.Unlock()

	m.logger.Info("trip scheduled", zap.String("trip_id", t.ID), zap.Time("departure", t.Departure))
	go func() {
		defer m.scheduledWG.Done()
		defer func() {
			m.mu.Lock()
			delete(m.scheduled, t.ID)
			if m.metrics != nil {
				m.metrics.ScheduledTrips.Set(float64(len(m.scheduled)))
			}
			m.mu.Unlock()
			cancel()
		}()
		d := t.Departure.Sub(m.clock.Now())
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := m.lifecycle.Start(ctx, t.ID); err != nil {
			m.logger.Warn("scheduled start failed", zap.String("trip_id", t.ID), zap.Error(err))
		}
	}()
}
