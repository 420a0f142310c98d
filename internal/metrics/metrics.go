package metrics

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg    *prometheus.Registry
	logger *zap.Logger

	RunningSimulations prometheus.Gauge
	ScheduledTrips     prometheus.Gauge

	SimulationsStarted  prometheus.Counter
	SimulationsFinished prometheus.Counter
	SimulationsFailed   prometheus.Counter
	TripsScheduled      prometheus.Counter
	Ticks               prometheus.Counter
	PersistFailures     prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	Queries *prometheus.CounterVec // labels: op, status (ok or a reason code)

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	SpeedMultiplier prometheus.Gauge
	TickInterval    prometheus.Gauge // seconds
	RefreshInterval prometheus.Gauge // seconds

	collectorStarted atomic.Bool
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

func NewCollector(speedMultiplier float64, tickInterval, refreshInterval time.Duration, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg:    reg,
		logger: logger,
		RunningSimulations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_running_simulations",
			Help: "Number of currently running simulation tasks.",
		}),
		ScheduledTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_scheduled_trips",
			Help: "Number of pending trips waiting for their departure.",
		}),
		SimulationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_simulations_started_total",
			Help: "Total simulation tasks started.",
		}),
		SimulationsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_simulations_finished_total",
			Help: "Total simulation tasks that stopped cleanly.",
		}),
		SimulationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_simulations_failed_total",
			Help: "Total simulation tasks terminated by an error.",
		}),
		TripsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_scheduled_total",
			Help: "Total pending trips scheduled for automatic start.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_simulation_ticks_total",
			Help: "Total simulation ticks persisted.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_persist_failures_total",
			Help: "Total simulation ticks that could not be persisted.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_queries_total",
			Help: "Total boundary requests by operation and outcome.",
		}, []string{"op", "status"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of simulation ticks including persistence.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_db_connections_open",
			Help: "Number of open database connections.",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_db_connections_in_use",
			Help: "Number of database connections currently in use.",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_db_connections_idle",
			Help: "Number of idle database connections.",
		}),
		DBWaitSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_db_wait_seconds_total",
			Help: "Total time blocked waiting for a database connection.",
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_speed_multiplier",
			Help: "Simulated seconds per wall-clock second.",
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tick_interval_seconds",
			Help: "Simulation tick interval in seconds.",
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_refresh_interval_seconds",
			Help: "Started trips refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.RunningSimulations, c.ScheduledTrips,
		c.SimulationsStarted, c.SimulationsFinished, c.SimulationsFailed,
		c.TripsScheduled, c.Ticks, c.PersistFailures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.Queries, c.TickDuration, c.PublishDuration,
		c.DBConnectionsOpen, c.DBConnectionsInUse, c.DBConnectionsIdle, c.DBWaitSecondsTotal,
		c.SpeedMultiplier, c.TickInterval, c.RefreshInterval,
	)

	c.SpeedMultiplier.Set(speedMultiplier)
	c.TickInterval.Set(tickInterval.Seconds())
	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	c.logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}

// Publisher metrics adapter used by the NATS publisher.

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) {
	c.PublishDuration.Observe(d.Seconds())
}
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

// QueryObserve counts one boundary request. status is "ok" or a reason code.
func (c *Collector) QueryObserve(op, status string) {
	c.Queries.WithLabelValues(op, status).Inc()
}

// StartDBStatsCollector refreshes the pool gauges every interval until
// Shutdown is called. Only the first call starts a collector.
func (c *Collector) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil || interval <= 0 {
		return
	}
	if !c.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.wg.Add(1)
	c.cancel = cancel

	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in DB stats collector", zap.Any("error", r))
			}
		}()

		var lastWait time.Duration
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				c.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				c.DBConnectionsInUse.Set(float64(stats.InUse))
				c.DBConnectionsIdle.Set(float64(stats.Idle))
				if delta := stats.WaitDuration - lastWait; delta > 0 {
					c.DBWaitSecondsTotal.Add(delta.Seconds())
				}
				lastWait = stats.WaitDuration
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector and waits for it to exit.
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
