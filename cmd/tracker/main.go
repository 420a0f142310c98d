package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"transit-tracker/internal/catalog"
	"transit-tracker/internal/clock"
	"transit-tracker/internal/config"
	"transit-tracker/internal/eta"
	"transit-tracker/internal/logging"
	"transit-tracker/internal/metrics"
	"transit-tracker/internal/publisher"
	"transit-tracker/internal/query"
	"transit-tracker/internal/seed"
	"transit-tracker/internal/sim"
	"transit-tracker/internal/store"
	"transit-tracker/internal/trips"
)

const dbStatsInterval = 15 * time.Second

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SpeedMultiplier, cfg.TickInterval, cfg.TripsRefreshInterval, logger)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			mcol.Shutdown()
		}()
	}

	st, closeStore, err := openStore(ctx, cfg, mcol, logger)
	if err != nil {
		logger.Fatal("open store", zap.String("store", cfg.Store), zap.Error(err))
	}
	defer closeStore()

	if cfg.SeedGeoJSON != "" {
		data, err := seed.Load(cfg.SeedGeoJSON)
		if err != nil {
			logger.Fatal("load seed", zap.Error(err))
		}
		if err := seed.Apply(ctx, st, data); err != nil {
			logger.Fatal("apply seed", zap.Error(err))
		}
		logger.Info("seed applied", zap.Int("routes", len(data.Routes)), zap.Int("vehicles", len(data.Vehicles)))
	}

	cat, err := buildCatalog(ctx, st, logger)
	if err != nil {
		logger.Fatal("build catalog", zap.Error(err))
	}

	// NATS connection shared by the position publisher and the request responder
	nc, err := publisher.Connect(cfg.NATSURL, publisherMetrics(mcol), logger)
	if err != nil {
		logger.Fatal("nats error", zap.Error(err))
	}
	pub := publisher.NewNATSPublisher(nc, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol), logger)
	defer pub.Close()

	clk := clock.RealClock{Location: cfg.Location}
	lifecycle := trips.New(st, cat, clk, logger)

	mgr := sim.NewManager(st, cat, lifecycle, pub, clk, simOptions(cfg), mcol, logger)
	lifecycle.Observe(mgr)
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("resume started trips", zap.Error(err))
	}
	// Periodically reconcile tasks with started trips and schedule departures
	mgr.StartRefresher(ctx)

	svc := query.NewService(st, cat, lifecycle, mgr, clk, query.Options{
		Freshness: cfg.VehicleFreshness,
		ETA: eta.Options{
			FallbackSpeedMps:  cfg.FallbackSpeedMps,
			ArrivalThresholdM: cfg.ArrivalThresholdM,
			RouteBufferKm:     cfg.RouteBufferKm,
			Horizon:           cfg.ETAHorizon,
		},
		TransferThresholdKm: cfg.TransferThresholdKm,
	}, logger)
	responder := query.NewResponder(nc, cfg.NATSSubjectPrefix, svc, queryMetrics(mcol), logger)
	if err := responder.Start(ctx); err != nil {
		logger.Fatal("start responder", zap.Error(err))
	}

	logger.Info("tracker running",
		zap.Int("routes", len(cat.Routes())),
		zap.Int("stops", len(cat.Stops())),
		zap.Duration("tick", cfg.TickInterval),
		zap.Float64("speed_multiplier", cfg.SpeedMultiplier),
	)

	// Block until context cancelled
	<-ctx.Done()
	responder.Close()
	mgr.Stop()
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, mcol *metrics.Collector, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Info("using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	sqlDB, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if mcol != nil {
		mcol.StartDBStatsCollector(sqlDB, dbStatsInterval)
	}
	return store.NewPostgres(sqlDB), func() { _ = sqlDB.Close() }, nil
}

// buildCatalog loads routes, validates them and writes recomputed stop
// distances back.
func buildCatalog(ctx context.Context, st store.Store, logger *zap.Logger) (*catalog.Catalog, error) {
	routes, err := st.LoadRoutes(ctx)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		logger.Warn("no routes loaded")
	}
	cat, err := catalog.New(routes)
	if err != nil {
		return nil, err
	}
	for _, r := range cat.Recomputed() {
		if err := st.UpdateStopCumulative(ctx, r.Stops); err != nil {
			return nil, err
		}
		logger.Info("stop distances recomputed", zap.String("route_id", r.ID), zap.Int("stops", len(r.Stops)))
	}
	return cat, nil
}

func simOptions(cfg *config.Config) sim.Options {
	opts := sim.Options{
		TickInterval:    cfg.TickInterval,
		SpeedMultiplier: cfg.SpeedMultiplier,
		Speed:           sim.Constant(cfg.SpeedMps),
		Mode:            sim.Looping,
		Heading:         sim.CompatHeading,
		RefreshInterval: cfg.TripsRefreshInterval,
		PreloadHorizon:  cfg.PreloadHorizon,
		EndThresholdM:   cfg.EndThresholdM,
	}
	if cfg.SpeedMaxMps > 0 {
		opts.Speed = sim.UniformRange(cfg.SpeedMinMps, cfg.SpeedMaxMps, uint64(time.Now().UnixNano()))
	}
	if !cfg.Loop {
		opts.Mode = sim.OneShot
	}
	if cfg.SphericalHeading {
		opts.Heading = sim.SphericalHeading
	}
	return opts
}

// publisherMetrics keeps a nil collector from becoming a non-nil interface.
func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func queryMetrics(c *metrics.Collector) query.QueryMetrics {
	if c == nil {
		return nil
	}
	return c
}
