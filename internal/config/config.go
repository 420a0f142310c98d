package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Store       string
	DatabaseURL string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	TickInterval         time.Duration
	SpeedMultiplier      float64
	SpeedMps             float64
	SpeedMinMps          float64 // zero with SpeedMaxMps disables the random range
	SpeedMaxMps          float64
	Loop                 bool
	SphericalHeading     bool
	EndThresholdM        float64
	TripsRefreshInterval time.Duration
	PreloadHorizon       time.Duration

	VehicleFreshness    time.Duration
	RouteBufferKm       float64
	ETAHorizon          time.Duration
	TransferThresholdKm float64
	FallbackSpeedMps    float64
	ArrivalThresholdM   float64

	SeedGeoJSON string
	MetricsAddr string
	LogLevel    string
	Location    *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}

	switch s := strings.ToLower(strings.TrimSpace(os.Getenv("STORE"))); s {
	case "":
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		} else {
			cfg.Store = StoreMemory
		}
	case StorePostgres, StoreMemory:
		cfg.Store = s
	default:
		return nil, fmt.Errorf("invalid STORE: %q", s)
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, errors.New("STORE=postgres needs DATABASE_URL, PG_DSN or PGDATABASE")
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "transit")
	if strings.ContainsAny(cfg.NATSSubjectPrefix, " *>") {
		return nil, fmt.Errorf("invalid NATS_SUBJECT_PREFIX: %q", cfg.NATSSubjectPrefix)
	}

	var err error
	if cfg.LogNATSSubjects, err = boolEnv("LOG_NATS_SUBJECTS", false); err != nil {
		return nil, err
	}

	tickMs, err := positiveInt("TICK_INTERVAL_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.TickInterval = time.Duration(tickMs) * time.Millisecond

	if cfg.SpeedMultiplier, err = positiveFloat("SPEED_MULTIPLIER", 1); err != nil {
		return nil, err
	}
	if cfg.SpeedMps, err = positiveFloat("SIM_SPEED_MPS", 10); err != nil {
		return nil, err
	}
	minV, maxV := os.Getenv("SIM_SPEED_MIN_MPS"), os.Getenv("SIM_SPEED_MAX_MPS")
	if (minV == "") != (maxV == "") {
		return nil, errors.New("SIM_SPEED_MIN_MPS and SIM_SPEED_MAX_MPS must be set together")
	}
	if minV != "" {
		if cfg.SpeedMinMps, err = positiveFloat("SIM_SPEED_MIN_MPS", 0); err != nil {
			return nil, err
		}
		if cfg.SpeedMaxMps, err = positiveFloat("SIM_SPEED_MAX_MPS", 0); err != nil {
			return nil, err
		}
		if cfg.SpeedMaxMps < cfg.SpeedMinMps {
			return nil, fmt.Errorf("SIM_SPEED_MAX_MPS %.2f is below SIM_SPEED_MIN_MPS %.2f", cfg.SpeedMaxMps, cfg.SpeedMinMps)
		}
	}
	if cfg.Loop, err = boolEnv("SIM_LOOP", true); err != nil {
		return nil, err
	}
	if cfg.SphericalHeading, err = boolEnv("SIM_SPHERICAL_HEADING", false); err != nil {
		return nil, err
	}
	if cfg.EndThresholdM, err = positiveFloat("SIM_END_THRESHOLD_M", 50); err != nil {
		return nil, err
	}

	refreshSec, err := positiveInt("TRIPS_REFRESH_INTERVAL_SEC", 30)
	if err != nil {
		return nil, err
	}
	cfg.TripsRefreshInterval = time.Duration(refreshSec) * time.Second

	// Preload horizon (minutes); zero leaves pending trips for an explicit start.
	if v := os.Getenv("TRIPS_PRELOAD_MINUTES"); v != "" {
		min, err := strconv.Atoi(v)
		if err != nil || min < 0 {
			return nil, fmt.Errorf("invalid TRIPS_PRELOAD_MINUTES: %q", v)
		}
		cfg.PreloadHorizon = time.Duration(min) * time.Minute
	}

	freshMin, err := positiveInt("VEHICLE_FRESHNESS_MIN", 120)
	if err != nil {
		return nil, err
	}
	cfg.VehicleFreshness = time.Duration(freshMin) * time.Minute

	bufferM, err := positiveFloat("ROUTE_BUFFER_M", 800)
	if err != nil {
		return nil, err
	}
	cfg.RouteBufferKm = bufferM / 1000

	horizonMin, err := positiveInt("ETA_HORIZON_MIN", 90)
	if err != nil {
		return nil, err
	}
	cfg.ETAHorizon = time.Duration(horizonMin) * time.Minute

	transferM, err := positiveFloat("TRANSFER_THRESHOLD_M", 200)
	if err != nil {
		return nil, err
	}
	cfg.TransferThresholdKm = transferM / 1000

	if cfg.FallbackSpeedMps, err = positiveFloat("FALLBACK_SPEED_MPS", 10); err != nil {
		return nil, err
	}
	if cfg.ArrivalThresholdM, err = positiveFloat("ARRIVAL_THRESHOLD_M", 10); err != nil {
		return nil, err
	}

	cfg.SeedGeoJSON = os.Getenv("SEED_GEOJSON")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q", key, v)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
