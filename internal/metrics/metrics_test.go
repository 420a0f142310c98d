package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorSetsStaticGauges(t *testing.T) {
	c := NewCollector(2.5, 5*time.Second, 30*time.Second, nil)

	assert.Equal(t, 2.5, testutil.ToFloat64(c.SpeedMultiplier))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.TickInterval))
	assert.Equal(t, 30.0, testutil.ToFloat64(c.RefreshInterval))
	assert.Zero(t, testutil.ToFloat64(c.RunningSimulations))
}

func TestPublisherAdapter(t *testing.T) {
	c := NewCollector(1, time.Second, time.Second, nil)

	c.NATSPublishedInc()
	c.NATSPublishedInc()
	c.NATSPublishErrInc()
	c.NATSSetConnected(true)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.NATSPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSPublishErrs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))

	c.NATSSetConnected(false)
	assert.Zero(t, testutil.ToFloat64(c.NATSConnected))

	c.PublishObserve(3 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(c.PublishDuration))
}

func TestQueryObserve(t *testing.T) {
	c := NewCollector(1, time.Second, time.Second, nil)

	c.QueryObserve("stops.nearby", "ok")
	c.QueryObserve("stops.nearby", "ok")
	c.QueryObserve("trips.start", "already_started")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Queries.WithLabelValues("stops.nearby", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Queries.WithLabelValues("trips.start", "already_started")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector(1, time.Second, time.Second, nil)
	c.Ticks.Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tracker_simulation_ticks_total 1"))
}

func TestStartDBStatsCollectorNilDB(t *testing.T) {
	c := NewCollector(1, time.Second, time.Second, nil)
	c.StartDBStatsCollector(nil, time.Second)
	assert.False(t, c.collectorStarted.Load())
	c.Shutdown()
}

func TestStartDBStatsCollectorIdempotent(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	c := NewCollector(1, time.Second, time.Second, nil)
	c.StartDBStatsCollector(db, 20*time.Millisecond)
	assert.True(t, c.collectorStarted.Load())
	c.StartDBStatsCollector(db, 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.DBConnectionsOpen), 0.0)
	c.Shutdown()
}
