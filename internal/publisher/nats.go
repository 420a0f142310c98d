package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// GeohashPrecision gives cells of roughly 150 m, enough to bucket stops.
const GeohashPrecision = 7

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *zap.Logger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials NATS with handlers that keep the connection gauge current.
func Connect(url string, m PublisherMetrics, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("transit-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m, logger: logger}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type PositionMessage struct {
	VehicleID string    `json:"vehicleId"`
	TripID    string    `json:"tripId"`
	RouteID   string    `json:"routeId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	Progress  float64   `json:"progress"`
	SpeedMps  float64   `json:"speedMps"`
	Lap       int       `json:"lap"`
	Geohash   string    `json:"geohash"`
}

// PositionSubject is <prefix>.positions.<route>.<vehicle>.
func PositionSubject(prefix, routeID, vehicleID string) string {
	return fmt.Sprintf("%s.positions.%s.%s", prefix, subjectToken(routeID), subjectToken(vehicleID))
}

// Encode fills the geohash cell and marshals msg.
func Encode(msg PositionMessage) ([]byte, error) {
	msg.Geohash = geohash.EncodeWithPrecision(msg.Lat, msg.Lon, GeohashPrecision)
	return json.Marshal(msg)
}

func (p *NATSPublisher) PublishPosition(msg PositionMessage) error {
	subject := PositionSubject(p.prefix, msg.RouteID, msg.VehicleID)
	start := time.Now()
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", zap.String("subject", subject))
	}
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
