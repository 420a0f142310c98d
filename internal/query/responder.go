package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transit-tracker/internal/eta"
	"transit-tracker/internal/geo"
	"transit-tracker/internal/transit"
)

// Request subjects, relative to the configured prefix.
const (
	OpStopsNearby         = "stops.nearby"
	OpVehiclesNearby      = "vehicles.nearby"
	OpVehicleETA          = "vehicles.eta"
	OpVehicleLocation     = "vehicles.location"
	OpDestinationVehicles = "destination.vehicles"
	OpTransfersPlan       = "transfers.plan"
	OpTripsCreate         = "trips.create"
	OpTripsStart          = "trips.start"
	OpTripsEnd            = "trips.end"
)

const (
	queueGroup     = "transit-tracker"
	requestTimeout = 10 * time.Second
)

// Reason codes carried in error responses.
const (
	ReasonOK               = "ok"
	ReasonBadRequest       = "bad_request"
	ReasonInvalidGeometry  = "invalid_geometry"
	ReasonNotFound         = "not_found"
	ReasonAlreadyStarted   = "already_started"
	ReasonAlreadyFinished  = "already_finished"
	ReasonNoRecentPosition = "no_recent_position"
	ReasonInternal         = "internal"
)

type QueryMetrics interface {
	QueryObserve(op, status string)
}

type Response struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reason maps an error to its stable reason code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ReasonOK
	case errors.Is(err, ErrBadRequest):
		return ReasonBadRequest
	case errors.Is(err, geo.ErrInvalidGeometry):
		return ReasonInvalidGeometry
	case errors.Is(err, transit.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, transit.ErrAlreadyStarted):
		return ReasonAlreadyStarted
	case errors.Is(err, transit.ErrAlreadyFinished):
		return ReasonAlreadyFinished
	case errors.Is(err, transit.ErrInvalidTransition):
		return ReasonBadRequest
	case errors.Is(err, eta.ErrNoRecentPosition):
		return ReasonNoRecentPosition
	}
	return ReasonInternal
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

func handle[Req, Resp any](fn func(context.Context, Req) (Resp, error)) handlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return fn(ctx, req)
	}
}

// Responder serves Service over NATS request/reply.
type Responder struct {
	nc       *nats.Conn
	prefix   string
	metrics  QueryMetrics
	logger   *zap.Logger
	handlers map[string]handlerFunc
	subs     []*nats.Subscription
}

func NewResponder(nc *nats.Conn, prefix string, svc *Service, m QueryMetrics, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		nc:      nc,
		prefix:  prefix,
		metrics: m,
		logger:  logger,
		handlers: map[string]handlerFunc{
			OpStopsNearby:         handle(svc.NearbyStops),
			OpVehiclesNearby:      handle(svc.NearbyVehicles),
			OpVehicleETA:          handle(svc.VehicleETA),
			OpVehicleLocation:     handle(svc.UpdateLocation),
			OpDestinationVehicles: handle(svc.DestinationVehicles),
			OpTransfersPlan:       handle(svc.PlanTransfer),
			OpTripsCreate:         handle(svc.CreateTrip),
			OpTripsStart:          handle(svc.StartTrip),
			OpTripsEnd:            handle(svc.EndTrip),
		},
	}
}

// Start subscribes every operation in a shared queue group so several
// instances split the load.
func (r *Responder) Start(ctx context.Context) error {
	for op := range r.handlers {
		subject := r.prefix + "." + op
		sub, err := r.nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			if err := msg.Respond(r.Handle(reqCtx, op, msg.Data)); err != nil {
				r.logger.Warn("respond failed", zap.String("subject", msg.Subject), zap.Error(err))
			}
		})
		if err != nil {
			r.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		r.logger.Info("serving requests", zap.String("subject", subject))
	}
	return nil
}

func (r *Responder) Close() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

// Handle runs one request and returns the encoded response.
func (r *Responder) Handle(ctx context.Context, op string, data []byte) []byte {
	h, ok := r.handlers[op]
	var (
		out any
		err error
	)
	if !ok {
		err = fmt.Errorf("%w: unknown operation %q", ErrBadRequest, op)
	} else {
		out, err = h(ctx, data)
	}

	reason := Reason(err)
	if r.metrics != nil {
		r.metrics.QueryObserve(op, reason)
	}
	resp := Response{OK: err == nil, Data: out}
	if err != nil {
		resp.Data = nil
		msg := err.Error()
		if reason == ReasonInternal {
			r.logger.Error("request failed", zap.String("op", op), zap.Error(err))
			msg = "internal error"
		}
		resp.Error = &ErrorResponse{Code: reason, Message: msg}
	}
	b, merr := json.Marshal(resp)
	if merr != nil {
		r.logger.Error("encode response", zap.String("op", op), zap.Error(merr))
		return []byte(`{"ok":false,"error":{"code":"internal","message":"internal error"}}`)
	}
	return b
}
