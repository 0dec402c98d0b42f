// Package order forwards client order submissions and cancellations to the backend and translates
// the outcome into client frames.
package order

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/account"
	"github.com/coachpo/hiveproxy/internal/frame"
	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/session"
	"github.com/coachpo/hiveproxy/internal/telemetry"
)

// Default per-connection order throttle.
const (
	DefaultRate  = 10
	DefaultBurst = 5
)

// Sessions resolves the live session of a connection.
type Sessions interface {
	Get(connID string) (*session.Session, bool)
}

// Backend executes order operations on the engine.
type Backend interface {
	InsertOrder(ctx context.Context, order account.BackendOrder) error
	CancelOrder(ctx context.Context, id int64, pair string) error
}

// Outbox delivers frames to a connection.
type Outbox interface {
	Send(ctx context.Context, connID string, f frame.Outbound) error
}

// Gateway handles "on" and "oc" commands.
type Gateway struct {
	sessions Sessions
	backend  Backend
	out      Outbox
	table    ErrorTable
	now      func() time.Time
	log      observability.Logger
	metrics  *telemetry.GatewayMetrics

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithErrorTable overrides the error frame mapping.
func WithErrorTable(t ErrorTable) Option {
	return func(g *Gateway) {
		if t != nil {
			g.table = t
		}
	}
}

// WithThrottle sets the per-connection order rate. A non-positive perSecond disables throttling.
func WithThrottle(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limit = rate.Inf
			return
		}
		g.limit = rate.Limit(perSecond)
		if burst < 1 {
			burst = 1
		}
		g.burst = burst
	}
}

// WithClock overrides the time source stamped on cancel notices.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l observability.Logger) Option {
	return func(g *Gateway) { g.log = observability.OrDefault(l) }
}

// WithMetrics records order outcomes.
func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway builds an order gateway.
func NewGateway(sessions Sessions, backend Backend, out Outbox, opts ...Option) *Gateway {
	g := &Gateway{
		sessions: sessions,
		backend:  backend,
		out:      out,
		table:    DefaultErrorTable(),
		now:      time.Now,
		log:      observability.Log(),
		limit:    rate.Limit(DefaultRate),
		burst:    DefaultBurst,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Submit places an order for the connection's user. Success is acknowledged with a trade
// placeholder frame; any failure yields exactly one error frame and no acknowledgement.
func (g *Gateway) Submit(ctx context.Context, connID string, payload json.RawMessage) error {
	const op = "submit"
	s, err := g.admit(connID, op)
	if err != nil {
		return g.reject(ctx, connID, op, err)
	}

	clientOrder, err := account.DecodeClientOrder(payload)
	if err != nil {
		return g.reject(ctx, connID, op, err)
	}
	backendOrder, err := account.FormatOrder(s.UserID, clientOrder)
	if err != nil {
		return g.reject(ctx, connID, op, err)
	}

	if err := g.backend.InsertOrder(ctx, backendOrder); err != nil {
		g.log.Error("order submit failed",
			observability.F("conn_id", connID),
			observability.F("user_id", s.UserID),
			observability.Err(err))
		return g.reject(ctx, connID, op, err)
	}

	g.metrics.Order(ctx, op, telemetry.ResultSuccess)
	return g.out.Send(ctx, connID, frame.TradeAck{})
}

// Cancel requests cancellation of an order. Success is acknowledged with a cancel notice.
func (g *Gateway) Cancel(ctx context.Context, connID string, payload json.RawMessage) error {
	const op = "cancel"
	s, err := g.admit(connID, op)
	if err != nil {
		return g.reject(ctx, connID, op, err)
	}

	req, err := account.DecodeCancel(payload)
	if err != nil {
		return g.reject(ctx, connID, op, err)
	}

	if err := g.backend.CancelOrder(ctx, req.ID, req.BackendPair()); err != nil {
		g.log.Error("order cancel failed",
			observability.F("conn_id", connID),
			observability.F("user_id", s.UserID),
			observability.F("order_id", req.ID),
			observability.Err(err))
		return g.reject(ctx, connID, op, errs.New("order/cancel", errs.CodeExchange,
			errs.WithCanonicalCode(errs.CanonicalCancelFailed),
			errs.WithCause(err)))
	}

	g.metrics.Order(ctx, op, telemetry.ResultSuccess)
	return g.out.Send(ctx, connID, frame.CancelNotice{At: g.now(), OrderID: req.ID})
}

// Table returns the error frame mapping in use.
func (g *Gateway) Table() ErrorTable { return g.table }

// Forget drops the connection's throttle state.
func (g *Gateway) Forget(connID string) {
	g.mu.Lock()
	delete(g.limiters, connID)
	g.mu.Unlock()
}

// admit checks the session and the connection throttle.
func (g *Gateway) admit(connID, op string) (*session.Session, error) {
	s, ok := g.sessions.Get(connID)
	if !ok {
		return nil, errs.New("order/"+op, errs.CodeAuth,
			errs.WithMessage("no session"),
			errs.WithCanonicalCode(errs.CanonicalUnauthorized))
	}
	if !g.limiter(connID).Allow() {
		return nil, errs.New("order/"+op, errs.CodeRateLimited,
			errs.WithMessage("order throttle exceeded"),
			errs.WithCanonicalCode(errs.CanonicalRateLimited))
	}
	return s, nil
}

func (g *Gateway) limiter(connID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[connID]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[connID] = l
	}
	return l
}

// reject sends the error frame for err and returns err.
func (g *Gateway) reject(ctx context.Context, connID, op string, err error) error {
	g.metrics.Order(ctx, op, string(errs.CanonicalOf(err)))
	if sendErr := g.out.Send(ctx, connID, g.table.Frame(err)); sendErr != nil {
		return sendErr
	}
	return err
}
