// Package router classifies inbound client frames and dispatches them to the gateway components.
package router

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/frame"
	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/order"
	"github.com/coachpo/hiveproxy/internal/session"
)

// Subscriber handles book subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, connID, channel, symbol string) error
}

// Authenticator installs sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, connID string, userID int64) (*session.Session, error)
}

// Orders handles order commands.
type Orders interface {
	Submit(ctx context.Context, connID string, payload json.RawMessage) error
	Cancel(ctx context.Context, connID string, payload json.RawMessage) error
	Table() order.ErrorTable
}

// Outbox delivers frames to a connection.
type Outbox interface {
	Send(ctx context.Context, connID string, f frame.Outbound) error
}

// Router dispatches inbound frames.
type Router struct {
	channels Subscriber
	sessions Authenticator
	orders   Orders
	out      Outbox
	log      observability.Logger
}

// New builds a router.
func New(channels Subscriber, sessions Authenticator, orders Orders, out Outbox, logger observability.Logger) *Router {
	return &Router{
		channels: channels,
		sessions: sessions,
		orders:   orders,
		out:      out,
		log:      observability.OrDefault(logger),
	}
}

// Handle classifies data and dispatches it. Unrecognised frames are ignored and malformed ones
// logged; no error reaches the caller.
func (r *Router) Handle(ctx context.Context, connID string, data []byte) {
	in, err := frame.Parse(data)
	if err != nil {
		r.log.Debug("malformed client frame", observability.F("conn_id", connID), observability.Err(err))
		return
	}
	switch msg := in.(type) {
	case frame.EventFrame:
		r.handleEvent(ctx, connID, msg)
	case frame.CommandFrame:
		r.handleCommand(ctx, connID, msg)
	}
}

func (r *Router) handleEvent(ctx context.Context, connID string, ev frame.EventFrame) {
	switch ev.Event {
	case frame.EventSubscribe:
		if err := r.channels.Subscribe(ctx, connID, ev.Channel, ev.Symbol); err != nil {
			r.log.Info("subscribe dropped",
				observability.F("conn_id", connID),
				observability.F("channel", ev.Channel),
				observability.F("symbol", ev.Symbol),
				observability.Err(err))
		}
	case frame.EventAuth:
		userID, err := ev.UserID()
		if err != nil {
			r.log.Info("auth rejected", observability.F("conn_id", connID), observability.Err(err))
			rejection := errs.New("router/auth", errs.CodeAuth,
				errs.WithCanonicalCode(errs.CanonicalUnauthorized),
				errs.WithCause(err))
			_ = r.out.Send(ctx, connID, r.orders.Table().Frame(rejection))
			return
		}
		if _, err := r.sessions.Authenticate(ctx, connID, userID); err != nil {
			r.log.Error("auth failed",
				observability.F("conn_id", connID),
				observability.F("user_id", userID),
				observability.Err(err))
		}
	}
}

func (r *Router) handleCommand(ctx context.Context, connID string, cmd frame.CommandFrame) {
	var err error
	switch cmd.Kind {
	case frame.CommandSubmit:
		err = r.orders.Submit(ctx, connID, cmd.Payload)
	case frame.CommandCancel:
		err = r.orders.Cancel(ctx, connID, cmd.Payload)
	default:
		return
	}
	if err != nil {
		r.log.Debug("order command rejected",
			observability.F("conn_id", connID),
			observability.F("command", cmd.Kind),
			observability.Err(err))
	}
}
