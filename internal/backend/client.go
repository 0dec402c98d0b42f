// Package backend exposes the engine methods used by the gateway as typed calls over a correlator.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/account"
	"github.com/coachpo/hiveproxy/internal/book"
	"github.com/coachpo/hiveproxy/internal/telemetry"
	"github.com/coachpo/hiveproxy/internal/transport"
)

// Engine method names.
const (
	MethodBookDepth   = "get_book_depth"
	MethodUserData    = "get_user_data"
	MethodInsertOrder = "insert_order"
	MethodCancelOrder = "cancel_order"
)

// InsufficientBalanceMessage is the engine rejection text for an unfunded order.
const InsufficientBalanceMessage = "ERR_BAL"

// Client issues correlated engine requests on one backend channel.
type Client struct {
	correlator transport.Correlator
	channel    string
	metrics    *telemetry.GatewayMetrics
	newID      func() string
}

// Option customises a Client.
type Option func(*Client)

// WithChannel overrides the backend channel name.
func WithChannel(channel string) Option {
	return func(c *Client) {
		if strings.TrimSpace(channel) != "" {
			c.channel = channel
		}
	}
}

// WithMetrics records request latency.
func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New builds a client over correlator.
func New(correlator transport.Correlator, opts ...Option) *Client {
	c := &Client{
		correlator: correlator,
		channel:    transport.DefaultChannel,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BookDepth fetches the full book state for symbol.
func (c *Client) BookDepth(ctx context.Context, symbol string) (book.Snapshot, error) {
	res, err := c.call(ctx, MethodBookDepth, symbol)
	if err != nil {
		return nil, err
	}
	first, err := firstResult(res)
	if err != nil {
		return nil, c.decodeErr(MethodBookDepth, err)
	}
	snap := book.Snapshot{}
	if first == nil {
		return snap, nil
	}
	if err := json.Unmarshal(first, &snap); err != nil {
		return nil, c.decodeErr(MethodBookDepth, err)
	}
	return snap, nil
}

// UserData fetches the account bundle for userID. A nil bundle means the engine returned nothing.
func (c *Client) UserData(ctx context.Context, userID int64) (*account.Bundle, error) {
	res, err := c.call(ctx, MethodUserData, []int64{userID})
	if err != nil {
		return nil, err
	}
	first, err := firstResult(res)
	if err != nil {
		return nil, c.decodeErr(MethodUserData, err)
	}
	if first == nil {
		return nil, nil
	}
	var bundle account.Bundle
	if err := json.Unmarshal(first, &bundle); err != nil {
		return nil, c.decodeErr(MethodUserData, err)
	}
	return &bundle, nil
}

// InsertOrder submits a formatted order.
func (c *Client) InsertOrder(ctx context.Context, order account.BackendOrder) error {
	_, err := c.call(ctx, MethodInsertOrder, order)
	return err
}

type cancelArgs struct {
	ID   int64  `json:"id"`
	Pair string `json:"v_pair"`
}

// CancelOrder requests cancellation of order id on pair.
func (c *Client) CancelOrder(ctx context.Context, id int64, pair string) error {
	_, err := c.call(ctx, MethodCancelOrder, cancelArgs{ID: id, Pair: pair})
	return err
}

func (c *Client) call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	id := c.newID()
	start := time.Now()
	res, err := c.correlator.Request(ctx, id, c.channel, []any{method, args})
	c.metrics.BackendRequest(ctx, method, time.Since(start), err)
	if err != nil {
		return nil, classify(method, id, err)
	}
	return res, nil
}

func (c *Client) decodeErr(method string, err error) error {
	return errs.New("backend/"+method, errs.CodeExchange,
		errs.WithMessage("unexpected result shape"),
		errs.WithCause(err))
}

// classify wraps correlator failures, tagging engine rejections with their canonical kind.
func classify(method, id string, err error) error {
	var backendErr *transport.BackendError
	if !errors.As(err, &backendErr) {
		return err
	}
	canonical := errs.CanonicalUnknown
	if strings.TrimSpace(backendErr.Message) == InsufficientBalanceMessage {
		canonical = errs.CanonicalInsufficientBalance
	}
	return errs.New("backend/"+method, errs.CodeExchange,
		errs.WithRawMessage(backendErr.Message),
		errs.WithCanonicalCode(canonical),
		errs.WithField("req_id", id),
		errs.WithCause(err))
}

func firstResult(res json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(res))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(res, &items); err != nil {
		return nil, fmt.Errorf("result is not a list: %w", err)
	}
	if len(items) == 0 || string(items[0]) == "null" {
		return nil, nil
	}
	return items[0], nil
}
