// Package wsclient implements the backend correlator over a single persistent websocket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/transport"
)

const (
	defaultRequestTimeout       = 10 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	readLimit                   = 8 * 1024 * 1024
)

var (
	// ErrNotConnected is returned when no backend session is currently established.
	ErrNotConnected = errors.New("wsclient: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wsclient: closed")
	// ErrDisconnected fails requests still pending when the backend connection drops.
	ErrDisconnected = errors.New("wsclient: connection lost")
	// ErrDuplicateID is returned when a correlation id is already in flight.
	ErrDuplicateID = errors.New("wsclient: duplicate correlation id")
)

// Options tunes the client.
type Options struct {
	RequestTimeout       time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	Logger               observability.Logger
}

type result struct {
	data json.RawMessage
	err  error
}

// Client keeps one websocket session to the backend alive and matches replies to requests by id.
type Client struct {
	url  string
	opts Options
	log  observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan result

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

var _ transport.Correlator = (*Client)(nil)

// New constructs a client for url. Call Start to connect.
func New(url string, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	return &Client{
		url:     url,
		opts:    opts,
		log:     observability.OrDefault(opts.Logger),
		done:    make(chan struct{}),
		pending: make(map[string]chan result),
		ready:   make(chan struct{}),
	}
}

// Start establishes the websocket session in a background goroutine and waits for the first connection.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		if err := c.connect(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("backend connection loop exited", observability.Err(err))
		}
	}()

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("wsclient: timeout waiting for backend connection to %s", c.url)
	case <-c.ctx.Done():
		return fmt.Errorf("wsclient: start: %w", c.ctx.Err())
	}
}

// Close stops reconnecting, closes the session and fails every pending request.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			close(c.done)
			return
		}
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
		<-c.done
		c.failAll(ErrClosed)
	})
	return nil
}

// Request sends payload on channel tagged with id and waits for the matching reply.
func (c *Client) Request(ctx context.Context, id, channel string, payload []any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	data, err := transport.EncodeRequest(transport.NewRequest(id, channel, payload))
	if err != nil {
		return nil, err
	}

	ch := make(chan result, 1)
	c.pendingMu.Lock()
	if _, exists := c.pending[id]; exists {
		c.pendingMu.Unlock()
		return nil, transport.NetworkError("request", id, ErrDuplicateID)
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer c.forget(id)

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, transport.UnavailableError("request", id, ErrNotConnected)
	}

	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return nil, transport.NetworkError("write", id, err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, transport.NetworkError("await", id, ctx.Err())
	}
}

// Pending returns the number of in-flight requests.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolve(id string, res result) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

func (c *Client) failAll(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.pendingMu.Unlock()
	for id, ch := range pending {
		ch <- result{err: transport.NetworkError("await", id, cause)}
	}
}

// connect keeps a single websocket session alive until the client context terminates.
func (c *Client) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.opts.MaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			c.log.Error("backend dial failed", observability.F("url", c.url), observability.Err(err))
			if !c.sleep(backoffCfg) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(readLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()
		c.log.Info("backend connected", observability.F("url", c.url))

		err = c.readLoop(c.ctx, conn)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		c.failAll(ErrDisconnected)

		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("backend connection lost", observability.F("url", c.url), observability.Err(err))
		}
		if !c.sleep(backoffCfg) {
			return context.Canceled
		}
	}
}

func (c *Client) sleep(b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = c.opts.MaxReconnectInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// readLoop resolves pending requests from incoming replies until the session fails.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		rep, err := transport.DecodeReply(data)
		if err != nil {
			c.log.Error("backend reply malformed", observability.Err(err))
			continue
		}
		out, rerr := rep.Outcome()
		if !c.resolve(rep.ID, result{data: out, err: rerr}) {
			c.log.Debug("backend reply without pending request", observability.F("req_id", rep.ID))
		}
	}
}
