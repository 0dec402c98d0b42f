// Package conn tracks live client connections and owns outbound frame delivery.
package conn

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/hiveproxy/internal/frame"
	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/telemetry"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// ErrUnknownConnection is returned when sending to a connection that is not registered.
var ErrUnknownConnection = errors.New("conn: unknown connection")

// Transport is the underlying client connection.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Conn is a registered client connection.
type Conn struct {
	ID       string
	OpenedAt time.Time

	transport Transport
	writeMu   sync.Mutex
}

// Table is the registry of live connections.
type Table struct {
	writeTimeout time.Duration
	log          observability.Logger
	metrics      *telemetry.GatewayMetrics
	newID        func() string

	mu    sync.RWMutex
	conns map[string]*Conn
	hooks []func(connID string)
}

// Option customises a Table.
type Option func(*Table)

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithLogger sets the table logger.
func WithLogger(l observability.Logger) Option {
	return func(t *Table) { t.log = observability.OrDefault(l) }
}

// WithMetrics records connection and frame counts.
func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(t *Table) { t.metrics = m }
}

// WithIDGenerator overrides connection id generation.
func WithIDGenerator(fn func() string) Option {
	return func(t *Table) {
		if fn != nil {
			t.newID = fn
		}
	}
}

// NewTable builds an empty connection table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		writeTimeout: DefaultWriteTimeout,
		log:          observability.Log(),
		newID:        uuid.NewString,
		conns:        make(map[string]*Conn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// OnTerminate registers fn to run once for every terminated connection.
func (t *Table) OnTerminate(fn func(connID string)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// Accept registers tr under a fresh connection id.
func (t *Table) Accept(ctx context.Context, tr Transport) *Conn {
	c := &Conn{ID: t.newID(), OpenedAt: time.Now(), transport: tr}
	t.mu.Lock()
	t.conns[c.ID] = c
	t.mu.Unlock()

	t.metrics.ConnectionOpened(ctx)
	t.log.Debug("connection accepted", observability.F("conn_id", c.ID))
	return c
}

// Get returns the live connection for id.
func (t *Table) Get(connID string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[connID]
	return c, ok
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// IDs returns the live connection ids in sorted order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Send encodes f and writes it to the connection. A write failure terminates the connection.
func (t *Table) Send(ctx context.Context, connID string, f frame.Outbound) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return t.SendEncoded(ctx, connID, f.Type(), data)
}

// SendEncoded writes a pre-encoded frame. A write failure terminates the connection.
func (t *Table) SendEncoded(ctx context.Context, connID string, typ frame.Type, data []byte) error {
	c, ok := t.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	c.writeMu.Lock()
	err := c.transport.Write(writeCtx, data)
	c.writeMu.Unlock()
	cancel()

	if err != nil {
		t.metrics.SendFailed(ctx, string(typ))
		t.log.Info("send failed; terminating connection",
			observability.F("conn_id", connID),
			observability.F("frame", string(typ)),
			observability.Err(err))
		t.Terminate(connID)
		return err
	}
	t.metrics.FrameSent(ctx, string(typ))
	return nil
}

// Terminate removes the connection, closes its transport and runs the teardown hooks.
// Terminating an unknown or already terminated connection is a no-op.
func (t *Table) Terminate(connID string) bool {
	t.mu.Lock()
	c, ok := t.conns[connID]
	if ok {
		delete(t.conns, connID)
	}
	hooks := append([]func(string){}, t.hooks...)
	t.mu.Unlock()
	if !ok {
		return false
	}

	if err := c.transport.Close(); err != nil {
		t.log.Debug("transport close failed", observability.F("conn_id", connID), observability.Err(err))
	}
	for _, hook := range hooks {
		hook(connID)
	}
	t.metrics.ConnectionClosed(context.Background())
	t.log.Debug("connection terminated", observability.F("conn_id", connID))
	return true
}

// CloseAll terminates every live connection.
func (t *Table) CloseAll() {
	for _, id := range t.IDs() {
		t.Terminate(id)
	}
}
