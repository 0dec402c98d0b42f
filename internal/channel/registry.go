// Package channel implements the market-data channel registry: one fan-out channel per configured
// symbol, each owning a book and a subscriber set.
package channel

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/book"
	"github.com/coachpo/hiveproxy/internal/frame"
	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/scheduler"
	"github.com/coachpo/hiveproxy/internal/telemetry"
)

// SessionChecker reports whether a connection holds a live session.
type SessionChecker interface {
	Has(connID string) bool
}

// Outbox delivers frames to connections.
type Outbox interface {
	Send(ctx context.Context, connID string, f frame.Outbound) error
	SendEncoded(ctx context.Context, connID string, typ frame.Type, data []byte) error
}

// BookFetcher loads the current book for a symbol from the backend.
type BookFetcher interface {
	BookDepth(ctx context.Context, symbol string) (book.Snapshot, error)
}

// Channel is the fan-out unit for one symbol.
type Channel struct {
	symbol string
	book   *book.Book

	mu          sync.Mutex
	subscribers map[string]struct{}
}

// Symbol returns the channel identifier.
func (c *Channel) Symbol() string { return c.symbol }

// State returns the stored book state.
func (c *Channel) State() book.Snapshot { return c.book.State() }

// Subscribers returns the subscriber ids in sorted order.
func (c *Channel) Subscribers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribers))
	for id := range c.subscribers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Registry owns the fixed channel set.
type Registry struct {
	channels map[string]*Channel
	symbols  []string
	sessions SessionChecker
	out      Outbox
	workers  int
	log      observability.Logger
	metrics  *telemetry.GatewayMetrics
}

// Option customises a Registry.
type Option func(*Registry)

// WithWorkers bounds the broadcast delivery pool. Values <= 0 select GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(r *Registry) { r.workers = n }
}

// WithLogger sets the registry logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Registry) { r.log = observability.OrDefault(l) }
}

// WithMetrics records broadcast and prune counts.
func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates one channel per symbol. The set is fixed for the registry lifetime.
func NewRegistry(symbols []string, sessions SessionChecker, out Outbox, opts ...Option) (*Registry, error) {
	if sessions == nil || out == nil {
		return nil, fmt.Errorf("channel: session checker and outbox are required")
	}
	r := &Registry{
		channels: make(map[string]*Channel, len(symbols)),
		sessions: sessions,
		out:      out,
		log:      observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.workers <= 0 {
		r.workers = runtime.GOMAXPROCS(0)
	}
	for _, raw := range symbols {
		symbol := strings.TrimSpace(raw)
		if symbol == "" {
			return nil, fmt.Errorf("channel: empty symbol")
		}
		if _, exists := r.channels[symbol]; exists {
			return nil, fmt.Errorf("channel: duplicate symbol %q", symbol)
		}
		r.channels[symbol] = &Channel{
			symbol:      symbol,
			book:        book.New(symbol),
			subscribers: make(map[string]struct{}),
		}
		r.symbols = append(r.symbols, symbol)
	}
	return r, nil
}

// Symbols returns the configured symbols in configuration order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out
}

// Channel returns the channel for symbol.
func (r *Registry) Channel(symbol string) (*Channel, bool) {
	ch, ok := r.channels[symbol]
	return ch, ok
}

// Len returns the number of channels.
func (r *Registry) Len() int { return len(r.channels) }

// Subscribe adds connID to the channel for symbol and sends the confirmation followed by the full
// book state. Subscribing twice is a no-op.
func (r *Registry) Subscribe(ctx context.Context, connID, channelName, symbol string) error {
	if channelName != frame.BookChannel {
		return unknownChannel(channelName, symbol)
	}
	ch, ok := r.channels[symbol]
	if !ok {
		return unknownChannel(channelName, symbol)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, exists := ch.subscribers[connID]; exists {
		return nil
	}
	ch.subscribers[connID] = struct{}{}

	// Sent under the channel lock so a concurrent broadcast cannot overtake the confirmation.
	if err := r.out.Send(ctx, connID, frame.Subscribed{Channel: frame.BookChannel, Symbol: symbol}); err != nil {
		return err
	}
	return r.out.Send(ctx, connID, frame.Book{Symbol: symbol, Snapshot: ch.book.State()})
}

// OnRefresh stores snap for symbol and, when it differs from the stored state, broadcasts the full
// snapshot. It returns the number of subscribers the frame was delivered to.
func (r *Registry) OnRefresh(ctx context.Context, symbol string, snap book.Snapshot) (int, error) {
	ch, ok := r.channels[symbol]
	if !ok {
		return 0, unknownChannel(frame.BookChannel, symbol)
	}
	changes := ch.book.Diff(snap)
	ch.book.Update(snap)
	if len(changes) == 0 {
		return 0, nil
	}
	return r.broadcast(ctx, ch, frame.Book{Symbol: symbol, Snapshot: snap})
}

// broadcast prunes subscribers without a session and delivers f to the rest.
func (r *Registry) broadcast(ctx context.Context, ch *Channel, f frame.Outbound) (int, error) {
	data, err := frame.Encode(f)
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	targets := make([]string, 0, len(ch.subscribers))
	pruned := 0
	for id := range ch.subscribers {
		if !r.sessions.Has(id) {
			delete(ch.subscribers, id)
			pruned++
			continue
		}
		targets = append(targets, id)
	}
	ch.mu.Unlock()

	if pruned > 0 {
		r.metrics.Pruned(ctx, ch.symbol, pruned)
		r.log.Debug("pruned unauthenticated subscribers",
			observability.F("symbol", ch.symbol),
			observability.F("count", pruned))
	}
	if len(targets) == 0 {
		return 0, nil
	}

	p := concpool.New().WithMaxGoroutines(r.workers)
	var delivered int
	var mu sync.Mutex
	for _, id := range targets {
		connID := id
		p.Go(func() {
			if err := r.out.SendEncoded(ctx, connID, f.Type(), data); err != nil {
				r.log.Debug("broadcast delivery failed",
					observability.F("symbol", ch.symbol),
					observability.F("conn_id", connID),
					observability.Err(err))
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		})
	}
	p.Wait()

	r.metrics.Broadcast(ctx, ch.symbol, delivered)
	return delivered, nil
}

// StartRefresh schedules one market-data task per channel on s.
func (r *Registry) StartRefresh(s *scheduler.Scheduler, interval time.Duration, fetcher BookFetcher) error {
	for _, symbol := range r.symbols {
		sym := symbol
		err := scheduler.Every(s, sym, interval, sym, fetcher.BookDepth,
			func(ctx context.Context, snap book.Snapshot) error {
				_, err := r.OnRefresh(ctx, sym, snap)
				return err
			})
		if err != nil {
			return fmt.Errorf("channel: schedule %s: %w", sym, err)
		}
	}
	return nil
}

func unknownChannel(channelName, symbol string) error {
	return errs.New("channel/subscribe", errs.CodeNotFound,
		errs.WithMessage("unknown channel or symbol"),
		errs.WithCanonicalCode(errs.CanonicalUnknownChannel),
		errs.WithField("channel", channelName),
		errs.WithField("symbol", symbol))
}
