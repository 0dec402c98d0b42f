// Package session tracks authenticated connections and drives their account refresh loops.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/hiveproxy/internal/account"
	"github.com/coachpo/hiveproxy/internal/conn"
	"github.com/coachpo/hiveproxy/internal/frame"
	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/scheduler"
	"github.com/coachpo/hiveproxy/internal/telemetry"
)

// DefaultRefreshInterval is the account refresh cadence.
const DefaultRefreshInterval = 1500 * time.Millisecond

// AccountFetcher loads a user's account bundle from the backend.
type AccountFetcher interface {
	UserData(ctx context.Context, userID int64) (*account.Bundle, error)
}

// Outbox delivers frames to a connection.
type Outbox interface {
	Send(ctx context.Context, connID string, f frame.Outbound) error
}

// Session is the authenticated state of one connection. Projections stay empty until the first
// successful refresh.
type Session struct {
	ConnID string
	UserID int64

	mu          sync.RWMutex
	projections *account.Projections
	refreshedAt time.Time
}

// Projections returns the last refreshed account views and whether a refresh has completed.
func (s *Session) Projections() (account.Projections, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.projections == nil {
		return account.Projections{}, false
	}
	return *s.projections, true
}

// RefreshedAt returns the time of the last successful refresh.
func (s *Session) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

func (s *Session) store(p account.Projections, at time.Time) {
	s.mu.Lock()
	s.projections = &p
	s.refreshedAt = at
	s.mu.Unlock()
}

// Manager owns the session table. Each session has one refresh loop keyed by connection id.
type Manager struct {
	fetcher  AccountFetcher
	out      Outbox
	interval time.Duration
	log      observability.Logger
	metrics  *telemetry.GatewayMetrics
	loops    *scheduler.Scheduler

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option customises a Manager.
type Option func(*Manager)

// WithInterval overrides the refresh cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Manager) { m.log = observability.OrDefault(l) }
}

// WithMetrics records session counts and refresh outcomes.
func WithMetrics(metrics *telemetry.GatewayMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager builds a session manager.
func NewManager(fetcher AccountFetcher, out Outbox, opts ...Option) *Manager {
	m := &Manager{
		fetcher:  fetcher,
		out:      out,
		interval: DefaultRefreshInterval,
		log:      observability.Log(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.loops = scheduler.New(telemetry.TaskAccount,
		scheduler.WithLogger(m.log),
		scheduler.WithMetrics(m.metrics))
	return m
}

// Authenticate installs a session for connID and starts its refresh loop. A previous session for
// the same connection is replaced and its loop stopped before the new loop starts.
func (m *Manager) Authenticate(ctx context.Context, connID string, userID int64) (*Session, error) {
	s := &Session{ConnID: connID, UserID: userID}

	m.mu.Lock()
	_, existed := m.sessions[connID]
	m.sessions[connID] = s
	m.mu.Unlock()
	if !existed {
		m.metrics.SessionDelta(ctx, 1)
	}

	err := scheduler.Replace(m.loops, connID, m.interval, s, m.fetch,
		func(ctx context.Context, bundle *account.Bundle) error {
			return m.push(ctx, s, bundle)
		}, scheduler.Immediately())
	if err != nil {
		m.Remove(connID)
		return nil, fmt.Errorf("session: start refresh for %s: %w", connID, err)
	}
	m.log.Info("session authenticated",
		observability.F("conn_id", connID),
		observability.F("user_id", userID))
	return s, nil
}

// Has reports whether connID holds a live session.
func (m *Manager) Has(connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[connID]
	return ok
}

// Get returns the live session for connID.
func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove destroys the session for connID. An in-flight refresh observes the removal and stops.
// Removing an absent session is a no-op.
func (m *Manager) Remove(connID string) bool {
	m.mu.Lock()
	_, ok := m.sessions[connID]
	delete(m.sessions, connID)
	m.mu.Unlock()

	m.loops.Stop(connID)
	if ok {
		m.metrics.SessionDelta(context.Background(), -1)
	}
	return ok
}

// Close stops every refresh loop.
func (m *Manager) Close() {
	m.loops.Close()
}

// removeSession drops s if it is still the live session of its connection.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	live := m.sessions[s.ConnID] == s
	if live {
		delete(m.sessions, s.ConnID)
	}
	m.mu.Unlock()
	if !live {
		return
	}
	m.loops.Stop(s.ConnID)
	m.metrics.SessionDelta(context.Background(), -1)
	m.log.Info("session dropped; connection gone",
		observability.F("conn_id", s.ConnID),
		observability.F("user_id", s.UserID))
}

// current reports whether s is still the live session of its connection.
func (m *Manager) current(s *Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[s.ConnID] == s
}

func (m *Manager) fetch(ctx context.Context, s *Session) (*account.Bundle, error) {
	if !m.current(s) {
		return nil, scheduler.ErrStop
	}
	bundle, err := m.fetcher.UserData(ctx, s.UserID)
	if !m.current(s) {
		return nil, scheduler.ErrStop
	}
	return bundle, err
}

func (m *Manager) push(ctx context.Context, s *Session, bundle *account.Bundle) error {
	if !m.current(s) {
		return scheduler.ErrStop
	}
	if bundle == nil {
		return nil
	}
	p, err := account.Parse(bundle)
	if err != nil {
		m.log.Error("account bundle rejected",
			observability.F("conn_id", s.ConnID),
			observability.F("user_id", s.UserID),
			observability.Err(err))
		return nil
	}
	s.store(p, time.Now())

	for _, f := range []frame.Outbound{
		frame.Wallets(p.Wallets),
		frame.Orders(p.Orders),
		frame.Positions(p.Positions),
	} {
		if err := m.out.Send(ctx, s.ConnID, f); err != nil {
			if errors.Is(err, conn.ErrUnknownConnection) {
				// Torn down before the session existed; no teardown hook will remove it.
				m.removeSession(s)
				return scheduler.ErrStop
			}
			m.log.Debug("account push failed",
				observability.F("conn_id", s.ConnID),
				observability.Err(err))
			break
		}
	}
	if !m.current(s) {
		return scheduler.ErrStop
	}
	return nil
}
