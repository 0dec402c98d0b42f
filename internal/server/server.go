// Package server exposes the client-facing websocket endpoint and a health probe.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/hiveproxy/internal/conn"
	"github.com/coachpo/hiveproxy/internal/observability"
)

const (
	// DefaultPath is the websocket upgrade path.
	DefaultPath = "/ws"
	healthPath  = "/healthz"
)

// Handler consumes inbound client frames.
type Handler interface {
	Handle(ctx context.Context, connID string, data []byte)
}

// Connections registers and tears down client connections.
type Connections interface {
	Accept(ctx context.Context, tr conn.Transport) *conn.Conn
	Terminate(connID string) bool
	Len() int
}

// Counter reports a population size for the health probe.
type Counter interface {
	Len() int
}

// Options configures the handler.
type Options struct {
	Path           string
	ReadLimit      int64
	OriginPatterns []string
	Logger         observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type server struct {
	conns    Connections
	frames   Handler
	sessions Counter
	channels Counter
	opts     Options
	log      observability.Logger
}

// NewHandler builds the HTTP handler serving the websocket endpoint and /healthz.
func NewHandler(opts Options, conns Connections, frames Handler, sessions, channels Counter) http.Handler {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	s := &server{
		conns:    conns,
		frames:   frames,
		sessions: sessions,
		channels: channels,
		opts:     opts,
		log:      observability.OrDefault(opts.Logger),
	}

	mux := http.NewServeMux()
	mux.Handle(opts.Path, methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.serveWS,
	}))
	mux.Handle(healthPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.health,
	}))
	return mux
}

func (s *server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.opts.OriginPatterns,
		InsecureSkipVerify: len(s.opts.OriginPatterns) == 0,
	})
	if err != nil {
		s.log.Info("websocket accept failed", observability.F("remote", r.RemoteAddr), observability.Err(err))
		return
	}
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}

	ctx := r.Context()
	c := s.conns.Accept(ctx, &wsTransport{conn: ws})
	defer s.conns.Terminate(c.ID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("client read failed", observability.F("conn_id", c.ID), observability.Err(err))
			}
			return
		}
		s.frames.Handle(ctx, c.ID, data)
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Channels    int    `json:"channels"`
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.conns.Len(),
		Sessions:    count(s.sessions),
		Channels:    count(s.channels),
	})
}

func count(c Counter) int {
	if c == nil {
		return 0
	}
	return c.Len()
}

// wsTransport adapts a websocket connection to conn.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.CloseNow()
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		for _, method := range allowed {
			w.Header().Add("Allow", method)
		}
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "error": "method not allowed"})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
