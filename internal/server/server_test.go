package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/hiveproxy/internal/conn"
	"github.com/coachpo/hiveproxy/internal/frame"
)

type fixedCount int

func (c fixedCount) Len() int { return int(c) }

// echoHandler records inbound frames and answers each with a trade ack.
type echoHandler struct {
	table *conn.Table

	mu     sync.Mutex
	frames []string
}

func (h *echoHandler) Handle(ctx context.Context, connID string, data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(data))
	h.mu.Unlock()
	_ = h.table.Send(ctx, connID, frame.TradeAck{})
}

func (h *echoHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

func newTestServer(t *testing.T) (*httptest.Server, *conn.Table, *echoHandler) {
	t.Helper()
	table := conn.NewTable()
	handler := &echoHandler{table: table}
	srv := httptest.NewServer(NewHandler(Options{ReadLimit: 1024}, table, handler, fixedCount(2), fixedCount(3)))
	t.Cleanup(func() {
		table.CloseAll()
		srv.Close()
	})
	return srv, table, handler
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func TestWebsocketFramesReachHandler(t *testing.T) {
	srv, table, handler := newTestServer(t)
	ws := dial(t, srv)

	require.Eventually(t, func() bool { return table.Len() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"event":"auth","id":1}`)))

	typ, data, err := ws.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, `[0,"te",[]]`, string(data))
	require.Equal(t, []string{`{"event":"auth","id":1}`}, handler.received())
}

func TestClientCloseTerminatesConnection(t *testing.T) {
	srv, table, _ := newTestServer(t)
	ws := dial(t, srv)

	require.Eventually(t, func() bool { return table.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerTerminateClosesClient(t *testing.T) {
	srv, table, _ := newTestServer(t)
	ws := dial(t, srv)

	require.Eventually(t, func() bool { return table.Len() == 1 }, time.Second, 10*time.Millisecond)
	table.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv, table, _ := newTestServer(t)
	dial(t, srv)
	require.Eventually(t, func() bool { return table.Len() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + healthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, healthResponse{Status: "ok", Connections: 1, Sessions: 2, Channels: 3}, body)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+healthPath, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
}
