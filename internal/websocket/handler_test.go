package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatgateway/internal/constants"
	"github.com/real-rm/chatgateway/internal/registry"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoRouter binds every connection to the user named in the frame and
// echoes frames back
type echoRouter struct {
	reg *registry.Registry

	mu     sync.Mutex
	frames []string
}

func (r *echoRouter) HandleMessage(conn registry.Conn, raw []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(raw))
	r.mu.Unlock()

	var in struct {
		User string `json:"user"`
	}
	if json.Unmarshal(raw, &in) == nil && in.User != "" {
		_, _ = r.reg.Bind(conn.ID(), in.User)
	}
	conn.Send(raw)
}

func (r *echoRouter) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

type recordingPresence struct {
	mu      sync.Mutex
	offline []string
}

func (p *recordingPresence) Online(context.Context, string)    {}
func (p *recordingPresence) Refresh(context.Context, []string) {}
func (p *recordingPresence) Offline(_ context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
}

func (p *recordingPresence) offlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.offline...)
}

type testServer struct {
	handler  *Handler
	registry *registry.Registry
	router   *echoRouter
	presence *recordingPresence
	url      string
}

func newTestServer(t *testing.T, maxConnections int, opts Options) *testServer {
	t.Helper()
	logger := discardLogger()
	reg := registry.New(registry.Limits{
		MaxConnections:        maxConnections,
		MaxConnectionsPerUser: 5,
		InactiveTimeout:       time.Hour,
	}, logger)
	router := &echoRouter{reg: reg}
	tracker := &recordingPresence{}
	h := NewHandler(reg, router, tracker, opts, logger)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.ShutdownWithContext(ctx)
		srv.Close()
	})

	return &testServer{
		handler:  h,
		registry: reg,
		router:   router,
		presence: tracker,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (s *testServer) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func readClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}

func TestHandleWebSocket_SendsConnected(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	ws := s.dial(t, nil)

	ev := readEvent(t, ws)
	assert.Equal(t, "connected", ev["type"])
	data := ev["data"].(map[string]any)
	assert.Equal(t, constants.ConnectedMessage, data["message"])
	connID, _ := data["connectionId"].(string)
	assert.True(t, strings.HasPrefix(connID, "conn_"))

	assert.Equal(t, 1, s.registry.Stats().TotalConnections)
	_, bound := s.registry.UserOf(connID)
	assert.False(t, bound, "connections start unauthenticated")
}

func TestHandleWebSocket_ServerAtCapacity(t *testing.T) {
	s := newTestServer(t, 1, Options{})
	first := s.dial(t, nil)
	readEvent(t, first)

	second := s.dial(t, nil)
	closeErr := readClose(t, second)

	assert.Equal(t, constants.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, constants.CloseReasonServerAtCapacity, closeErr.Text)
	assert.Equal(t, 1, s.registry.Stats().TotalConnections)
}

func TestHandleWebSocket_FramesReachRouterInOrder(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	ws := s.dial(t, nil)
	readEvent(t, ws)

	for i := 0; i < 5; i++ {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"n":`+string(rune('0'+i))+`}`)))
	}
	for i := 0; i < 5; i++ {
		ev := readEvent(t, ws)
		assert.EqualValues(t, i, ev["n"])
	}
	assert.Len(t, s.router.received(), 5)
}

func TestHandleWebSocket_ClientCloseReleasesConnection(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	ws := s.dial(t, nil)
	readEvent(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"user":"u1"}`)))
	readEvent(t, ws)
	require.Equal(t, 1, s.registry.Stats().TotalUsers)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		return s.registry.Stats().TotalConnections == 0
	}, waitFor, tick)
	assert.Equal(t, 0, s.registry.Stats().TotalUsers)
	assert.Eventually(t, func() bool {
		return len(s.presence.offlineUsers()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"u1"}, s.presence.offlineUsers())
}

func TestHandleWebSocket_DoneClosesWhenClientLeaves(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	ws := s.dial(t, nil)
	readEvent(t, ws)

	conns := s.registry.All()
	require.Len(t, conns, 1)
	done := conns[0].Done()
	select {
	case <-done:
		t.Fatal("Done closed while the client is connected")
	default:
	}

	require.NoError(t, ws.Close())

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Done not closed after the client left")
	}
	assert.Equal(t, registry.StateClosed, conns[0].State())
}

func TestHandleWebSocket_PongsKeepQuietConnectionAlive(t *testing.T) {
	s := newTestServer(t, 10, Options{PongWait: 200 * time.Millisecond, PingPeriod: 50 * time.Millisecond})
	ws := s.dial(t, nil)
	readEvent(t, ws)

	// Reading lets the client answer pings; no data frame is sent for
	// longer than the pong wait.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(600*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "the client timed out, the server did not close")
	assert.Equal(t, 1, s.registry.Stats().TotalConnections)
}

func TestHandleWebSocket_PresenceKeptWhileOtherConnectionsRemain(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	a := s.dial(t, nil)
	b := s.dial(t, nil)
	for _, ws := range []*websocket.Conn{a, b} {
		readEvent(t, ws)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"user":"u1"}`)))
		readEvent(t, ws)
	}

	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return s.registry.Stats().TotalConnections == 1
	}, waitFor, tick)
	assert.Empty(t, s.presence.offlineUsers())
	assert.Equal(t, 1, s.registry.SessionConnections("u1"))
}

func TestHandleWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	s := newTestServer(t, 10, Options{MaxPayload: 64})
	ws := s.dial(t, nil)
	readEvent(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 200))))

	closeErr := readClose(t, ws)
	assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
	require.Eventually(t, func() bool {
		return s.registry.Stats().TotalConnections == 0
	}, waitFor, tick)
	assert.Empty(t, s.router.received())
}

func TestHandleWebSocket_OriginCheck(t *testing.T) {
	s := newTestServer(t, 10, Options{AllowedOrigins: []string{"https://app.example.org"}})
	assert.False(t, s.handler.IsOpenOrigin())

	_, resp, err := websocket.DefaultDialer.Dial(s.url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws := s.dial(t, http.Header{"Origin": {"https://app.example.org"}})
	assert.Equal(t, "connected", readEvent(t, ws)["type"])
}

func TestHandleWebSocket_WildcardOrigin(t *testing.T) {
	s := newTestServer(t, 10, Options{AllowedOrigins: []string{"*"}})
	assert.True(t, s.handler.IsOpenOrigin())

	ws := s.dial(t, http.Header{"Origin": {"https://anywhere.example"}})
	assert.Equal(t, "connected", readEvent(t, ws)["type"])
}

func TestConnectionClose_SendsCodeAndReason(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	ws := s.dial(t, nil)
	ev := readEvent(t, ws)
	connID := ev["data"].(map[string]any)["connectionId"].(string)

	conns := s.registry.All()
	require.Len(t, conns, 1)
	conn := conns[0]
	require.Equal(t, connID, conn.ID())

	conn.Close(constants.CloseNormal, constants.CloseReasonInactive)
	assert.False(t, conn.Send([]byte(`{}`)), "closing connections refuse frames")

	closeErr := readClose(t, ws)
	assert.Equal(t, constants.CloseNormal, closeErr.Code)
	assert.Equal(t, constants.CloseReasonInactive, closeErr.Text)
	require.Eventually(t, func() bool {
		return conn.State() == registry.StateClosed && s.registry.Stats().TotalConnections == 0
	}, waitFor, tick)

	conn.Close(constants.CloseNormal, "again")
}

func TestShutdownWithContext_ClosesAllWithGoingAway(t *testing.T) {
	s := newTestServer(t, 10, Options{})
	a := s.dial(t, nil)
	b := s.dial(t, nil)
	readEvent(t, a)
	readEvent(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- s.handler.ShutdownWithContext(ctx) }()

	for _, ws := range []*websocket.Conn{a, b} {
		closeErr := readClose(t, ws)
		assert.Equal(t, constants.CloseGoingAway, closeErr.Code)
		assert.Equal(t, constants.CloseReasonShutdown, closeErr.Text)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, 0, s.registry.Stats().TotalConnections)
}
