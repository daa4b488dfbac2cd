// Package websocket upgrades HTTP requests to chat sockets and runs the
// per-connection read and write pumps.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/real-rm/chatgateway/internal/constants"
	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/message"
	"github.com/real-rm/chatgateway/internal/presence"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/util"
)

// MessageRouter handles one inbound frame of a connection
type MessageRouter interface {
	HandleMessage(conn registry.Conn, raw []byte)
}

// Options configure a Handler
type Options struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// accepts any origin.
	AllowedOrigins []string
	MaxPayload     int64
	SendBufferSize int
	// PongWait is how long a connection may stay silent before it is
	// dropped. PingPeriod must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration
}

// Handler manages WebSocket upgrades and connection lifecycles
type Handler struct {
	registry *registry.Registry
	router   MessageRouter
	presence presence.Tracker
	logger   *slog.Logger
	opts     Options

	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	openOrigin     bool

	wg sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(reg *registry.Registry, router MessageRouter, tracker presence.Tracker, opts Options, logger *slog.Logger) *Handler {
	// No else needed: optional dependency
	if tracker == nil {
		tracker = presence.Noop{}
	}
	// No else needed: fallback to default payload size
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = constants.DefaultMaxPayload
	}
	// No else needed: fallback to default keepalive timings
	if opts.PongWait <= 0 || opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PongWait = constants.PongWait
		opts.PingPeriod = constants.PingPeriod
	}

	h := &Handler{
		registry:       reg,
		router:         router,
		presence:       tracker,
		logger:         logger.With("component", "websocket"),
		opts:           opts,
		allowedOrigins: make(map[string]bool, len(opts.AllowedOrigins)),
		openOrigin:     len(opts.AllowedOrigins) == 0,
	}
	for _, origin := range opts.AllowedOrigins {
		if origin == "*" {
			h.openOrigin = true
		}
		h.allowedOrigins[origin] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// IsOpenOrigin reports whether any browser origin may connect
func (h *Handler) IsOpenOrigin() bool {
	return h.openOrigin
}

// checkOrigin validates the origin of a WebSocket upgrade request.
// Requests without an Origin header come from non-browser clients.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// No else needed: early return pattern (guard clause)
	if h.openOrigin || origin == "" || h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn("Origin not allowed", "origin", origin)
	return false
}

// HandleWebSocket upgrades the request and starts the connection pumps.
// Authentication happens later, in-band, on the first subscribe_chat.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("Upgrade rejected", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(h.opts.MaxPayload)

	conn := newConnection(ws, util.NewConnectionID(time.Now()), h.opts.SendBufferSize, h.opts.PingPeriod, h.logger)

	h.wg.Add(1)
	util.SafeGo(h.logger, "writePump", func() {
		defer h.wg.Done()
		conn.writePump()
	})

	// No else needed: early return pattern (guard clause)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Warn("Rejecting connection", "connection_id", conn.ID(), "error", err)
		conn.Close(constants.ClosePolicyViolation, chaterrors.ClientMessage(err))
		return
	}

	h.logger.Info("WebSocket connection established",
		"connection_id", conn.ID(),
		"remote_addr", r.RemoteAddr,
		"trace_id", util.TraceID(r.Context()))

	data, err := message.Connected(conn.ID(), constants.ConnectedMessage).Encode()
	// No else needed: optional operation (greeting)
	if err == nil {
		conn.Send(data)
	}

	h.wg.Add(1)
	util.SafeGo(h.logger, "readPump", func() {
		defer h.wg.Done()
		h.readPump(conn)
	})
}

// readPump reads frames and hands each one to the router before reading
// the next. The router returns quickly: assistant replies stream on the
// router's own per-connection worker, so pongs and close frames keep being
// read while a reply is in flight.
func (h *Handler) readPump(c *Connection) {
	defer func() {
		c.terminate()
		h.release(c)
	}()

	pongWait := h.opts.PongWait
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		// No else needed: error handling with return (exits loop)
		if err != nil {
			h.logReadError(c, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.router.HandleMessage(c, raw)
	}
}

func (h *Handler) logReadError(c *Connection, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		h.logger.Warn("WebSocket message size limit exceeded",
			"connection_id", c.ID(),
			"limit", h.opts.MaxPayload)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		util.LogError(h.logger, "websocket", "read frame", err, "connection_id", c.ID())
	default:
		h.logger.Info("WebSocket connection closing", "connection_id", c.ID())
	}
}

// release removes a closed connection from the registry and clears the
// user's presence when it was their last one
func (h *Handler) release(c *Connection) {
	userID, sessionRemoved, ok := h.registry.Unregister(c.ID())
	// No else needed: early return pattern (guard clause)
	if !ok {
		return
	}
	h.logger.Info("WebSocket connection closed", "connection_id", c.ID(), "user_id", userID)

	// No else needed: optional operation (presence cleanup)
	if sessionRemoved {
		ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
		defer cancel()
		h.presence.Offline(ctx, userID)
	}
}

// ShutdownWithContext closes every connection with 1001 and waits for
// their pumps to exit or for ctx to end
func (h *Handler) ShutdownWithContext(ctx context.Context) error {
	conns := h.registry.All()
	h.logger.Info("Shutting down WebSocket handler", "connections", len(conns))

	for _, conn := range conns {
		conn.Close(constants.CloseGoingAway, constants.CloseReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("All WebSocket connections closed gracefully")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded, forcing closure")
		for _, conn := range h.registry.All() {
			// No else needed: only our own connections can be forced
			if c, ok := conn.(*Connection); ok {
				c.terminate()
			}
		}
		return ctx.Err()
	}
}
