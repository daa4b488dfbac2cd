package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/real-rm/chatgateway/internal/constants"
	"github.com/real-rm/chatgateway/internal/registry"
)

// closeFrame is a pending close request for the write pump
type closeFrame struct {
	code   int
	reason string
}

// Connection is one upgraded client socket. All writes happen on the
// write pump; Send and Close only hand work to it, so both are safe to
// call from any goroutine.
type Connection struct {
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	send       chan []byte
	closeReq   chan closeFrame
	done       chan struct{}
	pingPeriod time.Duration

	state     atomic.Int32
	closeOnce sync.Once
	doneOnce  sync.Once
}

func newConnection(ws *websocket.Conn, id string, sendBuffer int, pingPeriod time.Duration, logger *slog.Logger) *Connection {
	// No else needed: fallback to default buffer size
	if sendBuffer <= 0 {
		sendBuffer = constants.SendBufferSize
	}
	// No else needed: fallback to default ping period
	if pingPeriod <= 0 {
		pingPeriod = constants.PingPeriod
	}
	c := &Connection{
		ws:         ws,
		id:         id,
		logger:     logger.With("connection_id", id),
		send:       make(chan []byte, sendBuffer),
		closeReq:   make(chan closeFrame, 1),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
	}
	c.state.Store(int32(registry.StateOpen))
	return c
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// State returns the lifecycle state
func (c *Connection) State() registry.State {
	return registry.State(c.state.Load())
}

// Send queues data for the client. It returns false when the connection is
// no longer open or its buffer is full; the frame is dropped in both cases.
func (c *Connection) Send(data []byte) bool {
	// No else needed: early return pattern (guard clause)
	if c.State() != registry.StateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Send buffer full, dropping frame")
		return false
	}
}

// Close asks the write pump to send a close frame with code and reason and
// then tear the socket down. Only the first call has an effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.CompareAndSwap(int32(registry.StateOpen), int32(registry.StateClosing))
		c.closeReq <- closeFrame{code: code, reason: reason}
	})
}

// terminate closes the socket without a handshake. Idempotent.
func (c *Connection) terminate() {
	c.doneOnce.Do(func() {
		c.state.Store(int32(registry.StateClosed))
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed once the socket is torn down. Streamed replies watch it
// to stop as soon as their last viewer leaves.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// writePump owns every write to the socket: queued frames, pings and the
// final close frame
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.terminate()
	}()

	for {
		select {
		case data := <-c.send:
			// No else needed: error handling with return (exits function)
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			// No else needed: error handling with return (exits function)
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				return
			}

		case frame := <-c.closeReq:
			c.flush()
			deadline := time.Now().Add(constants.WriteWait)
			msg := websocket.FormatCloseMessage(frame.code, frame.reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("Close frame not delivered", "error", err)
			}
			return

		case <-c.done:
			return
		}
	}
}

// flush writes frames already queued when a close was requested
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.send:
			// No else needed: error handling with return (exits function)
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
