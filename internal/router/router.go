// Package router dispatches inbound socket frames, enforces per-chat
// authorization and drives the streaming bridge to the completion provider.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/real-rm/chatgateway/internal/config"
	"github.com/real-rm/chatgateway/internal/constants"
	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/llm"
	"github.com/real-rm/chatgateway/internal/message"
	"github.com/real-rm/chatgateway/internal/metrics"
	"github.com/real-rm/chatgateway/internal/notification"
	"github.com/real-rm/chatgateway/internal/presence"
	"github.com/real-rm/chatgateway/internal/ratelimit"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/storage"
	"github.com/real-rm/chatgateway/internal/util"
)

const tracerName = "github.com/real-rm/chatgateway/internal/router"

// Authenticator resolves a bearer credential to a user id
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// ChatStore is the persistence the router needs (to enable testing)
type ChatStore interface {
	FindOwnedChat(ctx context.Context, chatID, userID string) (*storage.Chat, error)
	LoadMessages(ctx context.Context, chat *storage.Chat) ([]storage.Message, error)
	AppendMessage(ctx context.Context, chatID, role, content string) (*storage.Message, int, error)
	SetTitle(ctx context.Context, chatID, title string) error
	CreateChat(ctx context.Context, userID string) (*storage.Chat, error)
}

// Deps are the collaborators of a MessageRouter
type Deps struct {
	Registry *registry.Registry
	Auth     Authenticator
	Store    ChatStore
	Provider llm.Provider
	Alerter  notification.Alerter
	Presence presence.Tracker
	Limiter  *ratelimit.MessageLimiter
	Limits   config.WebSocketConfig
	LLM      config.LLMConfig
	Logger   *slog.Logger
}

// MessageRouter routes client frames and fans server events out to
// subscribed connections
type MessageRouter struct {
	registry *registry.Registry
	auth     Authenticator
	store    ChatStore
	provider llm.Provider
	alerter  notification.Alerter
	presence presence.Tracker
	limiter  *ratelimit.MessageLimiter
	limits   config.WebSocketConfig
	llmCfg   config.LLMConfig
	logger   *slog.Logger
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	turnsMu sync.Mutex
	turns   map[string]turnQueue // connection id -> pending turns
	workers sync.WaitGroup
	pending atomic.Int64 // turns queued or running
}

// NewMessageRouter creates a router. Alerter and Presence default to no-ops.
func NewMessageRouter(deps Deps) *MessageRouter {
	ctx, cancel := context.WithCancel(context.Background())

	alerter := deps.Alerter
	if alerter == nil {
		alerter = notification.Nop{}
	}
	tracker := deps.Presence
	if tracker == nil {
		tracker = presence.Noop{}
	}

	return &MessageRouter{
		registry: deps.Registry,
		auth:     deps.Auth,
		store:    deps.Store,
		provider: deps.Provider,
		alerter:  alerter,
		presence: tracker,
		limiter:  deps.Limiter,
		limits:   deps.Limits,
		llmCfg:   deps.LLM,
		logger:   deps.Logger.With("component", "router"),
		tracer:   otel.Tracer(tracerName),
		ctx:      ctx,
		cancel:   cancel,
		turns:    make(map[string]turnQueue),
	}
}

// HandleMessage processes one inbound frame from conn. It runs on the
// connection's read task, so frames of one connection are handled in
// order. A user message is checked here and its turn is queued on the
// connection's worker, which lets the read task keep serving pongs,
// unsubscribes and closes while the reply streams.
func (mr *MessageRouter) HandleMessage(conn registry.Conn, raw []byte) {
	defer util.Recover(mr.logger, "router")

	mr.registry.Touch(conn.ID())

	in, err := message.ParseInbound(raw)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		mr.handleError(conn, "parse", err)
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(in.Type())).Inc()

	switch req := in.(type) {
	case message.SubscribeChat:
		err = mr.handleSubscribe(conn, req)
	case message.UnsubscribeChat:
		err = mr.handleUnsubscribe(conn, req)
	case message.UserMessage:
		err = mr.routeUserMessage(conn, req)
	case message.GetChatHistory:
		err = mr.handleGetHistory(conn, req)
	case message.CreateChat:
		err = mr.handleCreateChat(conn)
	default:
		err = chaterrors.ErrUnknownMessageType(string(in.Type()))
	}

	// No else needed: optional operation (report failures)
	if err != nil {
		mr.handleError(conn, string(in.Type()), err)
	}
}

// handleError maps a failure to the client reply: capacity errors close the
// connection with a policy violation, every other error is sent back as an
// error event and the connection stays open. Store and provider failures
// are logged and alerted.
func (mr *MessageRouter) handleError(conn registry.Conn, operation string, err error) {
	category := chaterrors.CategoryOf(err)
	metrics.MessageErrors.WithLabelValues(string(category)).Inc()

	// No else needed: early return pattern (guard clause)
	if chaterrors.IsCapacity(err) {
		mr.logger.Info("Closing connection over capacity", "connection_id", conn.ID(), "error", err)
		conn.Close(constants.ClosePolicyViolation, chaterrors.ClientMessage(err))
		return
	}

	if chaterrors.ShouldAlert(err) {
		util.LogError(mr.logger, "router", operation, err, "connection_id", conn.ID())
		mr.alert(operation, chaterrors.ClientMessage(err), err)
	} else {
		mr.logger.Debug("Request rejected", "operation", operation, "connection_id", conn.ID(), "error", err)
	}

	mr.send(conn, message.Error(chaterrors.ClientMessage(err)))
}

// alert raises an operational alert without blocking the caller
func (mr *MessageRouter) alert(where, summary string, err error) {
	util.SafeGo(mr.logger, "alert", func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(mr.ctx), constants.AlertTimeout)
		defer cancel()
		mr.alerter.NotifyError(ctx, notification.Alert{Message: summary, Context: where, Err: err})
	})
}

// opContext bounds one store round-trip. It survives router shutdown so
// in-flight turns can still be persisted.
func (mr *MessageRouter) opContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(mr.ctx), timeout)
}

// chatLookupError maps store lookup failures to the client-facing error,
// hiding whether a chat is missing or foreign
func chatLookupError(err error, notFound *chaterrors.ChatError) error {
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, storage.ErrChatNotFound) || errors.Is(err, storage.ErrInvalidChatID) {
		return notFound
	}
	return chaterrors.ErrDatabaseError(err)
}

// toHistory converts stored messages to their wire form
func toHistory(messages []storage.Message) []message.HistoryMessage {
	out := make([]message.HistoryMessage, len(messages))
	for i, m := range messages {
		out[i] = message.HistoryMessage{
			ID:        m.ID.Hex(),
			Content:   m.Content,
			Role:      m.Role,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		}
	}
	return out
}

// toChatMessages converts stored messages to provider input
func toChatMessages(messages []storage.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = llm.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// send encodes and queues one event for one connection
func (mr *MessageRouter) send(conn registry.Conn, event message.Outbound) bool {
	data, err := event.Encode()
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(mr.logger, "router", "encode event", err, "type", event.Type)
		return false
	}
	return deliver(conn, data)
}

func deliver(conn registry.Conn, data []byte) bool {
	// No else needed: early return pattern (guard clause)
	if conn.State() != registry.StateOpen || !conn.Send(data) {
		metrics.MessagesDropped.Inc()
		return false
	}
	metrics.MessagesSent.Inc()
	return true
}

// sendAll encodes event once and delivers it to every connection in conns
func (mr *MessageRouter) sendAll(conns []registry.Conn, event message.Outbound) int {
	// No else needed: early return pattern (guard clause)
	if len(conns) == 0 {
		return 0
	}
	data, err := event.Encode()
	// No else needed: early return pattern (guard clause)
	if err != nil {
		util.LogError(mr.logger, "router", "encode event", err, "type", event.Type)
		return 0
	}
	delivered := 0
	for _, conn := range conns {
		if deliver(conn, data) {
			delivered++
		}
	}
	return delivered
}

// Broadcast delivers event to every open connection of userID subscribed to
// chatID and returns how many accepted it
func (mr *MessageRouter) Broadcast(userID, chatID string, event message.Outbound) int {
	return mr.sendAll(mr.registry.Targets(userID, chatID), event)
}

// SendToUser delivers event to every connection of userID regardless of
// subscriptions
func (mr *MessageRouter) SendToUser(userID string, event message.Outbound) int {
	return mr.sendAll(mr.registry.UserConns(userID), event)
}

// BroadcastAll delivers event to every registered connection
func (mr *MessageRouter) BroadcastAll(event message.Outbound) int {
	return mr.sendAll(mr.registry.All(), event)
}

// Shutdown cancels in-flight streamed replies and refuses new turns.
// Partial replies are still persisted by the turns that own them; use
// Wait to block until they are.
func (mr *MessageRouter) Shutdown() {
	mr.logger.Info("Shutting down message router")
	mr.turnsMu.Lock()
	mr.cancel()
	mr.turnsMu.Unlock()
}
