package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/real-rm/chatgateway/internal/config"
	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/llm"
	"github.com/real-rm/chatgateway/internal/notification"
	"github.com/real-rm/chatgateway/internal/ratelimit"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/storage"
)

// event is a decoded outbound frame
type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e event) field(t *testing.T, name string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(e.Data, &m))
	return m[name]
}

type testConn struct {
	id    string
	state atomic.Int32

	mu          sync.Mutex
	events      []event
	closeCode   int
	closeReason string
	onSend      func(c *testConn, e event)

	done     chan struct{}
	doneOnce sync.Once
}

func newTestConn(id string) *testConn {
	return &testConn{id: id, done: make(chan struct{})}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) State() registry.State { return registry.State(c.state.Load()) }

func (c *testConn) Send(data []byte) bool {
	if c.State() != registry.StateOpen {
		return false
	}
	var e event
	if err := json.Unmarshal(data, &e); err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(c, e)
	}
	return true
}

func (c *testConn) Close(code int, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.state.Store(int32(registry.StateClosed))
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *testConn) Done() <-chan struct{} { return c.done }

func (c *testConn) all() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func (c *testConn) types() []string {
	var out []string
	for _, e := range c.all() {
		out = append(out, e.Type)
	}
	return out
}

func (c *testConn) ofType(typ string) []event {
	var out []event
	for _, e := range c.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *testConn) last() event {
	events := c.all()
	if len(events) == 0 {
		return event{}
	}
	return events[len(events)-1]
}

func (c *testConn) lastError(t *testing.T) string {
	t.Helper()
	errs := c.ofType("error")
	require.NotEmpty(t, errs, "expected an error event, got %v", c.types())
	msg, _ := errs[len(errs)-1].field(t, "message").(string)
	return msg
}

func (c *testConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *testConn) closed() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// fakeStore is an in-memory ChatStore
type fakeStore struct {
	mu       sync.Mutex
	chats    map[string]*storage.Chat
	messages map[primitive.ObjectID]storage.Message
	clock    time.Time

	failFind   error
	failAppend map[string]error // by role
	failCreate error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:      map[string]*storage.Chat{},
		messages:   map[primitive.ObjectID]storage.Message{},
		clock:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		failAppend: map[string]error{},
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *fakeStore) addChat(userID, title string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := &storage.Chat{ID: primitive.NewObjectID(), UserID: userID, Title: title, Messages: []primitive.ObjectID{}}
	s.chats[chat.ID.Hex()] = chat
	return chat.ID.Hex()
}

func (s *fakeStore) seed(chatID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	msg := storage.Message{ID: primitive.NewObjectID(), Role: role, Content: content, CreatedAt: now, UpdatedAt: now}
	s.messages[msg.ID] = msg
	s.chats[chatID].Messages = append(s.chats[chatID].Messages, msg.ID)
}

func (s *fakeStore) history(chatID string) []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Message
	for _, id := range s.chats[chatID].Messages {
		out = append(out, s.messages[id])
	}
	return out
}

func (s *fakeStore) title(chatID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID].Title
}

func (s *fakeStore) FindOwnedChat(_ context.Context, chatID, userID string) (*storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFind != nil {
		return nil, s.failFind
	}
	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return nil, storage.ErrChatNotFound
	}
	cp := *chat
	cp.Messages = append([]primitive.ObjectID(nil), chat.Messages...)
	return &cp, nil
}

func (s *fakeStore) LoadMessages(_ context.Context, chat *storage.Chat) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.Message{}
	for _, id := range chat.Messages {
		out = append(out, s.messages[id])
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, chatID, role, content string) (*storage.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failAppend[role]; err != nil {
		return nil, 0, err
	}
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, 0, storage.ErrChatNotFound
	}
	now := s.tick()
	msg := storage.Message{ID: primitive.NewObjectID(), Role: role, Content: content, CreatedAt: now, UpdatedAt: now}
	s.messages[msg.ID] = msg
	chat.Messages = append(chat.Messages, msg.ID)
	return &msg, len(chat.Messages), nil
}

func (s *fakeStore) SetTitle(_ context.Context, chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return storage.ErrChatNotFound
	}
	chat.Title = title
	return nil
}

func (s *fakeStore) CreateChat(_ context.Context, userID string) (*storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	chat := &storage.Chat{ID: primitive.NewObjectID(), UserID: userID, Title: "New chat", Messages: []primitive.ObjectID{}}
	s.chats[chat.ID.Hex()] = chat
	return chat, nil
}

// fakeAuth accepts tokens of the form "token-<user>"
type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", chaterrors.ErrTokenRequired()
	}
	if len(token) > 6 && token[:6] == "token-" {
		return token[6:], nil
	}
	return "", chaterrors.ErrInvalidToken(errors.New("bad token"))
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (a *recordingAlerter) NotifyError(_ context.Context, alert notification.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) NotifyInfo(context.Context, string) {}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type harness struct {
	router   *MessageRouter
	registry *registry.Registry
	store    *fakeStore
	provider *llm.MockProvider
	alerter  *recordingAlerter
	limiter  *ratelimit.MessageLimiter
}

type harnessOption func(*Deps)

func withLimits(fn func(*config.WebSocketConfig)) harnessOption {
	return func(d *Deps) { fn(&d.Limits) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:    newFakeStore(),
		provider: llm.NewMockProvider("Hello", ", ", "world"),
		alerter:  &recordingAlerter{},
	}

	deps := Deps{
		Auth:     fakeAuth{},
		Store:    h.store,
		Provider: h.provider,
		Alerter:  h.alerter,
		Limits: config.WebSocketConfig{
			MaxConnections:        100,
			MaxConnectionsPerUser: 5,
			RateLimitWindowMS:     60000,
			RateLimitMaxMessages:  30,
			MaxMessageLength:      4000,
			MaxTokens:             10000,
			AllowCreateChat:       true,
		},
		LLM:    config.LLMConfig{Model: "gpt-4o", Temperature: 0.7},
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.registry = registry.New(registry.Limits{
		MaxConnections:        deps.Limits.MaxConnections,
		MaxConnectionsPerUser: deps.Limits.MaxConnectionsPerUser,
		InactiveTimeout:       time.Hour,
	}, logger)
	h.limiter = ratelimit.NewMessageLimiter(deps.Limits.RateLimitWindow(), deps.Limits.RateLimitMaxMessages)
	deps.Registry = h.registry
	deps.Limiter = h.limiter

	h.router = NewMessageRouter(deps)
	t.Cleanup(h.router.Shutdown)
	return h
}

// connect registers a fresh unbound connection
func (h *harness) connect(t *testing.T, id string) *testConn {
	t.Helper()
	conn := newTestConn(id)
	require.NoError(t, h.registry.Register(conn))
	return conn
}

// send hands one frame to the router and waits for any turn it queued
func (h *harness) send(t *testing.T, conn *testConn, typ string, data any) {
	t.Helper()
	h.dispatch(t, conn, typ, data)
	h.settle(t)
}

// dispatch hands one frame to the router without waiting for queued turns
func (h *harness) dispatch(t *testing.T, conn *testConn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "data": data})
	require.NoError(t, err)
	h.router.HandleMessage(conn, raw)
}

// settle waits until no turn is queued or running
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.router.pending.Load() == 0 }, waitFor, tick,
		"turns still pending")
}

// subscribe authenticates (if needed) and subscribes conn to chatID
func (h *harness) subscribe(t *testing.T, conn *testConn, userID, chatID string) {
	t.Helper()
	h.send(t, conn, "subscribe_chat", map[string]any{"token": "token-" + userID, "chatId": chatID})
	require.True(t, h.registry.IsSubscribed(conn.ID(), chatID), "subscribe failed: %v", conn.types())
}

const (
	registryOpen = registry.StateOpen
	waitFor      = 2 * time.Second
	tick         = 10 * time.Millisecond
)
