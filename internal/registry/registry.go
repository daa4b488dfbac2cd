// Package registry is the process-wide table of live WebSocket connections.
//
// It maps connections to the users they are bound to, enforces the global
// and per-user connection caps, tracks per-connection chat subscriptions and
// the per-user union of active chats, and answers broadcast target queries.
// All methods are safe for concurrent use. No lock is held while a
// connection is closed.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/metrics"
)

// State is the lifecycle state of a connection's socket
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is the view of a socket the registry needs
type Conn interface {
	ID() string
	// Send queues an encoded event without blocking; false means it was dropped.
	Send(data []byte) bool
	// Close sends a close frame with code and reason and tears the socket down.
	Close(code int, reason string)
	State() State
	// Done is closed once the connection is gone for good.
	Done() <-chan struct{}
}

// ErrUnknownConnection is returned for operations on ids that were never
// registered or were already removed.
var ErrUnknownConnection = errors.New("unknown connection")

// Limits are the caps and timeouts the registry enforces
type Limits struct {
	MaxConnections        int
	MaxConnectionsPerUser int
	InactiveTimeout       time.Duration
}

type entry struct {
	conn          Conn
	userID        string
	subscriptions map[string]struct{}
	lastActivity  time.Time
}

// UserSession aggregates all connections bound to one user
type UserSession struct {
	UserID       string
	connections  map[string]*entry
	lastActivity time.Time
	activeChats  map[string]struct{}
}

// Stats is a read-only snapshot of registry counters
type Stats struct {
	TotalConnections int `json:"totalConnections"`
	TotalUsers       int `json:"totalUsers"`
}

// Registry tracks every registered connection and every user session
type Registry struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*entry
	users map[string]*UserSession
}

// New creates an empty registry
func New(limits Limits, logger *slog.Logger) *Registry {
	return &Registry{
		limits: limits,
		logger: logger.With("component", "registry"),
		now:    time.Now,
		conns:  make(map[string]*entry),
		users:  make(map[string]*UserSession),
	}
}

// Register admits a freshly opened connection, unbound to any user.
// Fails with a capacity error when the global cap is reached.
func (r *Registry) Register(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// No else needed: early return pattern (guard clause)
	if len(r.conns) >= r.limits.MaxConnections {
		metrics.ConnectionsRejected.WithLabelValues("server_cap").Inc()
		return chaterrors.ErrServerAtCapacity()
	}

	r.conns[conn.ID()] = &entry{
		conn:          conn,
		subscriptions: make(map[string]struct{}),
		lastActivity:  r.now(),
	}
	metrics.WebSocketConnections.Set(float64(len(r.conns)))

	return nil
}

// Bind attaches a registered connection to a user. A connection is bound
// at most once. Fails with a capacity error when the user already holds
// the per-user maximum; the connection then stays registered and unbound.
// first reports whether this created the user's session.
func (r *Registry) Bind(connID, userID string) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	// No else needed: early return pattern (guard clause)
	if !ok {
		return false, ErrUnknownConnection
	}
	// No else needed: early return pattern (guard clause)
	if e.userID != "" {
		return false, chaterrors.ErrAlreadyBound()
	}

	session, exists := r.users[userID]
	// No else needed: early return pattern (guard clause)
	if exists && len(session.connections) >= r.limits.MaxConnectionsPerUser {
		metrics.ConnectionsRejected.WithLabelValues("user_cap").Inc()
		return false, chaterrors.ErrTooManyConnectionsForUser()
	}

	now := r.now()
	if !exists {
		session = &UserSession{
			UserID:      userID,
			connections: make(map[string]*entry),
			activeChats: make(map[string]struct{}),
		}
		r.users[userID] = session
		metrics.ActiveUsers.Set(float64(len(r.users)))
	}

	e.userID = userID
	e.lastActivity = now
	session.connections[connID] = e
	session.lastActivity = now

	return !exists, nil
}

// Unregister removes a connection. It is idempotent: removing an unknown
// or already removed id is a no-op and reports ok=false. When the
// connection was its user's last, the session is removed and
// sessionRemoved is true.
func (r *Registry) Unregister(connID string) (userID string, sessionRemoved bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.conns[connID]
	if !found {
		return "", false, false
	}

	sessionRemoved = r.removeLocked(connID, e)
	return e.userID, sessionRemoved, true
}

// removeLocked drops one connection from every index. Caller holds mu.
func (r *Registry) removeLocked(connID string, e *entry) (sessionRemoved bool) {
	delete(r.conns, connID)
	metrics.WebSocketConnections.Set(float64(len(r.conns)))

	// No else needed: unbound connections have no session to update
	if e.userID == "" {
		return false
	}

	session, ok := r.users[e.userID]
	if !ok {
		return false
	}

	delete(session.connections, connID)
	if len(session.connections) == 0 {
		delete(r.users, e.userID)
		metrics.ActiveUsers.Set(float64(len(r.users)))
		return true
	}

	for chatID := range e.subscriptions {
		r.releaseChatLocked(session, chatID)
	}
	return false
}

// releaseChatLocked drops chatID from the user's active set when no
// remaining connection still subscribes to it. Caller holds mu.
func (r *Registry) releaseChatLocked(session *UserSession, chatID string) {
	for _, other := range session.connections {
		if _, ok := other.subscriptions[chatID]; ok {
			return
		}
	}
	delete(session.activeChats, chatID)
}

// UserOf returns the user a connection is bound to
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok || e.userID == "" {
		return "", false
	}
	return e.userID, true
}

// Touch records activity on a connection and its user session
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return
	}
	now := r.now()
	e.lastActivity = now
	if session, ok := r.users[e.userID]; ok {
		session.lastActivity = now
	}
}

// Subscribe adds chatID to a bound connection's subscriptions and to the
// user's active chats.
func (r *Registry) Subscribe(connID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	// No else needed: early return pattern (guard clause)
	if !ok {
		return ErrUnknownConnection
	}
	// No else needed: early return pattern (guard clause)
	if e.userID == "" {
		return chaterrors.ErrNotAuthenticated()
	}

	e.subscriptions[chatID] = struct{}{}
	if session, ok := r.users[e.userID]; ok {
		session.activeChats[chatID] = struct{}{}
	}
	return nil
}

// Unsubscribe removes chatID from a connection's subscriptions. Removing a
// chat that is not subscribed is a no-op.
func (r *Registry) Unsubscribe(connID, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return
	}
	if _, subscribed := e.subscriptions[chatID]; !subscribed {
		return
	}
	delete(e.subscriptions, chatID)
	if session, ok := r.users[e.userID]; ok {
		r.releaseChatLocked(session, chatID)
	}
}

// IsSubscribed reports whether a connection listens to chatID
func (r *Registry) IsSubscribed(connID, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, subscribed := e.subscriptions[chatID]
	return subscribed
}

// Targets returns the open connections of userID subscribed to chatID
func (r *Registry) Targets(userID, chatID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.users[userID]
	if !ok {
		return nil
	}

	var out []Conn
	for _, e := range session.connections {
		if _, subscribed := e.subscriptions[chatID]; !subscribed {
			continue
		}
		if e.conn.State() != StateOpen {
			continue
		}
		out = append(out, e.conn)
	}
	return out
}

// UserConns returns the open connections bound to userID
func (r *Registry) UserConns(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(session.connections))
	for _, e := range session.connections {
		if e.conn.State() == StateOpen {
			out = append(out, e.conn)
		}
	}
	return out
}

// All returns every registered connection, bound or not
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	return out
}

// Users returns the ids of users with a live session
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns a connection's subscribed chat ids, sorted
func (r *Registry) Subscriptions(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedKeys(e.subscriptions)
}

// ActiveChats returns the union of chats subscribed by a user's connections, sorted
func (r *Registry) ActiveChats(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.users[userID]
	if !ok {
		return nil
	}
	return sortedKeys(session.activeChats)
}

// SessionConnections returns how many connections a user currently holds
func (r *Registry) SessionConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.users[userID]
	if !ok {
		return 0
	}
	return len(session.connections)
}

// Stats returns current totals
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		TotalConnections: len(r.conns),
		TotalUsers:       len(r.users),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
