package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id    string
	state atomic.Int32

	mu          sync.Mutex
	sent        [][]byte
	closeCode   int
	closeReason string
	closeCalls  int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, done: make(chan struct{})}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return true
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	c.closeReason = reason
	c.closeCalls++
	c.state.Store(int32(StateClosed))
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) State() State { return State(c.state.Load()) }

func (c *fakeConn) setState(s State) { c.state.Store(int32(s)) }

func (c *fakeConn) closed() (int, string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeCalls
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, limits Limits) (*Registry, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := New(limits, discardLogger())
	reg.now = clock.Now
	return reg, clock
}

func defaultLimits() Limits {
	return Limits{MaxConnections: 100, MaxConnectionsPerUser: 5, InactiveTimeout: 30 * time.Minute}
}

// checkInvariants asserts subscribed ⊆ activeChats, per-user and global caps,
// and that no empty session survives.
func checkInvariants(t *testing.T, r *Registry) {
	t.Helper()
	if msg := invariantViolation(r); msg != "" {
		t.Fatal(msg)
	}
}

func invariantViolation(r *Registry) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.conns) > r.limits.MaxConnections {
		return fmt.Sprintf("global cap violated: %d > %d", len(r.conns), r.limits.MaxConnections)
	}
	for userID, session := range r.users {
		if len(session.connections) == 0 {
			return fmt.Sprintf("orphan session for %s", userID)
		}
		if len(session.connections) > r.limits.MaxConnectionsPerUser {
			return fmt.Sprintf("per-user cap violated for %s", userID)
		}
		for connID, e := range session.connections {
			if r.conns[connID] != e {
				return fmt.Sprintf("session connection %s missing from global table", connID)
			}
			if e.userID != userID {
				return fmt.Sprintf("connection %s bound to %s listed under %s", connID, e.userID, userID)
			}
			for chatID := range e.subscriptions {
				if _, ok := session.activeChats[chatID]; !ok {
					return fmt.Sprintf("chat %s subscribed on %s but not active for %s", chatID, connID, userID)
				}
			}
		}
	}
	return ""
}
