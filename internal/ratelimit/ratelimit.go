// Package ratelimit provides the per-user message rate limiter.
//
// The limiter is a fixed window keyed by user id, so all of a user's
// connections share one budget. The window restarts on the first check
// after it has elapsed. A burst straddling a window boundary can admit up
// to twice the limit; this is accepted for coarse abuse prevention and is
// not suitable for quota billing.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// MessageLimiter limits the rate of messages per user using a fixed window
type MessageLimiter struct {
	windows map[string]*window // userID -> current window
	window  time.Duration
	limit   int
	now     func() time.Time
	mu      sync.Mutex

	// Cleanup goroutine management
	stopCleanup chan struct{}
	stopOnce    sync.Once
	cleanupWg   sync.WaitGroup
}

// NewMessageLimiter creates a new message rate limiter
// length: duration of one counting window (e.g., 1 minute)
// limit: maximum number of messages allowed in one window
func NewMessageLimiter(length time.Duration, limit int) *MessageLimiter {
	return &MessageLimiter{
		windows:     make(map[string]*window),
		window:      length,
		limit:       limit,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
}

// Allow consumes one message from the user's budget.
// Returns true if allowed, false if rate limit exceeded. A rejected
// message does not count against the budget.
func (ml *MessageLimiter) Allow(userID string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	w := ml.current(userID, now)

	if w.count >= ml.limit {
		return false
	}

	w.count++
	return true
}

// current returns the user's window, restarting it when elapsed. Caller holds mu.
func (ml *MessageLimiter) current(userID string, now time.Time) *window {
	w, ok := ml.windows[userID]
	if !ok {
		w = &window{start: now}
		ml.windows[userID] = w
		return w
	}
	if now.Sub(w.start) > ml.window {
		w.start = now
		w.count = 0
	}
	return w
}

// Count returns the number of messages counted in the user's current window
func (ml *MessageLimiter) Count(userID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	w, ok := ml.windows[userID]
	if !ok || ml.now().Sub(w.start) > ml.window {
		return 0
	}
	return w.count
}

// GetRetryAfter returns the time in milliseconds until the next message is allowed
func (ml *MessageLimiter) GetRetryAfter(userID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	w, ok := ml.windows[userID]
	if !ok || w.count < ml.limit {
		return 0
	}

	retryAfter := w.start.Add(ml.window).Sub(ml.now())
	if retryAfter < 0 {
		return 0
	}

	return int(retryAfter.Milliseconds())
}

// Reset clears the rate limit history for a user
func (ml *MessageLimiter) Reset(userID string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.windows, userID)
}

// Cleanup removes windows that have elapsed and returns how many were dropped
func (ml *MessageLimiter) Cleanup() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	removed := 0
	for userID, w := range ml.windows {
		if now.Sub(w.start) > ml.window {
			delete(ml.windows, userID)
			removed++
		}
	}
	return removed
}

// Len returns the number of users tracked
func (ml *MessageLimiter) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.windows)
}

// StartCleanup starts a background goroutine that periodically drops elapsed windows
func (ml *MessageLimiter) StartCleanup(interval time.Duration) {
	ml.cleanupWg.Add(1)
	go func() {
		defer ml.cleanupWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ml.Cleanup()
			case <-ml.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish.
// Safe to call more than once.
func (ml *MessageLimiter) StopCleanup() {
	ml.stopOnce.Do(func() {
		close(ml.stopCleanup)
	})
	ml.cleanupWg.Wait()
}
