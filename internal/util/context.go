// Package util provides common utility functions to eliminate code duplication.
package util

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TraceHeader carries a caller supplied trace id on HTTP requests,
// WebSocket upgrades included
const TraceHeader = "X-Request-ID"

// maxTraceIDLength caps trace ids accepted from clients
const maxTraceIDLength = 64

type traceKey struct{}

// NewTimeoutContext bounds background work that has no caller context,
// such as presence cleanup after a sweep or a socket close.
func NewTimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WithTraceID returns a child of parent carrying traceID and the id itself.
// An empty or oversized traceID is replaced by a fresh UUID.
func WithTraceID(parent context.Context, traceID string) (context.Context, string) {
	if traceID == "" || len(traceID) > maxTraceIDLength {
		traceID = uuid.NewString()
	}
	return context.WithValue(parent, traceKey{}, traceID), traceID
}

// TraceID returns the trace id carried by ctx, or "" when there is none
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
