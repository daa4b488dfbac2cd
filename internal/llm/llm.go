// Package llm streams assistant replies from a completion provider.
package llm

import (
	"context"
	"errors"
	"strings"
)

// SystemPrompt is the fixed directive prepended to every chat history
const SystemPrompt = "You are a comprehensive legal assistant helping users with any legal issues, " +
	"including document analysis, visas, migration, deportation, documents, police, court, lawyers, " +
	"legal translations, work permits, asylum, residence permits, study abroad, and legal statement filings. " +
	"Automatically detect the user's language and reply in that language. " +
	"If the question is not legal-related, politely explain you can only help with legal topics."

var (
	// ErrEmptyHistory is returned when a request carries no messages
	ErrEmptyHistory = errors.New("completion request has no messages")
	// ErrStreamClosed is returned by Recv after Close
	ErrStreamClosed = errors.New("stream closed")
)

// ChatMessage represents a single message in the conversation
type ChatMessage struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Request is one streamed completion call
type Request struct {
	Model       string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
}

// Provider opens token streams
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields generated tokens in order. Recv returns io.EOF once the
// reply is complete. Close releases the underlying connection and makes
// later Recv calls fail; it is safe to call more than once.
type Stream interface {
	Recv() (string, error)
	Close()
}

// WithSystemPrompt returns history with the system directive in front
func WithSystemPrompt(history []ChatMessage) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: SystemPrompt})
	return append(messages, history...)
}

// isRetryableError determines if a failed stream open should be retried
func isRetryableError(err error) bool {
	// No else needed: early return pattern (guard clause)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"status code: 5",
		"status code: 429",
		"rate limit",
		"unavailable",
		"overloaded",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
