package llm

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockProvider is a scripted Provider for tests.
//
// Every stream yields Tokens in order. OpenErr fails Stream itself.
// A non-nil FailErr makes Recv fail once FailAfter tokens were read.
type MockProvider struct {
	Tokens     []string
	OpenErr    error
	FailAfter  int
	FailErr    error
	TokenDelay time.Duration

	mu       sync.Mutex
	requests []Request
	streams  []*MockStream
}

// NewMockProvider creates a mock that streams tokens successfully
func NewMockProvider(tokens ...string) *MockProvider {
	return &MockProvider{Tokens: tokens}
}

// Stream records the request and returns a scripted stream
func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	// No else needed: early return pattern (guard clause)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	s := &MockStream{
		ctx:       ctx,
		tokens:    append([]string(nil), m.Tokens...),
		failAfter: m.FailAfter,
		failErr:   m.FailErr,
		delay:     m.TokenDelay,
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Requests returns the requests seen so far
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Streams returns the streams handed out so far
func (m *MockProvider) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream is the stream returned by MockProvider
type MockStream struct {
	ctx       context.Context
	tokens    []string
	failAfter int
	failErr   error
	delay     time.Duration

	mu     sync.Mutex
	next   int
	closed bool
}

// Recv returns the next scripted token
func (s *MockStream) Recv() (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// No else needed: early return pattern (guard clause)
	if s.closed {
		return "", ErrStreamClosed
	}
	// No else needed: early return pattern (guard clause)
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	// No else needed: early return pattern (guard clause)
	if s.failErr != nil && s.next >= s.failAfter {
		return "", s.failErr
	}
	// No else needed: early return pattern (guard clause)
	if s.next >= len(s.tokens) {
		return "", io.EOF
	}

	token := s.tokens[s.next]
	s.next++
	return token, nil
}

// Close marks the stream closed
func (s *MockStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Consumed reports how many tokens were read
func (s *MockStream) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Closed reports whether Close was called
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
