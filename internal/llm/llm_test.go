package llm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSystemPrompt(t *testing.T) {
	history := []ChatMessage{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}}

	got := WithSystemPrompt(history)

	require.Len(t, got, 3)
	assert.Equal(t, ChatMessage{Role: "system", Content: SystemPrompt}, got[0])
	assert.Equal(t, history, got[1:])
	assert.Len(t, history, 2, "input is not modified")
}

func TestSystemPrompt(t *testing.T) {
	assert.Contains(t, SystemPrompt, "legal assistant")
	assert.Contains(t, SystemPrompt, "reply in that language")
}

func TestMockProvider_Tokens(t *testing.T) {
	m := NewMockProvider("a", "b")

	s, err := m.Stream(context.Background(), Request{Model: "m"})
	require.NoError(t, err)

	tokens, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a", "b"}, tokens)
	assert.Len(t, m.Requests(), 1)
	assert.Equal(t, 2, m.Streams()[0].Consumed())
}

func TestMockProvider_Failures(t *testing.T) {
	boom := errors.New("boom")

	m := &MockProvider{OpenErr: boom}
	_, err := m.Stream(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)

	m = &MockProvider{Tokens: []string{"a", "b", "c"}, FailAfter: 2, FailErr: boom}
	s, err := m.Stream(context.Background(), Request{})
	require.NoError(t, err)
	tokens, err := drain(t, s)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, tokens)
}

func TestMockStream_CloseAndCancel(t *testing.T) {
	m := NewMockProvider("a", "b")
	s, _ := m.Stream(context.Background(), Request{})
	s.Close()
	_, err := s.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.True(t, m.Streams()[0].Closed())

	ctx, cancel := context.WithCancel(context.Background())
	m = &MockProvider{Tokens: []string{"a"}, TokenDelay: time.Hour}
	s, _ = m.Stream(ctx, Request{})
	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}
