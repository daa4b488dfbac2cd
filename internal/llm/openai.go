package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/real-rm/chatgateway/internal/metrics"
)

// OpenAIConfig configures the OpenAI provider
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional, for compatible gateways
	// MaxAttempts bounds stream-open attempts on transient failures
	MaxAttempts int
	// RetryDelay is the first backoff delay; it doubles per attempt
	RetryDelay time.Duration
}

// OpenAIProvider streams chat completions from the OpenAI API
type OpenAIProvider struct {
	client      *openai.Client
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// NewOpenAIProvider creates an OpenAI provider
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	// No else needed: optional operation (override endpoint)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		logger:      logger.With("component", "llm"),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Stream opens a streamed chat completion. Transient failures while opening
// are retried with exponential backoff; failures after the first token are
// reported by Recv.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	// No else needed: early return pattern (guard clause)
	if len(req.Messages) == 0 {
		return nil, ErrEmptyHistory
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	var lastErr error
	delay := p.retryDelay
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		// No else needed: optional operation (wait before a retry)
		if attempt > 1 {
			p.logger.Info("Retrying completion stream", "model", req.Model, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		metrics.LLMRequests.WithLabelValues(req.Model).Inc()
		stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
		if err == nil {
			p.logger.Debug("Completion stream established", "model", req.Model, "messages", len(messages))
			return &openAIStream{stream: stream, model: req.Model}, nil
		}

		lastErr = err
		metrics.LLMErrors.WithLabelValues(req.Model).Inc()
		p.logger.Warn("Completion stream request failed", "model", req.Model, "attempt", attempt, "error", err)

		// No else needed: early return pattern (guard clause)
		if !isRetryableError(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return nil, fmt.Errorf("failed to establish stream after %d attempts: %w", p.maxAttempts, lastErr)
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	model  string

	mu     sync.Mutex
	closed bool
}

// Recv returns the next non-empty content delta
func (s *openAIStream) Recv() (string, error) {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		// No else needed: early return pattern (guard clause)
		if closed {
			return "", ErrStreamClosed
		}

		resp, err := s.stream.Recv()
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		// No else needed: early return pattern (guard clause)
		if err != nil {
			metrics.LLMErrors.WithLabelValues(s.model).Inc()
			return "", fmt.Errorf("stream receive failed: %w", err)
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if token := resp.Choices[0].Delta.Content; token != "" {
			return token, nil
		}
	}
}

func (s *openAIStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// No else needed: early return pattern (guard clause)
	if s.closed {
		return
	}
	s.closed = true
	s.stream.Close()
}
