package router

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/real-rm/chatgateway/internal/constants"
	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/llm"
	"github.com/real-rm/chatgateway/internal/message"
	"github.com/real-rm/chatgateway/internal/metrics"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/util"
)

// streamOutcome is how a provider stream ended
type streamOutcome int

const (
	streamCompleted streamOutcome = iota
	// streamAbandoned: no subscriber was left to deliver to, or the router shut down
	streamAbandoned
	streamFailed
)

// errNoTargets ends a stream whose last viewing connection went away
var errNoTargets = errors.New("no target connection left")

// routeUserMessage checks a user message on the read task and queues the
// turn (persistence, broadcast, streamed reply) on the connection's worker
func (mr *MessageRouter) routeUserMessage(conn registry.Conn, req message.UserMessage) error {
	userID, err := mr.boundUser(conn)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	// No else needed: early return pattern (guard clause)
	if req.ChatID == "" {
		return chaterrors.ErrChatIDRequired()
	}
	// No else needed: early return pattern (guard clause)
	if !mr.registry.IsSubscribed(conn.ID(), req.ChatID) {
		return chaterrors.ErrNotSubscribed()
	}
	// No else needed: early return pattern (guard clause)
	if !mr.limiter.Allow(userID) {
		metrics.RateLimited.Inc()
		return chaterrors.ErrTooManyRequests(mr.limiter.GetRetryAfter(userID))
	}
	// No else needed: early return pattern (guard clause)
	if err := message.ValidateContent(req.Message, mr.limits.MaxMessageLength); err != nil {
		return err
	}

	content := strings.TrimSpace(req.Message)
	chatID := req.ChatID
	return mr.enqueueTurn(conn, func() {
		// No else needed: optional operation (report failures)
		if err := mr.runUserTurn(conn, userID, chatID, content); err != nil {
			mr.handleError(conn, string(message.TypeMessage), err)
		}
	})
}

// runUserTurn persists and broadcasts the user message, then streams the
// assistant reply. It runs on the connection's turn worker.
func (mr *MessageRouter) runUserTurn(conn registry.Conn, userID, chatID, content string) error {
	// No else needed: early return pattern (guard clause)
	if !mr.registry.IsSubscribed(conn.ID(), chatID) {
		return chaterrors.ErrNotSubscribed()
	}

	ctx, cancel := mr.opContext(constants.MessageAddTimeout)
	defer cancel()

	chat, err := mr.store.FindOwnedChat(ctx, chatID, userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chatLookupError(err, chaterrors.ErrChatNotFound())
	}

	userMsg, _, err := mr.store.AppendMessage(ctx, chatID, constants.RoleUser, content)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chatLookupError(err, chaterrors.ErrChatNotFound())
	}
	chat.Messages = append(chat.Messages, userMsg.ID)

	mr.Broadcast(userID, chatID, message.UserMessageEvent(message.ChatMessageData{
		ChatID:    chatID,
		MessageID: userMsg.ID.Hex(),
		Content:   userMsg.Content,
		Role:      constants.RoleUser,
		Timestamp: userMsg.CreatedAt,
	}))

	history, err := mr.store.LoadMessages(ctx, chat)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chaterrors.ErrDatabaseError(err)
	}

	return mr.streamReply(userID, chatID, content, llm.WithSystemPrompt(toChatMessages(history)))
}

// streamReply runs the assistant turn for chatID and always ends it with a
// persisted assistant message, unless nobody is left to see it and nothing
// was generated.
func (mr *MessageRouter) streamReply(userID, chatID, userContent string, history []llm.ChatMessage) error {
	ctx, span := mr.tracer.Start(mr.ctx, "chat.assistant_turn", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.String("user.id", userID),
		attribute.String("llm.model", mr.llmCfg.Model),
	))
	defer span.End()

	mr.Broadcast(userID, chatID, message.AssistantStart(chatID, constants.AssistantTypingMessage))

	start := time.Now()
	content, outcome, err := mr.consume(ctx, userID, chatID, llm.Request{
		Model:       mr.llmCfg.Model,
		Messages:    history,
		Temperature: mr.llmCfg.Temperature,
		MaxTokens:   mr.limits.MaxTokens,
	})
	metrics.LLMLatency.WithLabelValues(mr.llmCfg.Model).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("llm.reply_length", len(content)))

	switch outcome {
	case streamFailed:
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion stream failed")
		providerErr := chaterrors.ErrLLMUnavailable(err)
		util.LogError(mr.logger, "router", "stream assistant reply", providerErr, "chat_id", chatID, "user_id", userID)
		mr.alert("Streaming Bridge", "Completion provider failed", providerErr)
		content = constants.AssistantFallbackReply
	case streamAbandoned:
		metrics.StreamsAbandoned.Inc()
		mr.logger.Info("Assistant reply abandoned", "chat_id", chatID, "user_id", userID, "partial_length", len(content))
		// No else needed: early return pattern (guard clause)
		if content == "" {
			return nil
		}
	}

	return mr.finishTurn(userID, chatID, userContent, content)
}

// consume reads the provider stream, fanning each token out before reading
// the next. It stops early when no target connection remains, either at the
// next token or as soon as the last target closes.
func (mr *MessageRouter) consume(ctx context.Context, userID, chatID string, req llm.Request) (string, streamOutcome, error) {
	watchCtx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)
	streamCtx, cancel := context.WithTimeout(watchCtx, constants.LLMStreamTimeout)
	defer cancel()

	util.SafeGo(mr.logger, "watchTargets", func() {
		mr.watchTargets(streamCtx, abandon, userID, chatID)
	})

	// abandoned reports whether a stream error came from shutdown or from
	// the last viewer leaving rather than from the provider
	abandoned := func() bool {
		return mr.ctx.Err() != nil || errors.Is(context.Cause(watchCtx), errNoTargets)
	}

	stream, err := mr.provider.Stream(streamCtx, req)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		if abandoned() {
			return "", streamAbandoned, nil
		}
		return "", streamFailed, err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		token, err := stream.Recv()
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, io.EOF) {
			return reply.String(), streamCompleted, nil
		}
		// No else needed: early return pattern (guard clause)
		if err != nil {
			// No else needed: early return pattern (guard clause)
			if abandoned() {
				return reply.String(), streamAbandoned, nil
			}
			return reply.String(), streamFailed, err
		}

		reply.WriteString(token)

		targets := mr.registry.Targets(userID, chatID)
		// No else needed: early return pattern (guard clause)
		if len(targets) == 0 {
			return reply.String(), streamAbandoned, nil
		}
		mr.sendAll(targets, message.AssistantToken(chatID, token))
		metrics.StreamTokens.Inc()
	}
}

// watchTargets cancels the stream with errNoTargets once every connection
// that could show it has closed. Connections subscribing mid-stream are
// picked up on the next pass.
func (mr *MessageRouter) watchTargets(ctx context.Context, abandon context.CancelCauseFunc, userID, chatID string) {
	closed := make(chan struct{}, 1)
	watched := make(map[string]bool)

	for {
		targets := mr.registry.Targets(userID, chatID)
		// No else needed: early return pattern (guard clause)
		if len(targets) == 0 {
			abandon(errNoTargets)
			return
		}
		for _, conn := range targets {
			if watched[conn.ID()] {
				continue
			}
			watched[conn.ID()] = true
			done := conn.Done()
			go func() {
				select {
				case <-done:
					select {
					case closed <- struct{}{}:
					default:
					}
				case <-ctx.Done():
				}
			}()
		}

		select {
		case <-ctx.Done():
			return
		case <-closed:
		}
	}
}

// finishTurn persists the assistant reply, names the chat after its first
// exchange and broadcasts the completion
func (mr *MessageRouter) finishTurn(userID, chatID, userContent, content string) error {
	ctx, cancel := mr.opContext(constants.MessageAddTimeout)
	defer cancel()

	reply, count, err := mr.store.AppendMessage(ctx, chatID, constants.RoleAssistant, content)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chaterrors.ErrDatabaseError(err)
	}

	// No else needed: optional operation (title after the first exchange)
	if count == 2 {
		title := message.TruncateTitle(userContent, constants.TitleMaxLength, constants.TitleEllipsis)
		if err := mr.store.SetTitle(ctx, chatID, title); err != nil {
			mr.logger.Warn("Failed to set chat title", "chat_id", chatID, "error", err)
		}
	}

	mr.Broadcast(userID, chatID, message.AssistantComplete(message.ChatMessageData{
		ChatID:    chatID,
		MessageID: reply.ID.Hex(),
		Content:   reply.Content,
		Role:      constants.RoleAssistant,
		Timestamp: reply.CreatedAt,
	}))
	return nil
}
