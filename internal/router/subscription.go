package router

import (
	"errors"

	"github.com/real-rm/chatgateway/internal/constants"
	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/message"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/storage"
)

// ensureAuthenticated returns the user bound to conn, authenticating with
// token when the connection is still unbound. A bound connection ignores
// the token.
func (mr *MessageRouter) ensureAuthenticated(conn registry.Conn, token string) (string, error) {
	// No else needed: early return pattern (guard clause)
	if userID, ok := mr.registry.UserOf(conn.ID()); ok {
		return userID, nil
	}

	ctx, cancel := mr.opContext(constants.AuthTimeout)
	defer cancel()

	userID, err := mr.auth.Authenticate(ctx, token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return "", err
	}

	first, err := mr.registry.Bind(conn.ID(), userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return "", err
	}
	// No else needed: optional operation (mirror presence)
	if first {
		mr.presence.Online(ctx, userID)
	}

	mr.logger.Info("Connection authenticated", "connection_id", conn.ID(), "user_id", userID)
	mr.send(conn, message.Authenticated(userID, conn.ID()))
	return userID, nil
}

// boundUser returns the user bound to conn or a not-authenticated error
func (mr *MessageRouter) boundUser(conn registry.Conn) (string, error) {
	userID, ok := mr.registry.UserOf(conn.ID())
	// No else needed: early return pattern (guard clause)
	if !ok {
		return "", chaterrors.ErrNotAuthenticated()
	}
	return userID, nil
}

// ownedChatState loads an owned chat with its ordered history
func (mr *MessageRouter) ownedChatState(chatID, userID string) (*storage.Chat, []storage.Message, error) {
	ctx, cancel := mr.opContext(constants.DefaultContextTimeout)
	defer cancel()

	chat, err := mr.store.FindOwnedChat(ctx, chatID, userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, nil, chatLookupError(err, chaterrors.ErrChatAccessDenied())
	}

	messages, err := mr.store.LoadMessages(ctx, chat)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, nil, chaterrors.ErrDatabaseError(err)
	}
	return chat, messages, nil
}

func (mr *MessageRouter) handleSubscribe(conn registry.Conn, req message.SubscribeChat) error {
	userID, err := mr.ensureAuthenticated(conn, req.Token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	// No else needed: early return pattern (guard clause)
	if req.ChatID == "" {
		return chaterrors.ErrChatIDRequired()
	}

	chat, messages, err := mr.ownedChatState(req.ChatID, userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	// No else needed: early return pattern (guard clause)
	if err := mr.registry.Subscribe(conn.ID(), req.ChatID); err != nil {
		return mr.subscribeError(err)
	}

	mr.logger.Debug("Chat subscribed", "connection_id", conn.ID(), "user_id", userID, "chat_id", req.ChatID)
	mr.send(conn, message.ChatSubscribed(req.ChatID, toHistory(messages), chat.Title))
	return nil
}

// subscribeError handles a connection that vanished while the chat was
// being loaded
func (mr *MessageRouter) subscribeError(err error) error {
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, registry.ErrUnknownConnection) {
		return chaterrors.ErrNotAuthenticated()
	}
	return err
}

func (mr *MessageRouter) handleUnsubscribe(conn registry.Conn, req message.UnsubscribeChat) error {
	userID, err := mr.boundUser(conn)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	// No else needed: early return pattern (guard clause)
	if req.ChatID == "" {
		return chaterrors.ErrChatIDRequired()
	}

	chat, messages, err := mr.ownedChatState(req.ChatID, userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	mr.registry.Unsubscribe(conn.ID(), req.ChatID)
	mr.send(conn, message.ChatUnsubscribed(req.ChatID, toHistory(messages), chat.Title))
	return nil
}

func (mr *MessageRouter) handleGetHistory(conn registry.Conn, req message.GetChatHistory) error {
	userID, err := mr.boundUser(conn)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	// No else needed: early return pattern (guard clause)
	if req.ChatID == "" {
		return chaterrors.ErrChatIDRequired()
	}

	_, messages, err := mr.ownedChatState(req.ChatID, userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}

	mr.send(conn, message.ChatHistory(req.ChatID, toHistory(messages)))
	return nil
}

// handleCreateChat creates an empty chat and subscribes the caller to it.
// Deployments that only create chats through the HTTP API switch it off
// with allow_create_chat.
func (mr *MessageRouter) handleCreateChat(conn registry.Conn) error {
	userID, err := mr.boundUser(conn)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	// No else needed: early return pattern (guard clause)
	if !mr.limits.AllowCreateChat {
		return chaterrors.ErrFeatureDisabled(constants.ErrMsgCreateDisabled)
	}

	ctx, cancel := mr.opContext(constants.DefaultContextTimeout)
	defer cancel()

	chat, err := mr.store.CreateChat(ctx, userID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return chaterrors.NewStoreError(constants.ErrMsgCreateFailed, err)
	}

	chatID := chat.ID.Hex()
	// No else needed: early return pattern (guard clause)
	if err := mr.registry.Subscribe(conn.ID(), chatID); err != nil {
		return mr.subscribeError(err)
	}

	mr.send(conn, message.ChatCreated(chatID, chat.Title))
	return nil
}
