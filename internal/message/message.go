// Package message defines the WebSocket wire protocol: the {type, data}
// envelope, the closed set of client requests and the server events.
package message

import (
	"encoding/json"
	"strings"
	"time"

	chaterrors "github.com/real-rm/chatgateway/internal/errors"
)

// MessageType represents the type field of an envelope
type MessageType string

// Client -> server
const (
	TypeSubscribeChat   MessageType = "subscribe_chat"
	TypeUnsubscribeChat MessageType = "unsubscribe_chat"
	TypeMessage         MessageType = "message"
	TypeGetChatHistory  MessageType = "get_chat_history"
	TypeCreateChat      MessageType = "create_chat"
)

// Server -> client
const (
	TypeConnected                MessageType = "connected"
	TypeAuthenticated            MessageType = "authenticated"
	TypeChatSubscribed           MessageType = "chat_subscribed"
	TypeChatUnsubscribed         MessageType = "chat_unsubscribed"
	TypeChatCreated              MessageType = "chat_created"
	TypeChatHistory              MessageType = "chat_history"
	TypeUserMessage              MessageType = "user_message"
	TypeAssistantMessageStart    MessageType = "assistant_message_start"
	TypeAssistantMessageToken    MessageType = "assistant_message_token"
	TypeAssistantMessageComplete MessageType = "assistant_message_complete"
	TypeError                    MessageType = "error"
)

// Envelope is the frame layout in both directions
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is one of the client requests below
type Inbound interface {
	Type() MessageType
}

// SubscribeChat authenticates the connection on first use and subscribes it to a chat
type SubscribeChat struct {
	Token  string `json:"token,omitempty"`
	ChatID string `json:"chatId"`
}

// UnsubscribeChat removes a chat from the connection's subscriptions
type UnsubscribeChat struct {
	ChatID string `json:"chatId"`
}

// UserMessage is a user-authored chat message
type UserMessage struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// GetChatHistory asks for the persisted history of a chat
type GetChatHistory struct {
	ChatID string `json:"chatId"`
}

// CreateChat asks for a new empty chat owned by the bound user
type CreateChat struct{}

func (SubscribeChat) Type() MessageType   { return TypeSubscribeChat }
func (UnsubscribeChat) Type() MessageType { return TypeUnsubscribeChat }
func (UserMessage) Type() MessageType     { return TypeMessage }
func (GetChatHistory) Type() MessageType  { return TypeGetChatHistory }
func (CreateChat) Type() MessageType      { return TypeCreateChat }

// ParseInbound decodes a client frame into its typed request.
// Malformed frames yield a protocol error; unknown types yield
// the unknown-type protocol error.
func ParseInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, chaterrors.ErrInvalidMessageFormat(err)
	}

	var in Inbound
	switch env.Type {
	case TypeSubscribeChat:
		var m SubscribeChat
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		in = m
	case TypeUnsubscribeChat:
		var m UnsubscribeChat
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		in = m
	case TypeMessage:
		var m UserMessage
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		in = m
	case TypeGetChatHistory:
		var m GetChatHistory
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		in = m
	case TypeCreateChat:
		in = CreateChat{}
	default:
		return nil, chaterrors.ErrUnknownMessageType(string(env.Type))
	}

	return in, nil
}

func decodeData(data json.RawMessage, v any) error {
	// Missing data decodes as an empty request; handlers report the missing fields.
	if len(data) == 0 || strings.TrimSpace(string(data)) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return chaterrors.ErrInvalidMessageFormat(err)
	}
	return nil
}

// HistoryMessage is one persisted chat message as sent to clients
type HistoryMessage struct {
	ID        string    `json:"_id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Outbound is a server event ready to be encoded
type Outbound struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// Encode marshals the event as an envelope
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// ConnectedData is the payload of a connected event
type ConnectedData struct {
	Message      string `json:"message"`
	ConnectionID string `json:"connectionId"`
}

// AuthenticatedData is the payload of an authenticated event
type AuthenticatedData struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// ChatStateData carries a chat's history and title
type ChatStateData struct {
	ChatID   string           `json:"chatId"`
	Messages []HistoryMessage `json:"messages"`
	Title    string           `json:"title"`
}

// ChatCreatedData is the payload of a chat_created event
type ChatCreatedData struct {
	ChatID string `json:"chatId"`
	Title  string `json:"title"`
}

// ChatHistoryData is the payload of a chat_history event
type ChatHistoryData struct {
	ChatID   string           `json:"chatId"`
	Messages []HistoryMessage `json:"messages"`
}

// ChatMessageData describes a persisted user or assistant turn
type ChatMessageData struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// AssistantStartData is the payload of an assistant_message_start event
type AssistantStartData struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// AssistantTokenData is the payload of an assistant_message_token event
type AssistantTokenData struct {
	ChatID string `json:"chatId"`
	Token  string `json:"token"`
}

// ErrorData is the payload of an error event
type ErrorData struct {
	Message string `json:"message"`
}

// Connected builds the greeting sent when a socket opens
func Connected(connectionID, text string) Outbound {
	return Outbound{Type: TypeConnected, Data: ConnectedData{Message: text, ConnectionID: connectionID}}
}

// Authenticated builds the acknowledgement of a successful bind
func Authenticated(userID, connectionID string) Outbound {
	return Outbound{Type: TypeAuthenticated, Data: AuthenticatedData{UserID: userID, ConnectionID: connectionID}}
}

// ChatSubscribed builds the subscribe acknowledgement
func ChatSubscribed(chatID string, messages []HistoryMessage, title string) Outbound {
	return Outbound{Type: TypeChatSubscribed, Data: ChatStateData{ChatID: chatID, Messages: nonNil(messages), Title: title}}
}

// ChatUnsubscribed builds the unsubscribe acknowledgement
func ChatUnsubscribed(chatID string, messages []HistoryMessage, title string) Outbound {
	return Outbound{Type: TypeChatUnsubscribed, Data: ChatStateData{ChatID: chatID, Messages: nonNil(messages), Title: title}}
}

// ChatCreated builds the create_chat acknowledgement
func ChatCreated(chatID, title string) Outbound {
	return Outbound{Type: TypeChatCreated, Data: ChatCreatedData{ChatID: chatID, Title: title}}
}

// ChatHistory builds the history reply
func ChatHistory(chatID string, messages []HistoryMessage) Outbound {
	return Outbound{Type: TypeChatHistory, Data: ChatHistoryData{ChatID: chatID, Messages: nonNil(messages)}}
}

// UserMessageEvent builds the broadcast of a persisted user turn
func UserMessageEvent(data ChatMessageData) Outbound {
	return Outbound{Type: TypeUserMessage, Data: data}
}

// AssistantStart builds the event sent before the first token
func AssistantStart(chatID, text string) Outbound {
	return Outbound{Type: TypeAssistantMessageStart, Data: AssistantStartData{ChatID: chatID, Message: text}}
}

// AssistantToken builds one streamed token event
func AssistantToken(chatID, token string) Outbound {
	return Outbound{Type: TypeAssistantMessageToken, Data: AssistantTokenData{ChatID: chatID, Token: token}}
}

// AssistantComplete builds the terminal assistant event
func AssistantComplete(data ChatMessageData) Outbound {
	return Outbound{Type: TypeAssistantMessageComplete, Data: data}
}

// Error builds an error event
func Error(text string) Outbound {
	return Outbound{Type: TypeError, Data: ErrorData{Message: text}}
}

func nonNil(messages []HistoryMessage) []HistoryMessage {
	if messages == nil {
		return []HistoryMessage{}
	}
	return messages
}
