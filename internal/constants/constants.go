// Package constants provides centralized constant definitions for the chat gateway.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// WebSocket endpoint and close codes
const (
	WebSocketPath        = "/ws/chat"
	StatsPath            = "/api/websocket/stats"
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Close reasons sent with control frames
const (
	CloseReasonServerAtCapacity = "Server at capacity"
	CloseReasonTooManyForUser   = "Too many connections for user"
	CloseReasonInactive         = "inactive"
	CloseReasonShutdown         = "Server shutting down"
)

// Timeouts for various operations
const (
	DefaultContextTimeout = 10 * time.Second  // Standard database operations
	MongoIndexTimeout     = 30 * time.Second  // MongoDB index creation
	MessageAddTimeout     = 5 * time.Second   // Appending messages to chats
	AuthTimeout           = 5 * time.Second   // Token validation + user lookup
	LLMStreamTimeout      = 120 * time.Second // Whole assistant turn
	HealthCheckTimeout    = 2 * time.Second   // Health check operations
	AlertTimeout          = 5 * time.Second   // Best-effort alert delivery
	ShutdownTimeout       = 30 * time.Second  // Graceful process shutdown
)

// WebSocket transport timings
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	SendBufferSize = 256
	// TurnQueueSize bounds the user messages a connection may have waiting
	// behind the reply being streamed
	TurnQueueSize = 8
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 60 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Configuration defaults
const (
	DefaultMaxConnections        = 10000
	DefaultMaxConnectionsPerUser = 5
	DefaultRateLimitWindow       = 60 * time.Second
	DefaultRateLimitMaxMessages  = 30
	DefaultCleanupInterval       = 5 * time.Minute
	DefaultInactiveTimeout       = 30 * time.Minute
	DefaultMaxPayload            = 16384 // bytes
	DefaultMaxMessageLength      = 4000  // characters
	DefaultMaxTokens             = 10000
	DefaultPort                  = 3000
	DefaultAllowedOrigin         = "http://localhost:3000"
	DefaultMongoURI              = "mongodb://localhost:27017"
	DefaultDatabase              = "chatgateway"
	DefaultModel                 = "gpt-4o"
	DefaultTemperature           = 0.7
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultAlertSubject          = "chatgateway.alerts"
	DefaultPresenceTTL           = 2 * time.Minute
	DefaultLimiterCleanup        = 10 * time.Minute
)

// Production upper bounds applied after loading
const (
	MaxConnectionsCeiling        = 10000
	MaxConnectionsPerUserCeiling = 10
	RateLimitMaxMessagesCeiling  = 100
)

// Retry settings for transient store errors
const (
	MaxRetryAttempts  = 3
	InitialRetryDelay = 100 * time.Millisecond
	MaxRetryDelay     = 2 * time.Second
	RetryMultiplier   = 2.0
)

// Chat defaults
const (
	DefaultChatTitle       = "New chat"
	DefaultChatDescription = "New conversation"
	SourceTypeManual       = "manual"
	SourceTypeDocument     = "document"
	TitleMaxLength         = 50
	TitleEllipsis          = "..."
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Client-facing error messages
const (
	ErrMsgInvalidFormat    = "Invalid message format"
	ErrMsgUnknownType      = "Unknown message type"
	ErrMsgTokenRequired    = "Authentication token required"
	ErrMsgInvalidToken     = "Invalid authentication token"
	ErrMsgNotAuthenticated = "Not authenticated"
	ErrMsgChatIDRequired   = "Chat ID required"
	ErrMsgChatAccessDenied = "Chat not found or access denied"
	ErrMsgChatNotFound     = "Chat not found"
	ErrMsgNotSubscribed    = "Not subscribed to this chat"
	ErrMsgRateLimited      = "Rate limit exceeded. Please slow down."
	ErrMsgContentRequired  = "Message content required"
	ErrMsgTooLongFormat    = "Message too long. Maximum %d characters."
	ErrMsgProcessFailed    = "Failed to process message"
	ErrMsgCreateFailed     = "Failed to create chat"
	ErrMsgCreateDisabled   = "Chat creation is disabled"
	ErrMsgReplyBacklog     = "Too many replies in progress. Please wait."
	ErrMsgAlreadyBound     = "Connection already authenticated"
	ErrMsgInternalError    = "Internal server error"
)

// Assistant turn texts
const (
	AssistantTypingMessage = "Assistant is typing..."
	AssistantFallbackReply = "Sorry, an error occurred while processing your message. Please try again."
	ConnectedMessage       = "WebSocket connection established"
)

// MongoDB collection and field names
const (
	CollectionChats    = "chats"
	CollectionMessages = "messages"
	CollectionUsers    = "users"

	MongoFieldID        = "_id"
	MongoFieldUserID    = "userId"
	MongoFieldMessages  = "messages"
	MongoFieldTitle     = "title"
	MongoFieldCreatedAt = "createdAt"
	MongoFieldUpdatedAt = "updatedAt"
)

// MongoDB Index Names
const (
	IndexChatUserID        = "idx_chat_user_id"
	IndexChatUserUpdatedAt = "idx_chat_user_updated_at"
	IndexMessageCreatedAt  = "idx_message_created_at"
)

// Redis key layout
const (
	PresenceKeyPrefix = "chatgw:presence:"
)

// Weak Secrets for validation (security check)
var WeakSecrets = []string{
	"secret", "test", "password", "admin",
	"changeme", "change-me", "default", "example", "placeholder",
}

// Minimum Security Requirements
const (
	MinJWTSecretLength = 32
)
