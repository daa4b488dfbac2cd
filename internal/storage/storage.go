// Package storage persists chats, messages and account lookups in MongoDB.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/real-rm/chatgateway/internal/constants"
	"github.com/real-rm/chatgateway/internal/metrics"
)

var (
	// ErrChatNotFound is returned when a chat does not exist, is not owned
	// by the caller, or its id is malformed
	ErrChatNotFound = errors.New("chat not found")
	// ErrInvalidChatID is returned when a chat id is empty
	ErrInvalidChatID = errors.New("chat ID cannot be empty")
	// ErrInvalidRole is returned for a message role other than user or assistant
	ErrInvalidRole = errors.New("message role must be user or assistant")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// defaultRetryConfig provides default retry configuration
var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Chat is a persisted conversation owned by one user
type Chat struct {
	ID          primitive.ObjectID   `bson:"_id"`
	UserID      string               `bson:"userId"`
	Messages    []primitive.ObjectID `bson:"messages"`
	Title       string               `bson:"title"`
	Description string               `bson:"description"`
	SourceType  string               `bson:"sourceType"`
	CreatedAt   time.Time            `bson:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt"`
}

// Message is one persisted chat message
type Message struct {
	ID        primitive.ObjectID `bson:"_id"`
	Content   string             `bson:"content"`
	Role      string             `bson:"role"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

// Store manages chat persistence in MongoDB
type Store struct {
	db       *mongo.Database
	chats    *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
	logger   *slog.Logger
	retry    retryConfig
	now      func() time.Time
}

// NewStore creates a store over the given database
func NewStore(db *mongo.Database, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		chats:    db.Collection(constants.CollectionChats),
		messages: db.Collection(constants.CollectionMessages),
		users:    db.Collection(constants.CollectionUsers),
		logger:   logger.With("component", "storage"),
		retry:    defaultRetryConfig,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// userKey converts a user id to the value stored in userId and users._id.
// Account ids are ObjectIDs; other ids are stored verbatim.
func userKey(userID string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(userID); err == nil {
		return oid
	}
	return userID
}

// parseChatID converts a chat id to an ObjectID, mapping malformed ids to
// ErrChatNotFound so callers cannot tell them apart from foreign chats.
func parseChatID(chatID string) (primitive.ObjectID, error) {
	// No else needed: early return pattern (guard clause)
	if chatID == "" {
		return primitive.NilObjectID, ErrInvalidChatID
	}
	oid, err := primitive.ObjectIDFromHex(chatID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return primitive.NilObjectID, ErrChatNotFound
	}
	return oid, nil
}

func observe(operation string, start time.Time) {
	metrics.MongoDBOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// isRetryableError checks if an error is retryable (transient)
// Returns true for network errors and transient MongoDB errors
func isRetryableError(err error) bool {
	// No else needed: early return pattern (guard clause)
	if err == nil {
		return false
	}
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// No else needed: early return pattern (guard clause)
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	return containsAny(err.Error(), []string{
		"connection refused",
		"connection reset",
		"temporary failure",
		"i/o timeout",
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	})
}

// containsAny checks if a string contains any of the given substrings
func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// EnsureIndexes creates the indexes used by ownership lookups, chat
// listings and history reads.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	chatIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: constants.MongoFieldUserID, Value: 1}},
			Options: options.Index().SetName(constants.IndexChatUserID),
		},
		{
			Keys: bson.D{
				{Key: constants.MongoFieldUserID, Value: 1},
				{Key: constants.MongoFieldUpdatedAt, Value: -1},
			},
			Options: options.Index().SetName(constants.IndexChatUserUpdatedAt),
		},
	}
	// No else needed: early return pattern (guard clause)
	if _, err := s.chats.Indexes().CreateMany(ctx, chatIndexes); err != nil {
		return fmt.Errorf("failed to create chat indexes: %w", err)
	}

	messageIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldCreatedAt, Value: 1}},
		Options: options.Index().SetName(constants.IndexMessageCreatedAt),
	}
	// No else needed: early return pattern (guard clause)
	if _, err := s.messages.Indexes().CreateOne(ctx, messageIndex); err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"indexes", []string{constants.IndexChatUserID, constants.IndexChatUserUpdatedAt, constants.IndexMessageCreatedAt})
	return nil
}

// Ping checks that the primary is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// UserExists reports whether an account with the given id exists
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	defer observe("user_exists", time.Now())

	var count int64
	err := s.retryOperation(ctx, "UserExists", func() error {
		var opErr error
		count, opErr = s.users.CountDocuments(ctx,
			bson.M{constants.MongoFieldID: userKey(userID)},
			options.Count().SetLimit(1))
		return opErr
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return count > 0, nil
}

// FindOwnedChat returns the chat with chatID when it belongs to userID.
// Missing, foreign and malformed chats all yield ErrChatNotFound.
func (s *Store) FindOwnedChat(ctx context.Context, chatID, userID string) (*Chat, error) {
	oid, err := parseChatID(chatID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, err
	}
	defer observe("find_owned_chat", time.Now())

	filter := bson.M{
		constants.MongoFieldID:     oid,
		constants.MongoFieldUserID: userKey(userID),
	}

	var chat Chat
	err = s.retryOperation(ctx, "FindOwnedChat", func() error {
		return s.chats.FindOne(ctx, filter).Decode(&chat)
	})
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrChatNotFound
	}
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return &chat, nil
}

// LoadMessages returns the chat's messages ordered by creation time
func (s *Store) LoadMessages(ctx context.Context, chat *Chat) ([]Message, error) {
	// No else needed: early return pattern (guard clause)
	if chat == nil || len(chat.Messages) == 0 {
		return []Message{}, nil
	}
	defer observe("load_messages", time.Now())

	filter := bson.M{constants.MongoFieldID: bson.M{"$in": chat.Messages}}
	opts := options.Find().SetSort(bson.D{
		{Key: constants.MongoFieldCreatedAt, Value: 1},
		{Key: constants.MongoFieldID, Value: 1},
	})

	var messages []Message
	err := s.retryOperation(ctx, "LoadMessages", func() error {
		cursor, opErr := s.messages.Find(ctx, filter, opts)
		// No else needed: early return pattern (guard clause)
		if opErr != nil {
			return opErr
		}
		messages = messages[:0]
		return cursor.All(ctx, &messages)
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	// No else needed: optional operation (normalize empty result)
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// AppendMessage stores a new message and links it to the chat, bumping the
// chat's updatedAt. It returns the stored message and the chat's message
// count after the append.
func (s *Store) AppendMessage(ctx context.Context, chatID, role, content string) (*Message, int, error) {
	oid, err := parseChatID(chatID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, 0, err
	}
	// No else needed: early return pattern (guard clause)
	if role != constants.RoleUser && role != constants.RoleAssistant {
		return nil, 0, ErrInvalidRole
	}
	defer observe("append_message", time.Now())

	now := s.now()
	msg := &Message{
		ID:        primitive.NewObjectID(),
		Content:   content,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.retryOperation(ctx, "InsertMessage", func() error {
		_, opErr := s.messages.InsertOne(ctx, msg)
		// Retried inserts may hit the document written by an attempt whose reply was lost.
		if mongo.IsDuplicateKeyError(opErr) {
			return nil
		}
		return opErr
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to insert message: %w", err)
	}

	update := bson.M{
		"$addToSet": bson.M{constants.MongoFieldMessages: msg.ID},
		"$set":      bson.M{constants.MongoFieldUpdatedAt: now},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{constants.MongoFieldMessages: 1})

	var updated struct {
		Messages []primitive.ObjectID `bson:"messages"`
	}
	err = s.retryOperation(ctx, "LinkMessage", func() error {
		return s.chats.FindOneAndUpdate(ctx, bson.M{constants.MongoFieldID: oid}, update, opts).Decode(&updated)
	})
	// No else needed: early return pattern (guard clause)
	if errors.Is(err, mongo.ErrNoDocuments) {
		s.discardMessage(ctx, msg.ID)
		return nil, 0, ErrChatNotFound
	}
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to link message to chat: %w", err)
	}

	return msg, len(updated.Messages), nil
}

// discardMessage removes a message whose chat vanished before it was linked
func (s *Store) discardMessage(ctx context.Context, id primitive.ObjectID) {
	// No else needed: optional operation (best-effort cleanup)
	if _, err := s.messages.DeleteOne(ctx, bson.M{constants.MongoFieldID: id}); err != nil {
		s.logger.Warn("Failed to remove unlinked message", "message_id", id.Hex(), "error", err)
	}
}

// SetTitle replaces the chat's title
func (s *Store) SetTitle(ctx context.Context, chatID, title string) error {
	oid, err := parseChatID(chatID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return err
	}
	defer observe("set_title", time.Now())

	update := bson.M{"$set": bson.M{
		constants.MongoFieldTitle:     title,
		constants.MongoFieldUpdatedAt: s.now(),
	}}

	var result *mongo.UpdateResult
	err = s.retryOperation(ctx, "SetTitle", func() error {
		var opErr error
		result, opErr = s.chats.UpdateOne(ctx, bson.M{constants.MongoFieldID: oid}, update)
		return opErr
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to set chat title: %w", err)
	}
	// No else needed: early return pattern (guard clause)
	if result.MatchedCount == 0 {
		return ErrChatNotFound
	}
	return nil
}

// CreateChat creates an empty manual chat for userID with the default
// title and description
func (s *Store) CreateChat(ctx context.Context, userID string) (*Chat, error) {
	// No else needed: early return pattern (guard clause)
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	defer observe("create_chat", time.Now())

	now := s.now()
	chat := &Chat{
		ID:          primitive.NewObjectID(),
		UserID:      userID,
		Messages:    []primitive.ObjectID{},
		Title:       constants.DefaultChatTitle,
		Description: constants.DefaultChatDescription,
		SourceType:  constants.SourceTypeManual,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	doc := bson.M{
		constants.MongoFieldID:        chat.ID,
		constants.MongoFieldUserID:    userKey(userID),
		constants.MongoFieldMessages:  chat.Messages,
		constants.MongoFieldTitle:     chat.Title,
		"description":                 chat.Description,
		"sourceType":                  chat.SourceType,
		constants.MongoFieldCreatedAt: now,
		constants.MongoFieldUpdatedAt: now,
	}

	err := s.retryOperation(ctx, "CreateChat", func() error {
		_, opErr := s.chats.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(opErr) {
			return nil
		}
		return opErr
	})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	s.logger.Info("Chat created", "chat_id", chat.ID.Hex(), "user_id", userID)
	return chat, nil
}

// retryOperation executes an operation with retry logic for transient errors
// Uses exponential backoff with configurable parameters
func (s *Store) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := s.retry.initialDelay

	for attempt := 1; attempt <= s.retry.maxAttempts; attempt++ {
		err := fn()
		// No else needed: early return pattern (guard clause - success case)
		if err == nil {
			return nil
		}

		// No else needed: early return pattern (guard clause - non-retryable error)
		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		// No else needed: optional operation (only retry if attempts remain)
		if attempt < s.retry.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", s.retry.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * s.retry.multiplier)
			// No else needed: optional operation (only cap if exceeds max)
			if delay > s.retry.maxDelay {
				delay = s.retry.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", s.retry.maxAttempts, lastErr)
}
