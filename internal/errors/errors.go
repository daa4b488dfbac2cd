// Package errors provides error handling functionality for the chat gateway.
// It defines error categories, error types, and the client-facing text for each.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/real-rm/chatgateway/internal/constants"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryProtocol represents malformed or unknown frames
	CategoryProtocol ErrorCategory = "protocol"
	// CategoryAuth represents missing, invalid or expired credentials
	CategoryAuth ErrorCategory = "auth"
	// CategoryAuthorization represents chat ownership and subscription failures
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryCapacity represents global or per-user connection cap violations
	CategoryCapacity ErrorCategory = "capacity"
	// CategoryRateLimit represents rate limiting errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryValidation represents input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryProvider represents completion provider failures
	CategoryProvider ErrorCategory = "provider"
	// CategoryStore represents persistence failures
	CategoryStore ErrorCategory = "store"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	ErrCodeInvalidFormat    ErrorCode = "INVALID_FORMAT"
	ErrCodeUnknownType      ErrorCode = "UNKNOWN_TYPE"
	ErrCodeMissingField     ErrorCode = "MISSING_FIELD"
	ErrCodeTokenRequired    ErrorCode = "TOKEN_REQUIRED"
	ErrCodeInvalidToken     ErrorCode = "INVALID_TOKEN"
	ErrCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeAlreadyBound     ErrorCode = "ALREADY_AUTHENTICATED"
	ErrCodeAccessDenied     ErrorCode = "ACCESS_DENIED"
	ErrCodeNotSubscribed    ErrorCode = "NOT_SUBSCRIBED"
	ErrCodeServerAtCapacity ErrorCode = "SERVER_AT_CAPACITY"
	ErrCodeUserAtCapacity   ErrorCode = "USER_AT_CAPACITY"
	ErrCodeTooManyRequests  ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeEmptyContent     ErrorCode = "EMPTY_CONTENT"
	ErrCodeContentTooLong   ErrorCode = "CONTENT_TOO_LONG"
	ErrCodeFeatureDisabled  ErrorCode = "FEATURE_DISABLED"
	ErrCodeBusy             ErrorCode = "BUSY"
	ErrCodeLLMUnavailable   ErrorCode = "LLM_UNAVAILABLE"
	ErrCodeDatabaseError    ErrorCode = "DATABASE_ERROR"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// IsFatal returns true if the error requires connection closure
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

func newError(category ErrorCategory, code ErrorCode, message string, recoverable bool, cause error) *ChatError {
	return &ChatError{
		Category:    category,
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// NewProtocolError creates a malformed-frame error (recoverable)
func NewProtocolError(code ErrorCode, message string, cause error) *ChatError {
	return newError(CategoryProtocol, code, message, true, cause)
}

// NewAuthError creates an authentication error. The connection stays open
// and unauthenticated.
func NewAuthError(code ErrorCode, message string, cause error) *ChatError {
	return newError(CategoryAuth, code, message, true, cause)
}

// NewAuthorizationError creates a chat access error (recoverable)
func NewAuthorizationError(code ErrorCode, message string) *ChatError {
	return newError(CategoryAuthorization, code, message, true, nil)
}

// NewCapacityError creates a connection cap error (fatal)
func NewCapacityError(code ErrorCode, message string) *ChatError {
	return newError(CategoryCapacity, code, message, false, nil)
}

// NewValidationError creates a new validation error (recoverable)
func NewValidationError(code ErrorCode, message string) *ChatError {
	return newError(CategoryValidation, code, message, true, nil)
}

// NewStoreError creates a persistence error surfaced to clients with a generic message
func NewStoreError(message string, cause error) *ChatError {
	return newError(CategoryStore, ErrCodeDatabaseError, message, true, cause)
}

// Common error constructors for convenience

// ErrInvalidMessageFormat creates an invalid message format error
func ErrInvalidMessageFormat(cause error) *ChatError {
	return NewProtocolError(ErrCodeInvalidFormat, constants.ErrMsgInvalidFormat, cause)
}

// ErrUnknownMessageType creates an unknown message type error
func ErrUnknownMessageType(msgType string) *ChatError {
	return NewProtocolError(ErrCodeUnknownType, constants.ErrMsgUnknownType,
		fmt.Errorf("type %q", msgType))
}

// ErrChatIDRequired creates a missing chat id error
func ErrChatIDRequired() *ChatError {
	return NewValidationError(ErrCodeMissingField, constants.ErrMsgChatIDRequired)
}

// ErrTokenRequired creates a missing credential error
func ErrTokenRequired() *ChatError {
	return NewAuthError(ErrCodeTokenRequired, constants.ErrMsgTokenRequired, nil)
}

// ErrInvalidToken creates an invalid token error
func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, constants.ErrMsgInvalidToken, cause)
}

// ErrNotAuthenticated creates an error for operations that need a bound user
func ErrNotAuthenticated() *ChatError {
	return NewAuthError(ErrCodeNotAuthenticated, constants.ErrMsgNotAuthenticated, nil)
}

// ErrAlreadyBound creates an error for a second bind on the same connection
func ErrAlreadyBound() *ChatError {
	return NewAuthError(ErrCodeAlreadyBound, constants.ErrMsgAlreadyBound, nil)
}

// ErrChatAccessDenied creates a chat not found or not owned error
func ErrChatAccessDenied() *ChatError {
	return NewAuthorizationError(ErrCodeAccessDenied, constants.ErrMsgChatAccessDenied)
}

// ErrChatNotFound creates the error used when a chat disappears mid-turn
func ErrChatNotFound() *ChatError {
	return NewAuthorizationError(ErrCodeAccessDenied, constants.ErrMsgChatNotFound)
}

// ErrNotSubscribed creates a not subscribed error
func ErrNotSubscribed() *ChatError {
	return NewAuthorizationError(ErrCodeNotSubscribed, constants.ErrMsgNotSubscribed)
}

// ErrServerAtCapacity creates a global connection cap error
func ErrServerAtCapacity() *ChatError {
	return NewCapacityError(ErrCodeServerAtCapacity, constants.CloseReasonServerAtCapacity)
}

// ErrTooManyConnectionsForUser creates a per-user connection cap error
func ErrTooManyConnectionsForUser() *ChatError {
	return NewCapacityError(ErrCodeUserAtCapacity, constants.CloseReasonTooManyForUser)
}

// ErrTooManyRequests creates a too many requests error
func ErrTooManyRequests(retryAfter int) *ChatError {
	e := newError(CategoryRateLimit, ErrCodeTooManyRequests, constants.ErrMsgRateLimited, true, nil)
	e.RetryAfter = retryAfter
	return e
}

// ErrContentRequired creates an empty message error
func ErrContentRequired() *ChatError {
	return NewValidationError(ErrCodeEmptyContent, constants.ErrMsgContentRequired)
}

// ErrContentTooLong creates an oversized message error
func ErrContentTooLong(maxLength int) *ChatError {
	return NewValidationError(ErrCodeContentTooLong, fmt.Sprintf(constants.ErrMsgTooLongFormat, maxLength))
}

// ErrFeatureDisabled creates an error for operations switched off by configuration
func ErrFeatureDisabled(message string) *ChatError {
	return NewValidationError(ErrCodeFeatureDisabled, message)
}

// ErrBusy creates an error for work refused because the connection or the
// server cannot take more right now
func ErrBusy(message string) *ChatError {
	return NewValidationError(ErrCodeBusy, message)
}

// ErrLLMUnavailable creates a completion provider error
func ErrLLMUnavailable(cause error) *ChatError {
	return newError(CategoryProvider, ErrCodeLLMUnavailable, "AI service is temporarily unavailable", true, cause)
}

// ErrDatabaseError creates a database error with the generic client message
func ErrDatabaseError(cause error) *ChatError {
	return NewStoreError(constants.ErrMsgProcessFailed, cause)
}

// As extracts a *ChatError from an error chain
func As(err error) (*ChatError, bool) {
	var chatErr *ChatError
	if stderrors.As(err, &chatErr) {
		return chatErr, true
	}
	return nil, false
}

// CategoryOf returns the category of err, or CategoryStore for foreign errors
func CategoryOf(err error) ErrorCategory {
	if chatErr, ok := As(err); ok {
		return chatErr.Category
	}
	return CategoryStore
}

// IsCapacity reports whether err is a connection cap violation
func IsCapacity(err error) bool {
	return CategoryOf(err) == CategoryCapacity
}

// ClientMessage returns the text sent to clients in an error event.
// Foreign errors never leak their details.
func ClientMessage(err error) string {
	if chatErr, ok := As(err); ok {
		return chatErr.Message
	}
	return constants.ErrMsgProcessFailed
}

// ShouldAlert reports whether err must be raised to the alerting channel
func ShouldAlert(err error) bool {
	switch CategoryOf(err) {
	case CategoryStore, CategoryProvider:
		return true
	default:
		return false
	}
}
