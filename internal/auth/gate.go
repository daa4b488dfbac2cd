package auth

import (
	"context"
	"fmt"
	"log/slog"

	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/metrics"
)

// UserChecker reports whether a backing account still exists
type UserChecker interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Gate authenticates a credential against the token validator and the
// account store.
type Gate struct {
	validator TokenValidator
	users     UserChecker
	logger    *slog.Logger
}

// NewGate creates an authentication gate
func NewGate(validator TokenValidator, users UserChecker, logger *slog.Logger) *Gate {
	return &Gate{
		validator: validator,
		users:     users,
		logger:    logger.With("component", "auth"),
	}
}

// Authenticate returns the user id the credential belongs to.
//
// A missing credential, a token that does not validate, and a token whose
// account was deleted all fail with an auth error; the caller keeps the
// connection open and unauthenticated. A failing account lookup is a store
// error.
func (g *Gate) Authenticate(ctx context.Context, token string) (string, error) {
	// No else needed: early return pattern (guard clause)
	if token == "" {
		metrics.AuthFailures.Inc()
		return "", chaterrors.ErrTokenRequired()
	}

	claims, err := g.validator.ValidateToken(token)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		metrics.AuthFailures.Inc()
		g.logger.Debug("Token rejected", "error", err)
		return "", chaterrors.ErrInvalidToken(err)
	}

	exists, err := g.users.UserExists(ctx, claims.UserID)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return "", chaterrors.ErrDatabaseError(fmt.Errorf("user lookup for %s: %w", claims.UserID, err))
	}
	// No else needed: early return pattern (guard clause)
	if !exists {
		metrics.AuthFailures.Inc()
		g.logger.Info("Token for unknown account", "user_id", claims.UserID)
		return "", chaterrors.ErrInvalidToken(fmt.Errorf("user %s not found", claims.UserID))
	}

	return claims.UserID, nil
}
