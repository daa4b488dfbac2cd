// Package auth validates bearer credentials and binds them to a user identity.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
)

// userIDClaims lists the claim names that may carry the user identity, in
// lookup order. Tokens issued by the account service use userId.
var userIDClaims = []string{"userId", "user_id", "sub"}

// Claims represents the JWT claims extracted from a token
type Claims struct {
	UserID string
}

// TokenValidator turns a bearer credential into claims
type TokenValidator interface {
	ValidateToken(token string) (*Claims, error)
}

// JWTValidator validates HS256 tokens signed with a shared secret
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTValidator creates a new JWT validator with the given secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// ValidateToken validates a JWT token and extracts the user identity.
// It verifies the signature (HS256 only), expiry when present, and that a
// non-empty user id claim exists.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := v.parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})

	// No else needed: early return pattern (guard clause)
	if err != nil {
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		// No else needed: early return pattern (guard clause)
		if errors.Is(err, jwt.ErrSignatureInvalid) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// No else needed: early return pattern (guard clause)
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	// No else needed: early return pattern (guard clause)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	userID := extractUserID(mapClaims)
	// No else needed: early return pattern (guard clause)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId claim missing or invalid", ErrMissingClaims)
	}

	return &Claims{UserID: userID}, nil
}

func extractUserID(claims jwt.MapClaims) string {
	for _, name := range userIDClaims {
		if id, ok := claims[name].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
