package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved result of a successful handshake.
type Identity struct {
	UserID string
	Role   string
}

// Known roles. Role strings come from the identity provider and are treated as
// opaque beyond this set.
const (
	RoleMember  = "member"
	RolePatrol  = "patrol"
	RoleAdmin   = "admin"
	RoleUnknown = ""
)

// TokenVerifier validates an opaque credential issued by the external identity
// provider and resolves it to an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HS256 tokens signed by the identity provider.
type JWTVerifier struct {
	key []byte
}

// Claims is the expected token claim set.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTVerifier constructs a verifier for the provider's shared HMAC key.
func NewJWTVerifier(key []byte) (*JWTVerifier, error) {
	if len(key) == 0 {
		return nil, errors.New("realtime: empty verification key")
	}
	return &JWTVerifier{key: key}, nil
}

// Verify parses and validates a token, returning the embedded identity.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrAuthFailed)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrAuthFailed)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no user id", ErrAuthFailed)
	}

	role := strings.TrimSpace(claims.Role)
	if role == RoleUnknown {
		role = RoleMember
	}

	return Identity{UserID: userID, Role: role}, nil
}

// StaticVerifier resolves tokens from a fixed map. Dev and test use only.
type StaticVerifier map[string]Identity

// Verify resolves the token against the fixed map.
func (v StaticVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := v[strings.TrimSpace(token)]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrAuthFailed)
	}
	return id, nil
}
