// Package auth issues and validates the bearer tokens that identify the
// actor behind an HTTP or MCP request. Tokens are HS256 JWTs carrying the
// actor's class and mutation permissions, which flow into run policy and
// the mutation guard.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
)

const (
	issuer   = "conductor"
	audience = "conductor"
)

// ErrNoSecret is returned when issuing a token without a signing secret.
var ErrNoSecret = errors.New("auth: no signing secret configured")

// Claims extends jwt.RegisteredClaims with the actor's permission set.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID     string           `json:"workspace_id,omitempty"`
	Class           model.ActorClass `json:"class"`
	CanMutate       bool             `json:"can_mutate"`
	AllowedSections []string         `json:"allowed_sections,omitempty"`
}

// Actor converts claims into the engine's actor.
func (c *Claims) Actor() model.Actor {
	return model.Actor{
		ID:              c.Subject,
		Class:           c.Class,
		CanMutate:       c.CanMutate,
		AllowedSections: c.AllowedSections,
	}
}

// DevActor is the identity used when auth is disabled.
func DevActor() model.Actor {
	return model.Actor{ID: "dev", Class: model.ActorOwner, CanMutate: true}
}

// JWTManager signs and validates HS256 tokens with a shared secret.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager returns a manager for secret. An empty secret yields a
// manager that is Disabled.
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Disabled reports whether requests run as DevActor without a token.
func (m *JWTManager) Disabled() bool {
	return m == nil || len(m.secret) == 0
}

// IssueToken creates a signed token for actor.
func (m *JWTManager) IssueToken(actor model.Actor, workspaceID string) (string, time.Time, error) {
	if m.Disabled() {
		return "", time.Time{}, ErrNoSecret
	}
	now := m.now()
	exp := now.Add(m.expiration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		WorkspaceID:     workspaceID,
		Class:           actor.Class,
		CanMutate:       actor.CanMutate,
		AllowedSections: actor.AllowedSections,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token, returning its claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	if m.Disabled() {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}
	switch claims.Class {
	case model.ActorOwner, model.ActorAdmin, model.ActorMember, model.ActorViewer:
	default:
		return nil, fmt.Errorf("auth: unknown actor class %q", claims.Class)
	}
	return claims, nil
}
