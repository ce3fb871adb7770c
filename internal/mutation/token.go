package mutation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// TokenKind distinguishes confirm tokens from undo tokens. Each kind signs
// with its own derived key, so a confirm token never verifies as an undo
// token even when the claims coincide.
type TokenKind string

const (
	TokenConfirm TokenKind = "confirm"
	TokenUndo    TokenKind = "undo"
)

type tokenClaims struct {
	Kind TokenKind `json:"knd"`
	jwt.RegisteredClaims
}

// Signer mints and verifies mutation tokens.
type Signer struct {
	keys map[TokenKind][]byte
}

// NewSigner derives per-kind HS256 keys from secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("mutation: token secret is empty")
	}
	s := &Signer{keys: make(map[TokenKind][]byte, 2)}
	for _, kind := range []TokenKind{TokenConfirm, TokenUndo} {
		key := make([]byte, 32)
		r := hkdf.New(sha256.New, secret, nil, []byte("conductor/mutation/"+string(kind)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("mutation: derive %s key: %w", kind, err)
		}
		s.keys[kind] = key
	}
	return s, nil
}

// Mint signs (mutationID, sessionID, kind, at).
func (s *Signer) Mint(kind TokenKind, mutationID, sessionID string, at time.Time) (string, error) {
	key, ok := s.keys[kind]
	if !ok {
		return "", fmt.Errorf("mutation: unknown token kind %q", kind)
	}
	claims := tokenClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       mutationID,
			Subject:  sessionID,
			IssuedAt: jwt.NewNumericDate(at),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("mutation: sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify checks that token was minted for exactly this mutation, session,
// kind and timestamp. Any mismatch wraps ErrTokenMismatch.
func (s *Signer) Verify(token string, kind TokenKind, mutationID, sessionID string, at time.Time) error {
	key, ok := s.keys[kind]
	if !ok {
		return fmt.Errorf("mutation: unknown token kind %q", kind)
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenMismatch, err)
	}
	if claims.Kind != kind || claims.ID != mutationID || claims.Subject != sessionID ||
		claims.IssuedAt == nil || claims.IssuedAt.Unix() != at.Unix() {
		return ErrTokenMismatch
	}
	return nil
}
