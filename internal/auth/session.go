// Package auth issues and verifies the session tokens that identify callers
// of the API. Sessions are HS256 JWTs carrying the identity id and an
// "anon" marker; the signing keys live in a kid-indexed ring so sessions
// survive key rotation. The merge endpoint trusts only this verification,
// never client-supplied identifiers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession is returned for missing, malformed, expired, or
// wrongly-signed session tokens.
var ErrInvalidSession = errors.New("invalid session")

// Identity is the server-side view of a caller. Anonymous identities are
// created by the anonymous-session bootstrap and can never be a merge
// target.
type Identity struct {
	ID        string
	Anonymous bool
}

// Sessions issues and verifies session JWTs.
type Sessions struct {
	keys      map[string][]byte
	activeKID string
	ttl       time.Duration
}

// NewSessions builds a session signer from kid→key material.
func NewSessions(keys map[string][]byte, activeKID string, ttl time.Duration) (*Sessions, error) {
	if len(keys) == 0 {
		return nil, errors.New("auth: session keys are required")
	}
	if _, ok := keys[activeKID]; !ok {
		return nil, fmt.Errorf("auth: active session key %q is not configured", activeKID)
	}
	if ttl <= 0 {
		return nil, errors.New("auth: session ttl must be positive")
	}
	return &Sessions{keys: keys, activeKID: activeKID, ttl: ttl}, nil
}

// Issue signs a session token for id, valid from now for the configured TTL.
func (s *Sessions) Issue(id Identity, now time.Time) (string, error) {
	if strings.TrimSpace(id.ID) == "" {
		return "", errors.New("auth: identity id is required")
	}
	claims := jwt.MapClaims{
		"sub":  id.ID,
		"anon": id.Anonymous,
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = s.activeKID
	return tok.SignedString(s.keys[s.activeKID])
}

// Verify parses and validates a session token, returning the caller
// identity. Any failure maps to ErrInvalidSession; callers do not need to
// distinguish the cause.
func (s *Sessions) Verify(raw string, now time.Time) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrInvalidSession
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := s.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown session key id %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return Identity{}, ErrInvalidSession
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidSession
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, ErrInvalidSession
	}
	anon, _ := claims["anon"].(bool)
	return Identity{ID: sub, Anonymous: anon}, nil
}
