// Package services – SessionService
//
// This file implements the SessionService, which bootstraps browser
// sessions. An anonymous visitor receives three credentials in one shot: a
// session token naming the fresh anonymous identity, a signed merge claim
// proving custody of that identity for a later merge, and a CSRF token for
// state-changing calls. Logging in issues a full-account session and CSRF
// token while the merge claim cookie carries the anonymous identity across
// the authentication boundary.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mvasilakis/go-market-backend/internal/auth"
	"github.com/mvasilakis/go-market-backend/internal/token"
)

// ErrInvalidUser is returned by Login for a blank or malformed user id.
var ErrInvalidUser = errors.New("invalid user")

// SessionCredentials bundles everything a browser needs after a session
// bootstrap. MergeClaim is empty for full-account sessions.
type SessionCredentials struct {
	Identity   auth.Identity
	Session    string
	MergeClaim string
	CSRF       string
}

// SessionService issues sessions and their companion tokens.
type SessionService struct {
	// Sessions signs and verifies session tokens.
	Sessions *auth.Sessions
	// Claims signs merge claims and CSRF tokens.
	Claims *token.Keyring
}

// StartAnonymous mints a fresh anonymous identity with its session, merge
// claim, and CSRF token.
func (s *SessionService) StartAnonymous(ctx context.Context) (*SessionCredentials, error) {
	_, span := otel.Tracer("services/SessionService").Start(ctx, "StartAnonymous")
	defer span.End()

	id := auth.Identity{ID: uuid.NewString(), Anonymous: true}
	now := time.Now()

	sess, err := s.Sessions.Issue(id, now)
	if err != nil {
		return nil, err
	}
	claim, err := s.Claims.Issue(id.ID, now)
	if err != nil {
		return nil, err
	}
	csrf, err := s.Claims.NewCSRFToken(id.ID)
	if err != nil {
		return nil, err
	}
	return &SessionCredentials{Identity: id, Session: sess, MergeClaim: claim, CSRF: csrf}, nil
}

// Login issues a full-account session for userID.
//
// There is no password check here: account verification is delegated to the
// identity provider fronting this service, which forwards the verified user
// id. The method still rejects blank ids so a broken upstream cannot mint
// sessions for the empty identity.
func (s *SessionService) Login(ctx context.Context, userID string) (*SessionCredentials, error) {
	_, span := otel.Tracer("services/SessionService").Start(ctx, "Login",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" || strings.ContainsAny(userID, " \t\r\n") {
		return nil, ErrInvalidUser
	}

	id := auth.Identity{ID: userID}
	sess, err := s.Sessions.Issue(id, time.Now())
	if err != nil {
		return nil, err
	}
	csrf, err := s.Claims.NewCSRFToken(id.ID)
	if err != nil {
		return nil, err
	}
	return &SessionCredentials{Identity: id, Session: sess, CSRF: csrf}, nil
}
