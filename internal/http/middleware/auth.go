// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements session authentication for guarded routes. Sessions
// arrive as a signed JWT, either in the session cookie or as a Bearer
// token. The merge endpoint additionally requires the caller to be a full
// (non-anonymous) account: an anonymous session may be merged FROM, but it
// can never drive a merge itself.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/auth"
)

const (
	// identityKey is the Gin context key holding the verified auth.Identity.
	identityKey = "identity"
	// userIDKey mirrors the identity's ID for rate-limit keying.
	userIDKey = "userID"
)

// AuthOptions configures RequireSession.
type AuthOptions struct {
	// Sessions verifies session tokens; required.
	Sessions *auth.Sessions
	// Cookie is the session cookie name.
	Cookie string
	// RejectAnonymous rejects verified but anonymous identities with 403.
	RejectAnonymous bool
}

// RequireSession returns a Gin middleware that authenticates the request.
//
// A missing or invalid session yields 401 NOT_AUTHENTICATED. When
// RejectAnonymous is set, an anonymous identity yields 403 ANONYMOUS_CALLER.
// On success the identity is stored in the context for handlers and the
// rate limiter.
func RequireSession(opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := sessionToken(c, opts.Cookie)
		if raw == "" {
			reject(c, http.StatusUnauthorized, "NOT_AUTHENTICATED", "authentication required")
			return
		}

		id, err := opts.Sessions.Verify(raw, time.Now())
		if err != nil {
			reject(c, http.StatusUnauthorized, "NOT_AUTHENTICATED", "authentication required")
			return
		}

		if opts.RejectAnonymous && id.Anonymous {
			LoggerFrom(c).Warn().Msg("anonymous caller on authenticated route")
			reject(c, http.StatusForbidden, "ANONYMOUS_CALLER", "a full account is required")
			return
		}

		c.Set(identityKey, id)
		c.Set(userIDKey, id.ID)
		Stage(c, "authenticated")
		c.Next()
	}
}

// IdentityFrom returns the authenticated identity set by RequireSession.
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

// sessionToken extracts the raw session token from the cookie or, failing
// that, from a Bearer Authorization header.
func sessionToken(c *gin.Context, cookie string) string {
	if v, err := c.Cookie(cookie); err == nil && v != "" {
		return v
	}
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func reject(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": CorrelationID(c),
		"code":       code,
		"message":    msg,
	})
}
