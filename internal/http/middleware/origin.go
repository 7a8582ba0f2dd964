// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the cross-site gate that fronts state-changing
// session routes: an Origin/Referer allow-list check plus a signed
// double-submit CSRF token. Both checks run before any authentication or
// state access, so a cross-site request never touches a session, a rate
// counter, or the database.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/token"
)

// OriginOptions configures OriginGuard.
type OriginOptions struct {
	// AllowedOrigins lists origins (scheme://host[:port]) permitted to call
	// the guarded routes. Comparison is exact after normalization.
	AllowedOrigins []string
	// Keyring verifies the signed CSRF token; required unless Bypass.
	Keyring *token.Keyring
	// CSRFCookie is the cookie carrying the CSRF token.
	CSRFCookie string
	// CSRFHeader is the request header the client echoes the token in.
	CSRFHeader string
	// Bypass disables both checks. Config validation only permits it in
	// development mode.
	Bypass bool
}

// OriginGuard returns a Gin middleware enforcing the allow-list and the
// double-submit CSRF token.
//
// Origin check: a present Origin header must match an allowed origin
// exactly. When Origin is absent (older browsers, some same-origin
// navigations) the Referer origin is checked instead. A request carrying
// neither header skips the origin check and is gated by the CSRF token
// alone, so non-browser clients with valid cookies are not locked out.
//
// CSRF check: the token must arrive both as a cookie and as a header, the
// two copies must match, and the signature must verify against the keyring.
// Matching copies alone are not enough; a forged pair with a bad signature
// is rejected. The identity the token was minted for is stored on the
// context for handlers to cross-check via CSRFIdentity.
//
// Rejections are 403 with code ORIGIN_FORBIDDEN or CSRF_FORBIDDEN.
func OriginGuard(opts OriginOptions) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		if opts.Bypass {
			Stage(c, "origin_checked")
			c.Next()
			return
		}

		origin, present := requestOrigin(c.Request)
		if present {
			if _, ok := allowed[origin]; !ok {
				LoggerFrom(c).Warn().Str("origin", origin).Msg("origin rejected")
				CountMerge("rejected_origin")
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"request_id": CorrelationID(c),
					"code":       "ORIGIN_FORBIDDEN",
					"message":    "request origin not allowed",
				})
				return
			}
		}

		cookieTok, err := c.Cookie(opts.CSRFCookie)
		headerTok := c.GetHeader(opts.CSRFHeader)
		if err != nil || cookieTok == "" || headerTok == "" ||
			subtle.ConstantTimeCompare([]byte(cookieTok), []byte(headerTok)) != 1 {
			rejectCSRF(c)
			return
		}
		boundID, ok := opts.Keyring.VerifyCSRFToken(headerTok)
		if !ok {
			rejectCSRF(c)
			return
		}
		c.Set(csrfIdentityKey, boundID)

		Stage(c, "origin_checked")
		c.Next()
	}
}

func rejectCSRF(c *gin.Context) {
	LoggerFrom(c).Warn().Msg("csrf token rejected")
	CountMerge("rejected_csrf")
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"request_id": CorrelationID(c),
		"code":       "CSRF_FORBIDDEN",
		"message":    "missing or invalid csrf token",
	})
}

const csrfIdentityKey = "csrfIdentity"

// CSRFIdentity returns the identity id the verified CSRF token was minted
// for, or "" when the guard did not run (bypass mode, untouched routes).
func CSRFIdentity(c *gin.Context) string {
	return c.GetString(csrfIdentityKey)
}

// requestOrigin extracts the caller's origin, preferring the Origin header
// and falling back to the Referer's scheme://host. present reports whether
// either header carried one; requests with neither (non-browser clients)
// are not subject to the allow-list.
func requestOrigin(r *http.Request) (origin string, present bool) {
	if o := r.Header.Get("Origin"); o != "" {
		// "null" is what browsers send for opaque origins; it is present
		// but never allow-listed.
		return normalizeOrigin(o), true
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
			return normalizeOrigin(u.Scheme + "://" + u.Host), true
		}
	}
	return "", false
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
