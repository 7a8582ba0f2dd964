// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the structured access logger. Two
// privacy rules are enforced before anything reaches the log stream:
//
//   - The client IP is never logged in clear. Only the salted hash that
//     also keys the rate limiter appears in events.
//   - Obvious PII (emails, phone numbers, UUIDs) is scrubbed from query
//     strings and header values, and sensitive headers (Authorization,
//     Cookie, Set-Cookie, the CSRF header) are fully masked.
//
// The logger also attaches a request-scoped zerolog.Logger to the Gin
// context so downstream gates and handlers can emit audit events that
// carry the correlation id and hashed client identity.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders lists extra header names to replace with "[REDACTED]"
	// (case-insensitive, merged with the built-in sensitive set).
	MaskHeaders []string
	// IPHashSalt salts the client identity hash; must match the rate
	// limiter's salt so log events and limiter keys correlate.
	IPHashSalt string
	// Proxies resolves the client address. A nil policy trusts no proxies.
	Proxies *ProxyPolicy
}

// RedactingLogger returns a Gin middleware that logs HTTP requests and
// responses with sensitive values scrubbed, and stashes a request-scoped
// logger under the "logger" context key.
//
// Severity follows the outcome: INFO by default, WARN for 4xx, ERROR for
// 5xx or when Gin collected errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	// Compile regex patterns once.
	uuidRE := regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE := regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE := regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)

	redact := func(s string) string {
		if s == "" {
			return s
		}
		out := s
		// Order matters: IDs → email → phone (phone is the loosest).
		out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
		out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
		out = phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
		return out
	}

	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
		"x-csrf-token":  {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	policy := opts.Proxies
	if policy == nil {
		policy = &ProxyPolicy{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redact(c.Request.URL.RawQuery)

		ipHash := HashClientIdentity("http", opts.IPHashSalt, policy.ClientIP(c.Request))

		// Request-scoped logger for downstream audit events.
		l := log.With().
			Str("request_id", CorrelationID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("client_hash", ipHash).
			Logger()
		c.Set(loggerKey, &l)
		// Also attach to the request context so the service layer can emit
		// stage events through zerolog.Ctx.
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		// Scrub headers.
		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			keyLower := strings.ToLower(k)
			val := strings.Join(vv, ", ")
			if _, ok := maskHeaders[keyLower]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(val)
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()

		ev := l.Info()
		switch {
		case len(c.Errors) > 0 || status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}

		ev.
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", size).
			Dur("latency", latency).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
