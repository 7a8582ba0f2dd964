// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the correlation-id injector, a panic-safe recovery
// handler, and the request-scoped logger accessor. Every log line emitted
// while serving a request carries the correlation id assigned here, which
// is what ties the merge audit trail together.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the correlation id is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation id.
	requestIDHeader = "X-Request-ID"
	// loggerKey is the Gin context key for the request-scoped logger.
	loggerKey = "logger"
)

// RequestID attaches (or propagates) a correlation identifier per request.
//
// Behavior:
//   - If the incoming request has X-Request-ID, that value is reused so
//     upstream proxies can pre-assign ids. Otherwise a new UUIDv4 is
//     generated.
//   - The id is written back to the response header and stored in the Gin
//     context under the "requestID" key.
//
// Place this early in the chain so every subsequent middleware and handler
// can rely on the id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// CorrelationID returns the correlation id assigned by RequestID, or ""
// when the middleware did not run.
func CorrelationID(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500
// error carrying the correlation id.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := CorrelationID(c)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", rid).
					Msg("panic recovered")

				// Only write if nothing has been written yet.
				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "INTERNAL_ERROR",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger attached by
// RedactingLogger. A fallback logger without request fields is returned
// when none is attached, so callers never need a nil check.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// Stage emits one structured audit event for the request state machine
// (origin_checked, rate_limit_checked, authenticated, claim_verified,
// idempotency_checked, executing, completed, failed).
func Stage(c *gin.Context, stage string) {
	LoggerFrom(c).Info().Str("stage", stage).Msg("merge_protocol")
}

// asString converts an arbitrary interface to a string, returning an empty
// string when the value is not a string. Used for context values.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
