// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the shared-store sliding-window gate in front of the
// anonymous-account merge endpoint. The edge token bucket in ratelimit.go
// absorbs bursts per process; this gate enforces the global per-client
// attempt budget across all instances by counting in Redis (or an in-memory
// window in development).
//
// The gate fails closed: if the counter store cannot be reached the request
// is rejected with 503 rather than admitted unlimited.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mvasilakis/go-market-backend/internal/ratelimit"
)

// WindowOptions configures WindowLimit.
type WindowOptions struct {
	// Limiter counts attempts per key; required.
	Limiter ratelimit.Limiter
	// Limit is the attempt budget per window; values <= 0 are coerced to 1.
	Limit int
	// Action scopes the hashed client identity so different guarded actions
	// never share a counter.
	Action string
	// HashSalt salts the client identity hash.
	HashSalt string
	// Proxies resolves the client address; nil trusts no proxies.
	Proxies *ProxyPolicy
}

// WindowLimit returns a Gin middleware that enforces a per-client attempt
// budget over a sliding window, keyed by a salted hash of the client address.
//
// A denied request receives:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: <seconds>
//	{
//	  "request_id":         "<uuid>",
//	  "code":               "RATE_LIMITED",
//	  "message":            "too many merge attempts",
//	  "remaining_attempts": 0,
//	  "reset_in_seconds":   <n>,
//	  "retry_after":        <n>
//	}
//
// A store failure yields 503 with code STORE_UNAVAILABLE so clients retry
// later instead of hammering an unguarded endpoint.
func WindowLimit(opts WindowOptions) gin.HandlerFunc {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	policy := opts.Proxies
	if policy == nil {
		policy = &ProxyPolicy{}
	}

	return func(c *gin.Context) {
		key := HashClientIdentity(opts.Action, opts.HashSalt, policy.ClientIP(c.Request))

		dec, err := opts.Limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			LoggerFrom(c).Error().Err(err).Msg("rate limit store unavailable")
			CountMerge("error")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"request_id": CorrelationID(c),
				"code":       "STORE_UNAVAILABLE",
				"message":    "try again later",
			})
			return
		}

		Stage(c, "rate_limit_checked")

		if !dec.Allowed {
			resetIn := dec.ResetIn(time.Now())
			CountMerge("rate_limited")
			c.Header("Retry-After", strconv.Itoa(resetIn))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id":         CorrelationID(c),
				"code":               "RATE_LIMITED",
				"message":            "too many merge attempts",
				"remaining_attempts": 0,
				"reset_in_seconds":   resetIn,
				"retry_after":        resetIn,
			})
			return
		}

		c.Next()
	}
}
