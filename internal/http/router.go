// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and both rate limiters.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Cross-site gates run before anything that touches state
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/mvasilakis/go-market-backend/internal/auth"
	"github.com/mvasilakis/go-market-backend/internal/config"
	"github.com/mvasilakis/go-market-backend/internal/http/handlers"
	"github.com/mvasilakis/go-market-backend/internal/http/middleware"
	"github.com/mvasilakis/go-market-backend/internal/ratelimit"
	"github.com/mvasilakis/go-market-backend/internal/services"
	"github.com/mvasilakis/go-market-backend/internal/token"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. limiter backs the sliding-window gate on the merge endpoint; the
// caller chooses Redis or in-memory per configuration.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip
//  8. CORS (credentialed, explicit allowlist) and security headers
//  9. Edge token-bucket rate limiter per user/IP
//
// The merge route adds its own gate chain on top: origin/CSRF guard, then
// the sliding-window limiter, then session authentication. Cross-site
// requests are rejected before a single counter or row is touched.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, limiter ratelimit.Limiter, cfg config.Config) error {
	r.HandleMethodNotAllowed = true

	proxies, err := middleware.NewProxyPolicy(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return err
	}
	claims, err := token.NewKeyring(cfg.Merge.SigningKeys, cfg.Merge.ActiveKeyVersion, cfg.Merge.ClaimMaxAge)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessions(cfg.Session.Keys, cfg.Session.ActiveKeyID, cfg.Session.TTL)
	if err != nil {
		return err
	}

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{cfg.CSRF.Header},
		IPHashSalt:  cfg.RateLimit.HashSalt,
		Proxies:     proxies,
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Response compression
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 8) CORS posture. Sessions travel as cookies, so credentials must be
	// allowed, which in turn requires an explicit origin allowlist; the
	// wildcard fallback exists for development only and still echoes the
	// request origin rather than "*".
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", cfg.CSRF.Header},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsCfg.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	// The CORS middleware answers preflights itself, before any group-level
	// cache headers run, so mark them no-store here.
	r.Use(preflightNoStore())
	r.Use(cors.New(corsCfg))

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// 9) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst,
		middleware.KeyByUserOrIP(proxies, cfg.RateLimit.HashSalt))
	r.Use(rl.Handler())

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← db/keys
	mergeSvc := services.NewMergeService(db)
	mergeSvc.IdempotencyTTL = cfg.Merge.IdempotencyTTL
	mergeSvc.TxTimeout = cfg.Merge.TxTimeout
	sessSvc := &services.SessionService{Sessions: sessions, Claims: claims}

	h := handlers.New(mergeSvc, sessSvc, claims, handlers.CookieSettings{
		Session:    cfg.Session.CookieName,
		MergeClaim: cfg.Merge.CookieName,
		CSRF:       cfg.CSRF.CookieName,
		SessionTTL: cfg.Session.TTL,
		ClaimTTL:   cfg.Merge.ClaimMaxAge,
		Secure:     cfg.Mode == config.ModeProduction,
	})

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Session bootstrap. Credential responses must never be cached.
		session := api.Group("/session", noStore())
		session.POST("/anonymous", h.StartAnonymous)
		session.POST("/login", h.Login)

		// The merge endpoint sits behind the full gate chain.
		merge := session.Group("")
		merge.Use(middleware.OriginGuard(middleware.OriginOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			Keyring:        claims,
			CSRFCookie:     cfg.CSRF.CookieName,
			CSRFHeader:     cfg.CSRF.Header,
			Bypass:         cfg.CSRF.Bypass,
		}))
		merge.Use(middleware.WindowLimit(middleware.WindowOptions{
			Limiter:  limiter,
			Limit:    cfg.RateLimit.Limit,
			Action:   "merge-anonymous",
			HashSalt: cfg.RateLimit.HashSalt,
			Proxies:  proxies,
		}))
		merge.Use(middleware.RequireSession(middleware.AuthOptions{
			Sessions:        sessions,
			Cookie:          cfg.Session.CookieName,
			RejectAnonymous: true,
		}))
		merge.POST("/merge-anonymous", h.MergeAnonymous)
	}

	return nil
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// preflightNoStore sets the no-store header on OPTIONS requests ahead of the
// CORS middleware, which aborts preflights without running later middleware.
func preflightNoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Writer.Header().Set("Cache-Control", "no-store")
		}
		c.Next()
	}
}

// noStore keeps credential-bearing responses out of shared caches.
func noStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-store")
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
