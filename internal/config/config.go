// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, signing keys, rate
// limiting, and observability.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Execution modes. The mode is selected once at process start and controls
// every environment-gated branch (CSRF bypass, in-memory rate limiting,
// relaxed key requirements). There are no other runtime environment checks.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The allow-list
// doubles as the trusted-origin set for the merge endpoint's origin guard.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// MergeConfig holds settings for the anonymous-merge claim and its
// idempotent execution.
type MergeConfig struct {
	// SigningKeys maps key version to raw HMAC key bytes. Parsed from
	// MERGE_SIGNING_KEYS as "version:hex,version:hex". All listed non-active
	// versions form the retired-key rotation window.
	SigningKeys map[int][]byte
	// ActiveKeyVersion is the version used to sign newly issued claims.
	ActiveKeyVersion int
	// ClaimMaxAge bounds claim validity from issuance.
	ClaimMaxAge time.Duration
	// CookieName carries the signed claim on the client.
	CookieName string
	// IdempotencyTTL is the dedupe window for identical merge attempts.
	IdempotencyTTL time.Duration
	// TxTimeout bounds the merge transaction.
	TxTimeout time.Duration
}

// SessionConfig holds settings for the session JWTs that authenticate
// callers of the merge endpoint.
type SessionConfig struct {
	// Keys maps key id (JWT "kid") to raw HMAC key bytes. Parsed from
	// SESSION_KEYS as "kid:hex,kid:hex".
	Keys map[string][]byte
	// ActiveKeyID signs newly issued session tokens.
	ActiveKeyID string
	TTL         time.Duration
	CookieName  string
}

// CSRFConfig holds settings for the double-submit CSRF token.
type CSRFConfig struct {
	CookieName string
	Header     string
	// Bypass disables the CSRF check. It is honored only in development
	// mode; Load rejects it in production so a bypass can never ship active.
	Bypass bool
}

// RateLimitConfig holds settings for both limiters: the process-local
// token-bucket edge limiter and the shared-store sliding window that gates
// the merge endpoint.
type RateLimitConfig struct {
	// Edge limiter (token bucket, per process).
	RPS   float64 // tokens per second (>= 0)
	Burst int     // bucket size (>= 1)

	// Merge window limiter (shared store).
	Window       time.Duration
	Limit        int
	RedisAddr    string // empty selects the in-memory limiter (dev/test only)
	StoreTimeout time.Duration
	// HashSalt is mixed into the client-identity hash so raw IPs never
	// appear as store keys or in logs.
	HashSalt string
	// TrustedProxies lists CIDRs whose forwarded-for entries are believed.
	TrustedProxies []string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Execution mode
	Mode string // production|development

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Protocol
	Merge     MergeConfig
	Session   SessionConfig
	CSRF      CSRFConfig
	RateLimit RateLimitConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// devKey is the well-known development HMAC key used when no keys are
// configured. Load refuses to fall back to it in production mode.
var devKey = []byte("dev-insecure-merge-signing-key!!")

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Execution mode
		Mode: strings.ToLower(getenv("APP_MODE", ModeDevelopment)),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "app.db"),

		Merge: MergeConfig{
			ActiveKeyVersion: getint("MERGE_ACTIVE_KEY_VERSION", 1),
			ClaimMaxAge:      getdur("MERGE_CLAIM_MAX_AGE", time.Hour),
			CookieName:       getenv("MERGE_COOKIE_NAME", "merge_claim"),
			IdempotencyTTL:   getdur("MERGE_IDEMPOTENCY_TTL", 24*time.Hour),
			TxTimeout:        getdur("MERGE_TX_TIMEOUT", 5*time.Second),
		},
		Session: SessionConfig{
			ActiveKeyID: getenv("SESSION_ACTIVE_KEY_ID", "s1"),
			TTL:         getdur("SESSION_TTL", 30*24*time.Hour),
			CookieName:  getenv("SESSION_COOKIE_NAME", "session"),
		},
		CSRF: CSRFConfig{
			CookieName: getenv("CSRF_COOKIE_NAME", "csrf_token"),
			Header:     getenv("CSRF_HEADER", "X-CSRF-Token"),
			Bypass:     getbool("CSRF_BYPASS", false),
		},
		RateLimit: RateLimitConfig{
			RPS:            getfloat("RATE_RPS", 5.0),
			Burst:          getint("RATE_BURST", 10),
			Window:         getdur("MERGE_RATE_WINDOW", time.Minute),
			Limit:          getint("MERGE_RATE_LIMIT", 10),
			RedisAddr:      getenv("REDIS_ADDR", ""),
			StoreTimeout:   getdur("RATE_STORE_TIMEOUT", 2*time.Second),
			HashSalt:       getenv("CLIENT_HASH_SALT", "market-backend"),
			TrustedProxies: splitCSV(getenv("TRUSTED_PROXIES", "")),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-market-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	var err error
	cfg.Merge.SigningKeys, err = parseVersionedKeys(getenv("MERGE_SIGNING_KEYS", ""))
	if err != nil {
		return cfg, fmt.Errorf("MERGE_SIGNING_KEYS: %w", err)
	}
	cfg.Session.Keys, err = parseNamedKeys(getenv("SESSION_KEYS", ""))
	if err != nil {
		return cfg, fmt.Errorf("SESSION_KEYS: %w", err)
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if len(cfg.Merge.SigningKeys) == 0 && cfg.Mode == ModeDevelopment {
		cfg.Merge.SigningKeys = map[int][]byte{cfg.Merge.ActiveKeyVersion: devKey}
	}
	if len(cfg.Session.Keys) == 0 && cfg.Mode == ModeDevelopment {
		cfg.Session.Keys = map[string][]byte{cfg.Session.ActiveKeyID: devKey}
	}

	// --- validation ---
	switch cfg.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		return cfg, errors.New("APP_MODE must be production or development")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if len(cfg.Merge.SigningKeys) == 0 {
		return cfg, errors.New("MERGE_SIGNING_KEYS is required in production")
	}
	if _, ok := cfg.Merge.SigningKeys[cfg.Merge.ActiveKeyVersion]; !ok {
		return cfg, errors.New("MERGE_ACTIVE_KEY_VERSION must reference a configured key")
	}
	if cfg.Merge.ClaimMaxAge <= 0 {
		return cfg, errors.New("MERGE_CLAIM_MAX_AGE must be > 0")
	}
	if cfg.Merge.IdempotencyTTL <= 0 {
		return cfg, errors.New("MERGE_IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Merge.TxTimeout <= 0 {
		return cfg, errors.New("MERGE_TX_TIMEOUT must be > 0")
	}
	if len(cfg.Session.Keys) == 0 {
		return cfg, errors.New("SESSION_KEYS is required in production")
	}
	if _, ok := cfg.Session.Keys[cfg.Session.ActiveKeyID]; !ok {
		return cfg, errors.New("SESSION_ACTIVE_KEY_ID must reference a configured key")
	}
	if cfg.Session.TTL <= 0 {
		return cfg, errors.New("SESSION_TTL must be > 0")
	}
	if cfg.CSRF.Bypass && cfg.Mode == ModeProduction {
		return cfg, errors.New("CSRF_BYPASS is not allowed in production")
	}
	if cfg.RateLimit.RPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateLimit.Burst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.RateLimit.Window <= 0 || cfg.RateLimit.Limit < 1 {
		return cfg, errors.New("merge rate window must be > 0 and limit >= 1")
	}
	if cfg.RateLimit.StoreTimeout <= 0 {
		return cfg, errors.New("RATE_STORE_TIMEOUT must be > 0")
	}
	if cfg.RateLimit.RedisAddr == "" && cfg.Mode == ModeProduction {
		return cfg, errors.New("REDIS_ADDR is required in production (rate limiting needs a shared store)")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseVersionedKeys parses "1:<hex>,2:<hex>" into version→key bytes.
func parseVersionedKeys(s string) (map[int][]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[int][]byte)
	for _, part := range splitCSV(s) {
		ver, raw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q must be version:hex", part)
		}
		v, err := strconv.Atoi(strings.TrimSpace(ver))
		if err != nil {
			return nil, fmt.Errorf("entry %q: version must be an integer", part)
		}
		key, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("entry %q: key must be hex", part)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("entry %q: key must be at least 16 bytes", part)
		}
		out[v] = key
	}
	return out, nil
}

// parseNamedKeys parses "s1:<hex>,s2:<hex>" into kid→key bytes.
func parseNamedKeys(s string) (map[string][]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[string][]byte)
	for _, part := range splitCSV(s) {
		kid, raw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q must be kid:hex", part)
		}
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, fmt.Errorf("entry %q: kid must not be empty", part)
		}
		key, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("entry %q: key must be hex", part)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("entry %q: key must be at least 16 bytes", part)
		}
		out[kid] = key
	}
	return out, nil
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
