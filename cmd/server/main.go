// Command server runs the marketplace backend HTTP API.
//
// Startup order matters: configuration first, then logging, then tracing,
// then storage, then the limiter, and only then the listener. Shutdown walks
// the same chain in reverse so in-flight merges finish before the database
// closes.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mvasilakis/go-market-backend/internal/config"
	httpapi "github.com/mvasilakis/go-market-backend/internal/http"
	"github.com/mvasilakis/go-market-backend/internal/observability"
	"github.com/mvasilakis/go-market-backend/internal/ratelimit"
	"github.com/mvasilakis/go-market-backend/internal/repo"
	"github.com/mvasilakis/go-market-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	gin.SetMode(cfg.GinMode)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath, cfg.OTEL.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	log.Info().Str("path", cfg.DBPath).Msg("database ready")

	limiter, closeLimiter, err := buildLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	r := gin.New()
	if err := httpapi.RegisterRoutes(r, db, limiter, cfg); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("mode", cfg.Mode).
			Str("version", version).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildLimiter selects the shared-store window limiter. Redis is mandatory in
// production (config.Load enforces it); the in-memory limiter only serves
// single-process development runs.
func buildLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR not set, using in-memory rate limiter")
		return ratelimit.NewInMemory(cfg.Window), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("rate limit store connected")

	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	return ratelimit.NewRedis(client, cfg.Window, cfg.StoreTimeout), closeFn, nil
}
