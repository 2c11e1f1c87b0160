// keygate is the identity and access-control service: registration,
// OTP-gated login, refresh-token rotation with reuse detection, and
// distributed rate limiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keygate-dev/keygate/internal/auth"
	"github.com/keygate-dev/keygate/internal/cache"
	"github.com/keygate-dev/keygate/internal/config"
	"github.com/keygate-dev/keygate/internal/httpapi"
	"github.com/keygate-dev/keygate/internal/mailer"
	"github.com/keygate-dev/keygate/internal/metrics"
	"github.com/keygate-dev/keygate/internal/password"
	"github.com/keygate-dev/keygate/internal/rate"
	"github.com/keygate-dev/keygate/internal/store/mongostore"
	"github.com/keygate-dev/keygate/internal/token"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelDebug
	if cfg.Production {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := mongostore.Connect(ctx, mongostore.Config{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
		Timeout:  cfg.MongoTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(shutdownCtx)
	}()

	redisClient, err := cache.Connect(ctx, cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Timeout:  cfg.RedisTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init hasher: %w", err)
	}

	tokens, err := token.NewManager(token.Config{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		AccessTTL: cfg.AccessTTL,
		Leeway:    cfg.TokenLeeway,
	})
	if err != nil {
		return fmt.Errorf("init token manager: %w", err)
	}

	dispatcher := mailer.NewDispatcher(mailer.LogSender{Logger: logger}, 256, logger)
	defer dispatcher.Close()

	counters := metrics.New()

	authSvc := auth.New(st, redisClient, hasher, tokens, dispatcher, counters, logger, auth.Config{
		OtpDigits:           cfg.OtpDigits,
		OtpTTL:              cfg.OtpTTL,
		OtpMaxAttempts:      cfg.OtpMaxAttempts,
		ResendLockTTL:       cfg.ResendLockTTL,
		FailedLoginAttempts: cfg.FailedLoginAttempts,
		AccountLockDuration: cfg.AccountLockDuration,
		RefreshTTL:          cfg.RefreshTTL,
	})

	globalLimiter := rate.New(redisClient.Scripter(), rate.Config{
		Limit:         cfg.GlobalRate.Limit,
		Window:        cfg.GlobalRate.Window,
		SubWindow:     cfg.GlobalRate.SubWindow,
		LogThrottle:   cfg.GlobalRate.LogThrottle,
		ScriptTimeout: cfg.GlobalRate.ScriptTimeout,
	}, logger)
	userLimiter := rate.New(redisClient.Scripter(), rate.Config{
		Limit:         cfg.UserRate.Limit,
		Window:        cfg.UserRate.Window,
		SubWindow:     cfg.UserRate.SubWindow,
		LogThrottle:   cfg.UserRate.LogThrottle,
		ScriptTimeout: cfg.UserRate.ScriptTimeout,
	}, logger)

	api := httpapi.New(
		authSvc, st, redisClient, tokens, counters, logger,
		globalLimiter, userLimiter, cfg.Production,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "production", cfg.Production)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
