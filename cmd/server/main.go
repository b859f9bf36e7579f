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

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/heartbridge/backend/internal/broker"
	"github.com/heartbridge/backend/internal/config"
	"github.com/heartbridge/backend/internal/crypto"
	"github.com/heartbridge/backend/internal/logging"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/middleware"
	"github.com/heartbridge/backend/internal/router"
	scrub "github.com/heartbridge/backend/internal/sentry"
	"github.com/heartbridge/backend/internal/services"
)

func main() {
	// Initialize structured logging (reads LOGGING_LEVEL env var)
	logging.Initialize()

	// Load configuration
	cfg := config.Load()

	if err := run(cfg); err != nil {
		slog.Error("server failed", slog.Any("error", logging.WrapError(err, "server failed")))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:                   cfg.SentryDSN,
			Environment:           cfg.SentryEnvironment,
			BeforeSend:            scrub.ScrubEvent,
			BeforeSendTransaction: scrub.ScrubTransaction,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	signingKey, err := crypto.DeriveSigningKey(cfg.TokenSecret, cfg.TokenSalt)
	if err != nil {
		return fmt.Errorf("failed to derive token signing key: %w", err)
	}

	clock := clockwork.NewRealClock()
	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	tokens := services.NewTokenService(signingKey, cfg.TokenIssuer, cfg.GracePeriod, clock)
	store := services.NewPerformanceStore(tokens, services.NewIDGenerator(), broker.New(m), clock, limitsFromConfig(cfg), m)
	sweeper := services.NewSweeper(store, clock, cfg.SweepInterval)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, clock, m)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.New(cfg, router.Deps{
			Store:    store,
			Limiter:  limiter,
			Metrics:  m,
			Registry: registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func limitsFromConfig(cfg *config.Config) services.Limits {
	return services.Limits{
		MaxFieldLength:  cfg.MaxFieldLength,
		PastTolerance:   cfg.PastTolerance,
		FutureLimit:     cfg.FutureLimit,
		DefaultDuration: cfg.DefaultDuration,
		MaxDuration:     cfg.MaxDuration,
		GracePeriod:     cfg.GracePeriod,
	}
}
