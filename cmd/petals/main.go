// Package main запускает HTTP-сервер лепестковой экономики.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/otakumori/petal-economy/internal/config"
	"github.com/otakumori/petal-economy/internal/handler"
	"github.com/otakumori/petal-economy/internal/jobs"
	"github.com/otakumori/petal-economy/internal/middleware"
	"github.com/otakumori/petal-economy/internal/ratelimit"
	"github.com/otakumori/petal-economy/internal/repository"
	"github.com/otakumori/petal-economy/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		sugar.Fatalw("tuning file error", "error", err.Error())
	}

	repo, err := newRepository(cfg, sugar)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	limitCfg := ratelimit.Config{
		BurstLimit:         cfg.RateLimitBurst,
		Window:             cfg.RateLimitWindow,
		SustainedPerSecond: cfg.RateLimitPerSecond,
	}
	fallback := ratelimit.NewMemoryLimiter(limitCfg)
	defer fallback.Close()

	var limiter ratelimit.Limiter = fallback
	if cfg.RedisURL != "" {
		client, err := newRedisClient(cfg.RedisURL, sugar)
		if err != nil {
			sugar.Fatalw("redis configuration error", "error", err.Error())
		}
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, "petals:rate_limit", limitCfg, fallback, logger)
	}

	svc := service.NewService(repo, limiter, logger, service.Options{
		Rewards:        tuning.Rewards,
		Limits:         tuning.Caps,
		Vouchers:       tuning.Vouchers,
		Location:       loc,
		TxTimeout:      cfg.TxTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.StorefrontToken == "" {
		sugar.Warnw("storefront token is not set, purchase rewards are disabled")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.StorefrontToken)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	scheduler := jobs.NewScheduler(svc, loc, logger)
	if err := scheduler.Start(ctx); err != nil {
		sugar.Fatalw("scheduler error", "error", err.Error())
	}

	g.Go(func() error {
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting petal economy server",
			"addr", cfg.RunAddress,
			"timezone", loc.String(),
			"user_daily_cap", tuning.Caps.UserDaily,
			"guest_lifetime_cap", tuning.Caps.GuestLifetime,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TxTimeout+5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newRepository(cfg *config.Config, sugar *zap.SugaredLogger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		return repository.NewMemoryRepository(), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func newRedisClient(url string, sugar *zap.SugaredLogger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		sugar.Warnw("redis is unreachable, rate limiter will fall back to in-process counters", "error", err.Error())
	}
	return client, nil
}
