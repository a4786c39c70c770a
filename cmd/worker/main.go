package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/config"
	"github.com/vibethread/storefront/internal/events"
	"github.com/vibethread/storefront/internal/lock"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/orders"
	"github.com/vibethread/storefront/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	if err := cfg.RequireRedis(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	api, err := backend.New(backend.Options{
		BaseURL:        cfg.BackendBaseURL,
		Timeout:        cfg.HTTPClientTimeout,
		MaxAttempts:    cfg.HTTPClientMaxAttempts,
		Backoff:        cfg.HTTPClientBackoff,
		Jitter:         cfg.HTTPClientJitter,
		BreakerMinReq:  cfg.BreakerMinRequests,
		BreakerRatio:   cfg.BreakerFailureRatio,
		BreakerOpenFor: cfg.BreakerOpenFor,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise backend client")
	}

	kvOf := func(session string) storage.KV {
		return storage.RedisKV{Client: redisClient, TTL: cfg.CartTTL}.ForSession(session)
	}
	hook := events.WebhookNotifier{
		URL:       cfg.WebhookURL,
		Secret:    cfg.WebhookSecret,
		Topics:    cfg.WebhookTopics,
		Client:    events.WebhookClient(cfg.WebhookTimeout),
		Replay:    redisClient,
		ReplayTTL: 24 * time.Hour,
	}
	watcher := &orders.Watcher{
		Orders:   orders.Service{Backend: api, Logger: logger},
		Targets:  orders.RedisTargets{Client: redisClient, KV: kvOf},
		Interval: cfg.OrderPollInterval,
		Locker:   &lock.Locker{R: redisClient, TTL: cfg.OrderPollInterval},
		Seen:     redisClient,
		Logger:   logger,
		Bus:      &events.Bus{Notifiers: events.DefaultNotifiers(redisClient, logger, hook)},
	}

	logger.Info().Dur("interval", cfg.OrderPollInterval).Msg("worker starting")
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
