package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goredis "github.com/redis/go-redis/v9"
	"github.com/studentbridge/delivery-engine/internal/breaker"
	"github.com/studentbridge/delivery-engine/internal/config"
	"github.com/studentbridge/delivery-engine/internal/domain"
	"github.com/studentbridge/delivery-engine/internal/handler"
	"github.com/studentbridge/delivery-engine/internal/infra/postgresql"
	"github.com/studentbridge/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/studentbridge/delivery-engine/internal/infra/redis"
	"github.com/studentbridge/delivery-engine/internal/observability"
	"github.com/studentbridge/delivery-engine/internal/ratelimit"
	"github.com/studentbridge/delivery-engine/internal/rules"
	"github.com/studentbridge/delivery-engine/internal/scheduler"
	"github.com/studentbridge/delivery-engine/internal/sender"
	"github.com/studentbridge/delivery-engine/internal/service"
	"github.com/studentbridge/delivery-engine/internal/stats"
	pgstore "github.com/studentbridge/delivery-engine/internal/store/postgres"
	"github.com/studentbridge/delivery-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *goredis.Client
	var rateLimiter ratelimit.RateLimiter = ratelimit.NewNopLimiter()
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		rateLimiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
	} else {
		logger.Warn("no redis url configured, outbound rate limiting disabled")
	}

	deliveryStore := pgstore.NewGormDeliveryStore(db)
	attemptStore := pgstore.NewGormAttemptStore(db)

	ruleRegistry := rules.NewRegistry()
	breakers := breaker.NewManager(ruleRegistry, attemptStore, logger)

	webhookSender, err := sender.NewWebhookSender(cfg.WebhookGatewayURL)
	if err != nil {
		logger.Fatal("webhook sender initialization failed", zap.Error(err))
	}
	senders := sender.NewRegistry()
	for _, channel := range domain.Channels() {
		senders.Register(channel, webhookSender)
	}

	retryScheduler, err := scheduler.NewRetryScheduler(
		ruleRegistry,
		breakers,
		deliveryStore,
		senders,
		rateLimiter,
		logger,
	)
	if err != nil {
		logger.Fatal("retry scheduler initialization failed", zap.Error(err))
	}

	aggregator, err := stats.NewAggregator(deliveryStore, breakers, cfg.StatsCacheTTL, logger)
	if err != nil {
		logger.Fatal("stats aggregator initialization failed", zap.Error(err))
	}

	deliveryService, err := service.NewDeliveryService(
		deliveryStore,
		attemptStore,
		ruleRegistry,
		breakers,
		retryScheduler,
		aggregator,
		logger,
	)
	if err != nil {
		logger.Fatal("delivery service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	deliveryService.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterDeliveryRoutes(app, deliveryService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("delivery-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		deliveryService.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("delivery-engine api stopped with error", zap.Error(err))
	}
	logger.Info("delivery-engine api stopped")
}
