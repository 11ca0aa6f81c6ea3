package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/reminder-engine/internal/app"
	"github.com/kursadbilgin/reminder-engine/internal/config"
	"github.com/kursadbilgin/reminder-engine/internal/events"
	"github.com/kursadbilgin/reminder-engine/internal/handler"
	"github.com/kursadbilgin/reminder-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/reminder-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/reminder-engine/internal/infra/redis"
	"github.com/kursadbilgin/reminder-engine/internal/observability"
	"github.com/kursadbilgin/reminder-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("reminder-engine stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	defer postgresql.Close(db) //nolint:errcheck

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	infra := app.Infra{DB: db}

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
		infra.Redis = rdb
	} else {
		logger.Info("REDIS_URL not set, using in-memory rate limiting")
	}

	if cfg.RabbitMQURL != "" {
		rabbit, err := events.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer rabbit.Close()
		infra.Publisher = rabbit
	} else {
		logger.Info("RABBITMQ_URL not set, events are only logged")
	}

	engine, err := app.New(cfg, infra, logger)
	if err != nil {
		return fmt.Errorf("engine initialization failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	server := fiber.New(fiber.Config{
		AppName:               "reminder-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(engine.Metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, sqlDB, infra.Redis, engine.Metrics.Handler())
	if err := handler.RegisterAdminRoutes(server, handler.AdminDeps{
		Context:   ctx,
		Queues:    engine.Queues,
		Breakers:  engine.Breakers,
		Tasks:     engine.Tasks,
		Scheduler: engine.Scheduler,
		Delivery:  engine.Delivery,
		Recovery:  engine.Recovery,
		Providers: engine.Providers,
		Contacts:  engine.Contacts,
	}); err != nil {
		return fmt.Errorf("failed to register admin routes: %w", err)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(groupCtx) })
	g.Go(func() error {
		logger.Info("reminder-engine api started", zap.Int("port", cfg.APIPort))
		if err := server.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return server.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("reminder-engine stopped")
	return nil
}
