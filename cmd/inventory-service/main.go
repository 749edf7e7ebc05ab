package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/cache"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/config"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/handlers"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/messaging"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/outbox"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/scheduler"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/service"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting rental inventory service",
		zap.String("env", cfg.Environment),
		zap.String("storage", cfg.Storage),
		zap.String("notify_transport", cfg.NotifyTransport))

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var availabilityCache service.AvailabilityCache
	if cfg.Redis.Enabled() {
		redisCache := cache.NewAvailabilityCache(cfg.Redis.Cache())
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, availability cache disabled", zap.Error(err))
		} else {
			availabilityCache = redisCache
		}
	}

	var rabbit *messaging.RabbitMQClient
	if cfg.UsesRabbitMQ() {
		rabbit = messaging.NewRabbitMQClient(cfg.RabbitMQ.Client(), logger)
		if err := rabbit.Connect(); err != nil {
			return fmt.Errorf("rabbitmq connection error: %w", err)
		}
		defer rabbit.Close()
	}

	policy := cfg.RetryPolicy()
	ledger := service.NewStockLedger(store, policy, logger)
	reservations := service.NewReservationManager(store, ledger, policy, logger)
	checkout := service.NewCheckoutService(store, reservations, policy, logger)
	cancellations := service.NewCancellationService(store, reservations, policy, logger)
	overdue := service.NewOverdueService(store, policy, func() time.Time { return time.Now().UTC() }, logger)

	handler := handlers.NewInventoryHandler(handlers.Services{
		Ledger:        ledger,
		Availability:  service.NewAvailabilityCalculator(store, availabilityCache, logger),
		Reservations:  reservations,
		Checkout:      checkout,
		Cancellations: cancellations,
	}, logger)

	notifier, closeNotifier, err := newNotifier(cfg, rabbit, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	dispatcher := outbox.NewDispatcher(store, notifier, cfg.Outbox.Dispatcher(), logger)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	sched, err := scheduler.New(cfg.Overdue.Schedule, overdue, cfg.Overdue.Timeout, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	if cfg.RabbitMQ.Consume {
		consumer := messaging.NewConsumer(rabbit, cfg.RabbitMQ.Queue, cfg.RabbitMQ.RetryCount, cfg.RabbitMQ.RetryDelay, logger)
		if err := consumer.Consume(cfg.RabbitMQ.RoutingKeys(), handler.HandleCommand); err != nil {
			return fmt.Errorf("rabbitmq consume error: %w", err)
		}
	}

	app := handlers.NewApp(handlers.AppConfig{RequestTimeout: cfg.RequestTimeout}, handler, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		serveErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server startup error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func(), error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := repository.OpenPostgres(ctx, repository.PostgresConfig{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := repository.Migrate(db.DB); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("database migrated", zap.String("database", cfg.Database.Name))
	}
	logger.Info("database connection successful", zap.String("database", cfg.Database.Name))
	return repository.NewPostgresStore(db), func() { db.Close() }, nil
}

func newNotifier(cfg *config.Config, rabbit *messaging.RabbitMQClient, logger *zap.Logger) (outbox.Notifier, func(), error) {
	switch cfg.NotifyTransport {
	case config.TransportRabbitMQ:
		return messaging.NewRabbitMQNotifier(rabbit, logger), func() {}, nil
	case config.TransportKafka:
		k := messaging.NewKafkaNotifier(cfg.Kafka.Writer(), logger)
		return k, func() {
			if err := k.Close(); err != nil {
				logger.Warn("kafka writer close error", zap.Error(err))
			}
		}, nil
	case config.TransportLog:
		return messaging.NewLogNotifier(logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify transport %q", cfg.NotifyTransport)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", messaging.ServiceName)), nil
}
