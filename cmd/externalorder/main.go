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

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"externalorder/internal/broker"
	"externalorder/internal/cache"
	"externalorder/internal/clock"
	"externalorder/internal/config"
	"externalorder/internal/database"
	"externalorder/internal/handler"
	"externalorder/internal/metrics"
	"externalorder/internal/service"
	"externalorder/internal/storage"
	"externalorder/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	metrics.Register()

	if err := run(cfg); err != nil {
		slog.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	db, err := database.NewDB(startCtx, cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer database.CloseDB(db)

	if err := database.InitSchema(startCtx, db); err != nil {
		return fmt.Errorf("init DB schema: %w", err)
	}

	var readCache service.Cache = cache.Nop{}
	if cfg.RedisAddr != "" {
		client, err := cache.Dial(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer closeRedis(client)
		readCache = cache.NewRedisCache(client)
	} else {
		slog.Warn("redis address empty, read cache disabled")
	}

	transitions, err := service.LoadTransitionTable(cfg.TransitionsFile)
	if err != nil {
		return err
	}
	slog.Info("status transitions loaded", "statuses", len(transitions))

	conn, err := broker.Dial(cfg.RabbitMQURL)
	if err != nil {
		return err
	}
	defer broker.CloseConn(conn)

	queues := broker.NewQueues(cfg.QueuePrefix)

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer closeChannel(pubCh)
	if err := broker.DeclareOutbound(pubCh, queues.Outbound); err != nil {
		return err
	}
	broker.LogReturns(pubCh)

	consumeCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer closeChannel(consumeCh)

	// Services
	orderSvc := service.NewOrderService(
		storage.NewOrderStore(db),
		readCache,
		broker.NewPublisher(pubCh, queues.Outbound),
		transitions,
		clock.NewSystem(),
		service.Options{CacheTTL: cfg.CacheTTL, DoubleDeleteDelay: cfg.CacheDoubleDeleteDelay},
	)
	defer orderSvc.Close()

	// Worker
	ingestor := worker.NewIngestor(consumeCh, orderSvc, worker.IngestorConfig{
		Queues:         queues,
		ConsumerTag:    cfg.ServiceName,
		Prefetch:       cfg.Prefetch,
		DeadLetter:     cfg.DeadLetter,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})

	srv := &http.Server{
		Addr:         cfg.RunAddress,
		Handler:      handler.NewRouter(orderSvc, cfg.JWTSecret),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestorDone := make(chan error, 1)
	go func() { ingestorDone <- ingestor.Start(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.RunAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	ingestorStopped := false
	select {
	case sig := <-quit:
		slog.Info("shutting down...", "signal", sig.String())
	case runErr = <-serverErr:
	case runErr = <-ingestorDone:
		ingestorStopped = true
	}

	cancel() // stop ingestor
	if !ingestorStopped {
		if err := <-ingestorDone; err != nil && runErr == nil {
			runErr = err
		}
	}

	ctxShut, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()

	if err := srv.Shutdown(ctxShut); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	slog.Info("server stopped")
	return runErr
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		slog.Error("failed to close redis", "error", err)
	}
}

func closeChannel(ch *amqp.Channel) {
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Warn("failed to close rabbitmq channel", "error", err)
	}
}
