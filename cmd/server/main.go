package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	appingest "main/internal/application/service/ingest"
	appmarketdata "main/internal/application/service/marketdata"
	"main/internal/config"
	"main/internal/infrastructure/broker"
	"main/internal/infrastructure/cache"
	"main/internal/infrastructure/persist"
	infrahttp "main/internal/interfaces/http"
	"main/internal/interfaces/ws"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	repo, err := persist.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init metrics repo: %v", err)
	}
	defer repo.Close()
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatalf("failed to ensure schema: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	snapshotCache := cache.NewStore(redisClient, cache.Options{
		TTL:             cfg.Cache.TTL(),
		HistoryCapacity: cfg.Cache.HistoryCapacity,
	})

	worker := persist.NewWorker(repo, persist.WorkerConfig{
		QueueSize:    cfg.Persist.QueueSize,
		WriteTimeout: cfg.Persist.WriteTimeout(),
	}, logger)

	hub := ws.NewHub(logger)
	ingestService := appingest.NewService(snapshotCache, worker, hub, logger)
	queryService := appmarketdata.NewService(repo)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})

	if cfg.RabbitMQ.URL != "" {
		consumer, err := broker.NewConsumer(cfg.RabbitMQ, ingestService, logger)
		if err != nil {
			logger.Fatalf("failed to init consumer: %v", err)
		}
		if err := consumer.Start(groupCtx); err != nil {
			logger.Fatalf("failed to start consumer: %v", err)
		}
		defer consumer.Close()
	} else {
		logger.Warn("RABBITMQ_URL not set, accepting snapshots over HTTP only")
	}

	wsOpts := ws.Options{
		SendBuffer:          cfg.WS.SendBuffer,
		SendTimeout:         cfg.WS.SendTimeout(),
		BackfillNewestFirst: cfg.WS.BackfillNewestFirst,
	}
	handler := infrahttp.NewHandler(ingestService, queryService, hub, snapshotCache, worker,
		wsOpts, redisClient, cfg.Cache.ResponseTTL(), logger)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: handler,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown error: %v", err)
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("worker shutdown error: %v", err)
	}
	logger.Info("server stopped")
}
