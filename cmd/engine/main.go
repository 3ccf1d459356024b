package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"process-engine/internal/api"
	"process-engine/internal/callback"
	"process-engine/internal/config"
	"process-engine/internal/engine"
	"process-engine/internal/queue"
	"process-engine/internal/ratelimit"
	"process-engine/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	var st store.Store
	if cfg.UseMemoryStore {
		st = store.NewMemoryStore()
	} else {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		st = pg
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	taskQueue := queue.NewTaskQueue(redisClient, cfg.VisibilityTimeout)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	counter := engine.NewScenarioCounter()
	eng := engine.New(engine.Options{
		Store:              st,
		Queue:              taskQueue,
		Callbacks:          callback.NewClient(cfg.AppBaseURL, cfg.APIKey, cfg.CallbackTimeout),
		Logger:             logger,
		Workers:            cfg.Workers,
		PollInterval:       cfg.PollInterval,
		ReconcileInterval:  cfg.ReconcileInterval,
		ReconcileBatchSize: cfg.ReconcileBatchSize,
		WebhookMaxWait:     cfg.WebhookMaxWait,
	})
	eng.Delegates().Register(api.ScenarioDelegateName, func(context.Context) error {
		counter.Increment()
		return nil
	})

	server := api.NewEngineServer(eng, st, counter, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("engine listening",
		zap.String("port", cfg.HTTPPort),
		zap.Int("workers", cfg.Workers))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logger.Warn("engine stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
