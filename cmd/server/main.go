package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/resource"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	redisErr := redisClient.Ping(pingCtx).Err()
	cancelPing()
	if redisErr != nil {
		zl.Warn("redis not available, running without shared state", zap.String("addr", cfg.Redis.Addr), zap.Error(redisErr))
	}

	a, err := newApplication(context.Background(), cfg, zl, redisClient, redisErr == nil, resource.HostSampler{})
	if err != nil {
		zl.Fatal("failed to initialize", zap.Error(err))
	}
	a.start()

	// Start server
	go func() {
		addr := ":" + cfg.Server.Port
		zl.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
		if err := a.app.Listen(addr); err != nil {
			zl.Error("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancel()
	a.shutdown(ctx)
	zl.Info("shutdown complete")
}
