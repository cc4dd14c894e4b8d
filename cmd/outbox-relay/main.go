// Package main provides the outbox relay service entry point.
// Publishes committed bill events from the outbox table to the broker.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/config"
	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
	"github.com/carepoint/billing-engine/internal/infrastructure/redpanda"
	"github.com/carepoint/billing-engine/internal/logging"
	"github.com/carepoint/billing-engine/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := postgres.NewPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()

	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m, logger)

	// Start processing
	outbox.Start()

	// Housekeeping: refresh the pending gauge, dead-letter exhausted entries
	// and drop processed rows after a week
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := outbox.GetStats(ctx); err != nil {
					logger.Warn("outbox stats failed", zap.Error(err))
				}
				if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
					logger.Error("dead letter sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
				}
				if _, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour); err != nil {
					logger.Warn("outbox cleanup failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()

	server := &http.Server{Addr: ":" + cfg.Port, Handler: metrics.Handler(prometheus.DefaultGatherer), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(stop)
	outbox.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	logger.Info("outbox relay stopped")
}
