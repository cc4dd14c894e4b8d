// Package main provides the claims worker entry point.
// Consumes claim requests and adjudicates them against stored bills.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/claims"
	"github.com/carepoint/billing-engine/internal/config"
	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/engine"
	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
	"github.com/carepoint/billing-engine/internal/infrastructure/redis"
	"github.com/carepoint/billing-engine/internal/infrastructure/redpanda"
	"github.com/carepoint/billing-engine/internal/logging"
	"github.com/carepoint/billing-engine/internal/observability/metrics"
	"github.com/carepoint/billing-engine/internal/observability/tracing"
	"github.com/carepoint/billing-engine/pkg/circuitbreaker"
	"github.com/carepoint/billing-engine/pkg/idempotency"
)

const serviceName = "claims-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.SampleRatio
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.DefaultRegisterer)

	// The worker shares bills with the API, so it needs the database
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	var locker engine.Locker = engine.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		locker = redis.NewLocker(client, "billing:lock:", logger)
	} else {
		logger.Warn("REDIS_URL not set, bill locks are local to this process")
	}

	ecfg := engine.DefaultConfig()
	ecfg.Thresholds = cfg.Thresholds()
	svc := engine.NewService(billing.NewRepository(pool, redpanda.TopicBillingEvents, logger), locker, ecfg, m, logger)

	// Idempotency inbox
	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), claims.InboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	// Create circuit breaker manager
	cbManager := circuitbreaker.NewManager(logger)
	breaker, err := cbManager.GetOrCreate("bill-store", claims.BreakerConfig(m))
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	// Create producer for results and dead letters
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	processor := claims.NewProcessor(svc, inbox, breaker, producer, m, logger)

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = serviceName
	consumerCfg.Pool.Lanes = cfg.Workers

	consumer, err := redpanda.NewConsumer(consumerCfg, processor.Handle,
		redpanda.DeadLetterTo(producer, redpanda.TopicDeadLetter), m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	// Health and metrics
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"consumer": consumer.Stats(),
			"breakers": cbManager.GetHealthStatus(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil || breaker.IsOpen() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("claims worker started",
		zap.Strings("brokers", consumerCfg.Brokers),
		zap.Int("lanes", consumerCfg.Pool.Lanes))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	logger.Info("claims worker stopped")
}
