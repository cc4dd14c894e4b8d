// Package main provides the billing API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/carepoint/billing-engine/internal/api/handlers"
	"github.com/carepoint/billing-engine/internal/api/middleware"
	"github.com/carepoint/billing-engine/internal/config"
	"github.com/carepoint/billing-engine/internal/domain/billing"
	"github.com/carepoint/billing-engine/internal/engine"
	"github.com/carepoint/billing-engine/internal/infrastructure/postgres"
	"github.com/carepoint/billing-engine/internal/infrastructure/redis"
	"github.com/carepoint/billing-engine/internal/infrastructure/redpanda"
	"github.com/carepoint/billing-engine/internal/logging"
	"github.com/carepoint/billing-engine/internal/observability/metrics"
	"github.com/carepoint/billing-engine/internal/observability/tracing"
)

const serviceName = "billing-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Initialize logger
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

	// Bill store: Postgres when configured, memory otherwise
	var (
		store engine.Store
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.ApplyMigrations(ctx, pool, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		store = billing.NewRepository(pool, redpanda.TopicBillingEvents, logger)
		logger.Info("connected to database")
	} else {
		store = engine.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, bills are kept in memory")
	}

	// Bill lock: Redis when configured so several API instances can share bills
	var locker engine.Locker = engine.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		locker = redis.NewLocker(client, "billing:lock:", logger)
		logger.Info("using redis bill locks")
	}

	ecfg := engine.DefaultConfig()
	ecfg.Thresholds = cfg.Thresholds()
	svc := engine.NewService(store, locker, ecfg, m, logger)

	billHandler := handlers.NewBillHandler(svc, cfg.Currency, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys()))
		r.Use(middleware.RateLimit(cfg.RateLimitRPS))
		r.Mount("/bills", billHandler.Routes())
		r.Post("/quote", billHandler.Quote)
		r.Get("/revenue", billHandler.Revenue)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting billing API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}
