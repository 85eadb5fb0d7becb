package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/yeshwanth1127/trading-ecosystem/internal/config"
	"github.com/yeshwanth1127/trading-ecosystem/internal/engine"
	"github.com/yeshwanth1127/trading-ecosystem/internal/events"
	"github.com/yeshwanth1127/trading-ecosystem/internal/lock"
	"github.com/yeshwanth1127/trading-ecosystem/internal/pricecache"
	"github.com/yeshwanth1127/trading-ecosystem/internal/server"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
	"github.com/yeshwanth1127/trading-ecosystem/libs/health"
	"github.com/yeshwanth1127/trading-ecosystem/libs/httpmiddleware"
	"github.com/yeshwanth1127/trading-ecosystem/libs/kafka"
	"github.com/yeshwanth1127/trading-ecosystem/libs/logging"
	"github.com/yeshwanth1127/trading-ecosystem/libs/metrics"
	"github.com/yeshwanth1127/trading-ecosystem/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	engineMetrics := engine.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := storage.Connect(context.Background(), buildDSN(cfg))
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	pingCancel()

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.App.ServiceName, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	publisher := events.NewPublisher(
		kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger),
		cfg.Kafka.Topics.TradingEvents,
		logger,
	)

	store := storage.New(pool, logger)
	prices := pricecache.New(redisClient, cfg.Engine.PriceKeyPattern, cfg.Engine.PriceScanCount)
	locker := lock.New(redisClient, cfg.Engine.OrderLockTTL)

	eng := engine.New(store, locker, prices, publisher, logger, engineMetrics, engine.Config{
		TickInterval:         cfg.Engine.TickInterval,
		ErrorBackoff:         cfg.Engine.ErrorBackoff,
		MissingPriceLogEvery: cfg.Engine.MissingPriceLogEvery,
	})

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	server.New(eng, logger).Register(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	go func() {
		logger.Info("execution engine http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(eng, httpServer, ready, logger)
}

func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)
}

func waitForShutdown(eng *engine.Engine, httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetNotReady("shutting down")

	eng.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
