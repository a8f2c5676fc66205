package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sowbridge/sowbridge/internal/api"
	"github.com/sowbridge/sowbridge/internal/app"
	"github.com/sowbridge/sowbridge/internal/events"
	"github.com/sowbridge/sowbridge/internal/idempotency"
	"github.com/sowbridge/sowbridge/internal/idempotency/pgjournal"
	"github.com/sowbridge/sowbridge/internal/invalidation"
	"github.com/sowbridge/sowbridge/internal/orchestrator"
	"github.com/sowbridge/sowbridge/pkg/health"
	"github.com/sowbridge/sowbridge/pkg/kafka"
	"github.com/sowbridge/sowbridge/pkg/logger"
	"github.com/sowbridge/sowbridge/pkg/metrics"
	"github.com/sowbridge/sowbridge/pkg/postgres"
)

const (
	eventBatchSize     = 100
	eventFlushInterval = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting sowbridge", "port", cfg.Server.Port, "cache_backend", cfg.Cache.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, nil)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}

	clients, err := app.NewClients(cfg, m)
	if err != nil {
		slog.Error("failed to configure outbound clients", "error", err)
		os.Exit(1)
	}
	if !clients.Generation.Configured() {
		slog.Warn("generation service not configured, section requests will be rejected")
	}

	cache, redisClient := app.NewCache(ctx, cfg, m)
	if redisClient != nil {
		defer redisClient.Close()
		slog.Info("response cache enabled", "backend", "redis", "ttl", cfg.Cache.DefaultTTL)
	}

	checker := health.NewChecker()
	checker.Register("cache", func(ctx context.Context) health.ComponentHealth {
		if !cache.Available() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "cache unavailable, serving uncached"}
		}
		if redisClient != nil {
			return health.PingCheck(redisClient.Ping, health.StatusDegraded)(ctx)
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: cfg.Cache.Backend}
	})

	var journal *pgjournal.Journal
	var restored []idempotency.Record
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()

		if err := pg.InTx(ctx, func(tx *sql.Tx) error {
			return pgjournal.EnsureSchema(ctx, tx)
		}); err != nil {
			slog.Error("failed to prepare processing journal", "error", err)
			os.Exit(1)
		}

		journal = pgjournal.New(pg.DB, cfg.Idempotency.JournalBuffer)
		restored, err = journal.LoadCompleted(ctx, time.Now().Add(-cfg.Idempotency.Retention))
		if err != nil {
			slog.Warn("failed to load journal, starting cold", "error", err)
		}
		journal.Start(ctx)
		defer journal.Close()
		checker.Register("postgres", health.PingCheck(pg.Ping, health.StatusDown))
	}

	var guardJournal idempotency.Journal
	if journal != nil {
		guardJournal = journal
	}
	fetchGuard := app.NewGuard(cfg, cfg.Idempotency.Retention, m, guardJournal)
	generateGuard := app.NewGuard(cfg, cfg.Generation.CacheTTL, m, guardJournal)
	if len(restored) > 0 {
		fetchGuard.Restore(restored)
		generateGuard.Restore(restored)
	}
	go fetchGuard.Run(ctx, cfg.Idempotency.SweepInterval)
	go generateGuard.Run(ctx, cfg.Idempotency.SweepInterval)

	invalidator := invalidation.NewHandler(cache)

	orchOpts := []orchestrator.Option{
		orchestrator.WithConcurrency(cfg.Server.FetchConcurrency),
		orchestrator.WithSectionTTL(cfg.Generation.CacheTTL),
		orchestrator.WithGenerationGuard(generateGuard),
		orchestrator.WithSpanLogging(cfg.Tracing.Enabled),
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ProcessingEvents)
		defer producer.Close()
		collector := events.NewCollector(producer, m, eventBatchSize, eventFlushInterval)
		collector.Start(ctx)
		defer collector.Close()
		orchOpts = append(orchOpts, orchestrator.WithTracker(collector))
		slog.Info("processing events enabled", "topic", cfg.Kafka.Topics.ProcessingEvents)

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate, invalidator.HandleMessage)
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("cache invalidation consumer error", "error", err)
			}
		}()
		slog.Info("cache invalidation consumer started", "topic", cfg.Kafka.Topics.CacheInvalidate)

		checker.Register("kafka", health.PingCheck(func(ctx context.Context) error {
			return kafka.Ping(ctx, cfg.Kafka.Brokers)
		}, health.StatusDegraded))
	}

	svc := orchestrator.New(fetchGuard, clients.SAM, clients.Generation, cache, orchOpts...)
	h := api.New(svc, cache, invalidator, map[string]api.ProcessingStats{
		"fetch":    fetchGuard,
		"generate": generateGuard,
	})

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.RouterConfig{
			Handler:        h,
			Health:         checker,
			Metrics:        m,
			APIKeys:        cfg.Server.APIKeys,
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("sowbridge listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("sowbridge stopped")
}
