// Package main provides the outbox relay service entry point.
// Publishes audit events written by the forms API to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/config"
	"github.com/medledger/hms-forms/internal/infrastructure/postgres"
	"github.com/medledger/hms-forms/internal/infrastructure/redpanda"
	"github.com/medledger/hms-forms/internal/observability/logging"
	"github.com/medledger/hms-forms/internal/observability/metrics"
	"github.com/medledger/hms-forms/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Service: serviceName})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tracer, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Make sure the topics exist before publishing
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(prometheus.DefaultRegisterer)

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, m, logger)
	relay.Start()
	logger.Info("outbox relay started")

	go maintain(ctx, relay, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: ":" + config.GetString("METRICS_PORT", "9091"), Handler: mux}
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
	cancel()
	relay.Stop()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer done()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush failed", zap.Error(err))
	}
	server.Shutdown(shutdownCtx)
	tracer.Shutdown(shutdownCtx)

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("bytes_sent", stats.BytesSent),
		zap.Int64("errors", stats.ErrorCount))
}

// maintain runs the outbox housekeeping once a minute
func maintain(ctx context.Context, relay *postgres.Relay, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := relay.MoveToDeadLetter(ctx); err != nil {
				logger.Error("dead letter sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("moved entries to dead letter", zap.Int64("count", n))
			}
			if n, err := relay.CleanupProcessed(ctx, 7*24*time.Hour); err != nil {
				logger.Error("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("pruned published entries", zap.Int64("count", n))
			}
			if stats, err := relay.GetStats(ctx); err != nil {
				logger.Error("outbox stats failed", zap.Error(err))
			} else if stats.OldestPending != nil && time.Since(*stats.OldestPending) > 5*time.Minute {
				logger.Warn("outbox backlog",
					zap.Int64("pending", stats.Pending),
					zap.Int64("failed", stats.Failed),
					zap.Time("oldest", *stats.OldestPending))
			}
		}
	}
}
