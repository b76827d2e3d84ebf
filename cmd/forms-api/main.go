// Package main provides the forms API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medledger/hms-forms/internal/api/handlers"
	"github.com/medledger/hms-forms/internal/api/middleware"
	"github.com/medledger/hms-forms/internal/config"
	"github.com/medledger/hms-forms/internal/domain/validation"
	"github.com/medledger/hms-forms/internal/infrastructure/hospitalapi"
	"github.com/medledger/hms-forms/internal/infrastructure/postgres"
	"github.com/medledger/hms-forms/internal/infrastructure/redpanda"
	"github.com/medledger/hms-forms/internal/infrastructure/searchcache"
	"github.com/medledger/hms-forms/internal/observability/logging"
	"github.com/medledger/hms-forms/internal/observability/metrics"
	"github.com/medledger/hms-forms/internal/observability/tracing"
	"github.com/medledger/hms-forms/internal/session"
	"github.com/medledger/hms-forms/internal/submission"
	"github.com/medledger/hms-forms/pkg/circuitbreaker"
	"github.com/medledger/hms-forms/pkg/idempotency"
)

const (
	serviceName    = "forms-api"
	serviceVersion = "1.0.0"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Service: serviceName})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.ServiceVersion = serviceVersion
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tracer, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(logger)

	// Search cache is optional
	var cache hospitalapi.SearchCache
	if cfg.RedisAddr != "" {
		rdb, err := searchcache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		cacheCfg := searchcache.DefaultConfig()
		cacheCfg.TTL = cfg.SearchCacheTTL
		cache = searchcache.New(rdb, cacheCfg, logger)
		logger.Info("search cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	apiCfg := hospitalapi.DefaultConfig()
	apiCfg.BaseURL = cfg.HospitalAPIURL
	apiCfg.AccessToken = cfg.HospitalAPIToken
	apiCfg.RefreshToken = cfg.HospitalAPIRefresh
	apiCfg.Timeout = cfg.HospitalAPITimeout
	apiCfg.SearchRate = cfg.SearchRateLimit
	apiCfg.SearchBurst = cfg.SearchBurst
	client, err := hospitalapi.New(apiCfg, breakers, cache, m, logger)
	if err != nil {
		logger.Fatal("failed to create hospital api client", zap.Error(err))
	}

	// Audit trail is durable only with a database; otherwise it is logged
	var (
		recorder submission.Recorder = submission.LogRecorder{Logger: logger}
		audit    handlers.AuditLister
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		store := postgres.NewAuditStore(pool, redpanda.TopicFormSubmissions, logger)
		recorder, audit = store, store
		logger.Info("connected to database")
	}

	guard := idempotency.NewGuard(idempotency.DefaultGuardConfig(), logger)
	guard.StartCleanup()
	defer guard.Stop()

	validator := validation.New()
	gateway := submission.NewGateway(client, validator, guard, recorder, m, logger)

	storeCfg := session.DefaultStoreConfig()
	storeCfg.IdleTimeout = cfg.SessionIdleTimeout
	storeCfg.Search.MinQueryLength = cfg.SearchMinLength
	storeCfg.Search.Debounce = cfg.SearchDebounce
	storeCfg.Search.Timeout = cfg.SearchTimeout
	sessions := session.NewStore(storeCfg, client, gateway, validator, session.NewLoader(client, logger), m, logger)
	sessions.StartSweeper()
	defer sessions.Stop()

	formsHandler := handlers.NewFormsHandler(sessions, gateway, audit, logger)
	healthHandler := handlers.NewHealthHandler(serviceName, serviceVersion, breakers, sessions.Len)

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigin))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Probes and metrics (no auth)
	healthHandler.Register(r)
	r.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/", formsHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting forms API",
		zap.String("port", cfg.Port),
		zap.String("hospital_api", cfg.HospitalAPIURL),
		zap.Bool("auth", len(cfg.APIKeys) > 0))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
