// Command server starts the carpool routing HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cacheredis "github.com/fairyhunter13/carpool-router/internal/adapter/cache/redis"
	httpserver "github.com/fairyhunter13/carpool-router/internal/adapter/httpserver"
	"github.com/fairyhunter13/carpool-router/internal/adapter/observability"
	"github.com/fairyhunter13/carpool-router/internal/adapter/provider"
	"github.com/fairyhunter13/carpool-router/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/carpool-router/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/carpool-router/internal/app"
	"github.com/fairyhunter13/carpool-router/internal/config"
	"github.com/fairyhunter13/carpool-router/internal/domain"
	"github.com/fairyhunter13/carpool-router/internal/service/balancer"
	"github.com/fairyhunter13/carpool-router/internal/service/pool"
	"github.com/fairyhunter13/carpool-router/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	dbPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbPool.Close()

	// Infra: Redis cache
	rdb := cacheredis.NewClient(cfg.RedisAddr, "", cfg.RedisDB)
	defer func() { _ = rdb.Close() }()
	poolCache := cacheredis.NewCache(rdb)

	// Repositories
	groupRepo := postgres.NewGroupRepo(dbPool)
	accountRepo := postgres.NewAccountRepo(dbPool)
	usageRepo := postgres.NewUsageRepo(dbPool)
	healthRepo := postgres.NewHealthCheckRepo(dbPool)

	// Provider transport
	var providerClient domain.ProviderClient
	if cfg.ProviderStub {
		slog.Info("using stub provider client")
		providerClient = provider.NewStub()
	} else {
		providerClient = provider.NewHTTPClient(cfg)
	}

	// Usage stream (best-effort; routing works without it)
	var publisher domain.UsagePublisher
	if cfg.UsageTopicEnabled {
		qp, err := redpanda.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("usage producer connect failed, continuing without stream", slog.Any("error", err))
		} else {
			publisher = qp
			defer qp.Close()
		}
	}

	// Pricing table
	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		slog.Error("pricing table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Quota day boundaries
	dayLoc, err := time.LoadLocation(cfg.QuotaTimezone)
	if err != nil {
		slog.Error("invalid quota timezone", slog.String("tz", cfg.QuotaTimezone), slog.Any("error", err))
		os.Exit(1)
	}

	// Background retention sweep for probe history
	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go postgres.RunHealthHistoryCleanup(cleanupCtx, healthRepo, cfg.CleanupInterval, cfg.HealthHistoryRetention)

	// Pool manager background loops
	poolMgr := pool.NewManager(accountRepo, healthRepo, poolCache, providerClient, pool.Options{
		HealthCheckInterval:    cfg.HealthCheckInterval,
		HealthCheckTimeout:     cfg.HealthCheckTimeout,
		ParallelHealthChecks:   cfg.ParallelHealthChecks,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		PoolRefreshInterval:    cfg.PoolRefreshInterval,
		ErrorMessageMaxLen:     cfg.ErrorMessageMaxLen,
		MinHealthyAccounts:     cfg.MinHealthyAccounts,
		Weights: pool.Weights{
			Load:      cfg.ScoreLoadWeight,
			Health:    cfg.ScoreHealthWeight,
			RT:        cfg.ScoreRTWeight,
			RecentUse: cfg.ScoreRecentUseWeight,
		},
	})
	if err := poolMgr.Start(ctx); err != nil {
		slog.Error("pool manager start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Routing core
	quota := usecase.NewQuotaGate(usageRepo, dayLoc)
	resolver := usecase.NewResolver(accountRepo, poolCache, providerClient, cfg.LoadCapPercent)
	bal := balancer.New(cfg.LoadCapPercent)
	router := usecase.NewRouter(groupRepo, accountRepo, usageRepo, quota, resolver, bal,
		providerClient, publisher, pricing, usecase.RouterOptions{
			MaxRetries:             cfg.MaxRetries,
			RetryDelayBase:         cfg.RetryDelayBase,
			ProviderTimeout:        cfg.ProviderTimeout,
			LoadDecayPeriod:        cfg.LoadDecayPeriod,
			LoadDecayAmount:        cfg.LoadDecayAmount,
			FailureMode:            cfg.FailureModeOnProviderError,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			ErrorMessageMaxLen:     cfg.ErrorMessageMaxLen,
		})

	// HTTP server
	dbCheck, redisCheck := app.BuildReadinessChecks(dbPool, poolCache)
	srv := httpserver.NewServer(cfg, router, poolMgr, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Stop the pool manager before draining HTTP so no probe writes race
	// the connection teardown.
	poolMgr.Stop()
	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
