// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"video-batch-service/internal/config"
	"video-batch-service/internal/domain/ports/adapter"
	provider "video-batch-service/internal/infra/adapters/provider"
	"video-batch-service/internal/infra/api"
	"video-batch-service/internal/infra/api/apiv1"
	pg "video-batch-service/internal/infra/db/postgres"
	webhook "video-batch-service/internal/infra/http"
	"video-batch-service/internal/infra/logging"
	"video-batch-service/internal/infra/metrics"
	red "video-batch-service/internal/infra/redis"
	"video-batch-service/internal/infra/sched"
	"video-batch-service/internal/infra/security"
	"video-batch-service/internal/infra/worker"
	"video-batch-service/internal/usecase"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, relaxed checks)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, int32(cfg.Database.PoolSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	go pg.ReportPoolStats(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	rateLimiter := red.NewRateLimiter(redisClient)
	balanceCache := red.NewBalanceCache(redisClient, cfg.Redis.TTL)

	// ---- Encryption ----
	encKey := cfg.Security.EncryptionKey
	if len(encKey) != 32 {
		logger.Warn().Msg("security.encryption_key not set or not 32 bytes; falling back to dev key (INSECURE)")
		encKey = "0123456789abcdef0123456789abcdef"
	}
	encSvc, err := security.NewEncryptionService(encKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("encryption")
	}

	// ---- Repositories ----
	txManager := pg.NewTxManager(pool)
	batchRepo := pg.NewBatchRepo(pool)
	taskRepo := pg.NewTaskRepo(pool)
	ledgerRepo := pg.NewLedgerRepo(pool)
	idemRepo := pg.NewIdempotencyRepo(pool)
	keyRepo := pg.NewProviderKeyRepo(pool)

	// ---- Provider adapter ----
	var prov adapter.VideoProviderAdapter
	if cfg.Provider.Noop {
		prov = provider.NewNoopProvider()
		logger.Warn().Msg("provider: noop (no real video generation)")
	} else {
		prov = provider.NewSoraClient(cfg.Provider)
		logger.Info().Str("base_url", cfg.Provider.BaseURL).Msg("provider: sora")
	}

	// ---- Use cases and runner ----
	ledgerUC := usecase.NewLedgerUseCase(ledgerRepo, txManager, txManager, balanceCache, logger)
	runner := worker.NewRunner(taskRepo, keyRepo, ledgerUC, prov, encSvc, cfg.Worker, cfg.Provider, logger)
	batchUC := usecase.NewBatchUseCase(batchRepo, taskRepo, ledgerRepo, idemRepo,
		txManager, txManager, rateLimiter, balanceCache, runner, cfg.Limits, logger)
	taskUC := usecase.NewTaskUseCase(taskRepo, batchRepo, ledgerRepo, idemRepo,
		txManager, txManager, balanceCache, runner, cfg.Limits, logger)

	if err := runner.RecoverWaiting(ctx); err != nil {
		logger.Error().Err(err).Msg("recover waiting tasks")
	}
	go runner.Start(ctx)

	sweeper := sched.NewSweeper(time.Minute, taskUC, logger)
	sweeper.Start(ctx)

	// ---- Public API ----
	guard := api.NewGuard(cfg.Server.AuthSecret)
	apiServer := apiv1.NewServer(batchUC, taskUC, ledgerUC, keyRepo, encSvc, prov.Name(), logger)
	router := chi.NewRouter()
	apiv1.RegisterAPIV1(router, apiServer, guard.Middleware)
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server")
		}
	}()

	// ---- Webhook / admin server ----
	webhookServer := webhook.NewServer(cfg, ledgerUC, logger)
	go func() {
		if err := webhookServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("webhook server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown")
	}
	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("webhook server shutdown")
	}
	sweeper.Stop()
	cancel()
	runner.Stop()
}
