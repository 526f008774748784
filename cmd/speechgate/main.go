package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/speechgate/speechgate/internal/blob"
	"github.com/speechgate/speechgate/internal/config"
	"github.com/speechgate/speechgate/internal/httpapi"
	"github.com/speechgate/speechgate/internal/observability"
	"github.com/speechgate/speechgate/internal/pipeline"
	"github.com/speechgate/speechgate/internal/provider"
	"github.com/speechgate/speechgate/internal/store"
	"github.com/speechgate/speechgate/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	ctx := context.Background()

	var (
		st        store.Store
		storeMode string
	)
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		st = pg
		storeMode = "postgres"
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store; state is lost on restart")
		st = store.NewMemoryStore()
		storeMode = "memory"
	}
	defer st.Close()

	var objects blob.ObjectStore
	if cfg.MinioEndpoint != "" {
		ms, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("object store init failed", zap.Error(err))
		}
		objects = ms
		logger.Info("object store: minio", zap.String("endpoint", cfg.MinioEndpoint), zap.String("bucket", cfg.MinioBucket))
	} else {
		logger.Warn("MINIO_ENDPOINT not set, using in-memory object store; audio is lost on restart")
		objects = blob.NewMemoryBlobStore()
	}

	if cfg.ElevenLabsAPIKey == "" {
		logger.Warn("ELEVENLABS_API_KEY not set, provider calls will be rejected upstream")
	}
	tts := provider.NewClient(provider.Config{
		APIKey:       cfg.ElevenLabsAPIKey,
		BaseURL:      cfg.ElevenLabsBaseURL,
		OutputFormat: cfg.ElevenLabsOutputFormat,
		Timeout:      cfg.ProviderTimeout,
	})

	svc := pipeline.New(pipeline.Config{
		MaxSyncChars:      cfg.MaxSyncChars,
		MaxChunkChars:     cfg.MaxChunkChars,
		RequestBudget:     cfg.RequestBudget,
		BudgetReserve:     cfg.BudgetReserve,
		UploadMaxAttempts: cfg.UploadMaxAttempts,
		UploadBackoffBase: cfg.UploadBackoffBase,
		UploadBackoffCap:  cfg.UploadBackoffCap,
		SignedURLTTL:      cfg.SignedURLTTL,
		ProviderTimeout:   cfg.ProviderTimeout,
		Limits: pipeline.Limits{
			Characters: cfg.MonthlyCharLimit,
			Minutes:    cfg.MonthlyMinuteLimit,
		},
	}, st, objects, tts, metrics, logger)

	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set, webhook signatures will not be verified")
	}
	ingestor := webhook.NewIngestor(st, webhook.NewHandlers(st, logger), cfg.WebhookSecret, metrics, logger)

	api := httpapi.New(cfg, svc, ingestor, metrics, logger, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go svc.RunJanitor(runCtx, time.Minute, cfg.StaleProcessingAge)

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr), zap.String("store_mode", storeMode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
