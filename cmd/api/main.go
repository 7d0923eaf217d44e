package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nextcrm/api/internal/ai"
	"nextcrm/api/internal/app"
	"nextcrm/api/internal/archive"
	"nextcrm/api/internal/config"
	"nextcrm/api/internal/effects"
	"nextcrm/api/internal/email"
	"nextcrm/api/internal/export"
	"nextcrm/api/internal/logging"
	"nextcrm/api/internal/metrics"
	"nextcrm/api/internal/notify"
	"nextcrm/api/internal/ratelimit"
	"nextcrm/api/internal/search"
	"nextcrm/api/internal/session"
	"nextcrm/api/internal/storage"
	"nextcrm/api/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const tokenPurgeInterval = time.Hour

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{Metrics: m, Logger: logger}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		logger.Info("using redis for refresh tokens and rate limits")
		deps.Tokens = session.NewRedisStoreWithClient(client)
		deps.AILimiter = ratelimit.NewRedisLimiter(client, "ai", cfg.AIRateLimit, cfg.RateWindow)
		deps.ResetLimiter = ratelimit.NewRedisLimiter(client, "password_reset", cfg.ResetRateLimit, cfg.RateWindow)
	} else {
		logger.Info("using postgres for refresh tokens; rate limits are per process")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgSearch(db), dataStore, logger)
	deps.Search = searchService
	if meili != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	deps.MailEnabled = mailer.IsConfigured()
	if !deps.MailEnabled {
		logger.Warn("smtp is not configured; notifications are disabled")
	}
	deps.Notifier = notify.New(mailer, logger, cfg.PublicURL)

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		objects, err := storage.New(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Fatal("object storage setup failed", zap.Error(err))
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("object storage bucket check failed", zap.Error(err))
		}
		deps.Storage = objects
		deps.Exporter = export.NewService()
	} else {
		logger.Warn("object storage is not configured; uploads and exports are disabled")
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		logger.Fatal("failed to create archive dir", zap.Error(err))
	}
	deps.Archive = archive.New(cfg.ArchiveDir)
	deps.AI = ai.NewClient(cfg.OpenAIBaseURL)
	deps.Effects = effects.NewDispatcher(logger, m, 30*time.Second)

	service := app.New(cfg, dataStore, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go purgeTokens(ctx, dataStore, logger)

	go func() {
		logger.Info("NextCRM API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	service.Wait()
}

func purgeTokens(ctx context.Context, dataStore *store.PostgresStore, logger *zap.Logger) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := dataStore.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.Warn("token purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("expired tokens purged", zap.Int64("removed", removed))
			}
		}
	}
}
