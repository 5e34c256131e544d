package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teletherapy/internal/auth"
	"teletherapy/internal/booking"
	"teletherapy/internal/cache"
	"teletherapy/internal/config"
	"teletherapy/internal/httpserver"
	"teletherapy/internal/logging"
	"teletherapy/internal/metrics"
	"teletherapy/internal/mpesa"
	"teletherapy/internal/payment"
	"teletherapy/internal/repo"
	"teletherapy/internal/wa"
	"teletherapy/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting teletherapy payments", "env", cfg.AppEnv, "database", cfg.DatabaseDriver)
	if cfg.MpesaCallbackURL != "" {
		logger.Info("mpesa callback url configured", "callback_url", cfg.MpesaCallbackURL)
	} else {
		logger.Warn("no mpesa callback url, set PUBLIC_BASE_URL or MPESA_CALLBACK_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	mpesaClient := mpesa.New(mpesa.Config{
		BaseURL:         cfg.MpesaBaseURL,
		ConsumerKey:     cfg.MpesaConsumerKey,
		ConsumerSecret:  cfg.MpesaConsumerSecret,
		ShortCode:       cfg.MpesaShortCode,
		Passkey:         cfg.MpesaPasskey,
		CallbackURL:     cfg.MpesaCallbackURL,
		TransactionType: cfg.MpesaTransactionType,
		Timeout:         cfg.MpesaTimeout,
	}, logger, metricRegistry, redisClient)

	var (
		notifier payment.Notifier
		noticeCh httpserver.NoticeChannel
	)
	if cfg.WhatsAppStorePath != "" {
		waClient, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := waClient.Start(waCtx); err != nil {
				logger.Error("whatsapp client stopped, payment notices disabled", "error", err)
			}
		}()
		notifier = wa.NewNotifier(waClient, logger, metricRegistry)
		noticeCh = waClient
	}

	payments := payment.NewService(repository, mpesaClient, logger, metricRegistry, payment.ServiceConfig{})
	reconciler := payment.NewReconciler(repository, notifier, logger, metricRegistry, payment.ReconcilerConfig{})
	webhookHandler := mpesa.NewWebhookHandler(logger, metricRegistry, reconciler)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		MpesaWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Redis:      redisClient,
		Auth:       auth.NewVerifier(cfg.SupabaseJWTSecret),
		Payments:   payments,
		Bookings:   booking.NewService(repository, logger),
		Notices:    noticeCh,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		return repo.New(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
	}
}
