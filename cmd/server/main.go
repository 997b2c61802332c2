package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/config"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/provider"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/routes"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/service"
	"github.com/poppingmoon/misskey-web-push-proxy/internal/store"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/logger"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/metrics"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logr := logger.New(cfg.LogLevel, cfg.LogFormat)
	logr.Info("starting web push relay", slog.String("app", cfg.AppName))

	kv, cleanup, err := openStore(cfg)
	if err != nil {
		logr.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	metricsCollector := metrics.New()
	httpClient := &http.Client{
		Timeout: cfg.ProviderTimeout,
	}
	dispatchRetry := retry.Options{
		MinDelay:   cfg.DispatchRetryMinDelay,
		MaxDelay:   cfg.DispatchRetryMaxDelay,
		MaxRetries: cfg.DispatchRetryMaxRetries,
		OnRetry:    metricsCollector.IncRetried,
	}

	var fcm, apns provider.Dispatcher
	if cfg.FCMConfigured() {
		credentials, err := provider.NewFCMCredentials(
			cfg.FirebasePrivateKey, cfg.FirebaseClientEmail, cfg.OAuthTokenEndpoint,
			httpClient, retry.Options{OnRetry: metricsCollector.IncRetried},
		)
		if err != nil {
			logr.Error("failed to load firebase credentials", slog.Any("error", err))
			os.Exit(1)
		}
		fcm = provider.NewFCMDispatcher(credentials, cfg.FirebaseProjectID, cfg.FCMEndpoint, httpClient, dispatchRetry, logr)
	}
	if cfg.APNsConfigured() {
		credentials, err := provider.NewAPNsCredentials(
			cfg.AppleEncryptionKey, cfg.AppleEncryptionKeyID, cfg.AppleTeamID, kv, logr,
		)
		if err != nil {
			logr.Error("failed to load apple credentials", slog.Any("error", err))
			os.Exit(1)
		}
		apns = provider.NewAPNsDispatcher(credentials, cfg.AppleBundleID, cfg.APNsEndpoint, httpClient, dispatchRetry, logr)
	}

	subscriptions := service.NewSubscriptions(kv, fcm, apns, metricsCollector, logr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: routes.NewRouter(subscriptions, metricsCollector, logr, started),
	}
	go func() {
		logr.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownHTTP(srv, logr)
	logr.Info("web push relay stopped")
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		kv := store.NewRedisStore(client)
		return kv, func() { _ = kv.Close() }, nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		kv, err := store.NewGormStore(db, cfg.StoreTable)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func shutdownHTTP(srv *http.Server, logr *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("failed to shutdown http server", slog.Any("error", err))
	}
}
