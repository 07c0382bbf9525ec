package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/admin"
	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/config"
	"github.com/example/crm-messaging/internal/connectivity"
	"github.com/example/crm-messaging/internal/dedup"
	"github.com/example/crm-messaging/internal/logger"
	"github.com/example/crm-messaging/internal/notify"
	"github.com/example/crm-messaging/internal/pipeline"
	"github.com/example/crm-messaging/internal/processor"
	"github.com/example/crm-messaging/internal/provider"
	"github.com/example/crm-messaging/internal/retry"
	"github.com/example/crm-messaging/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "delivery-worker").Logger()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	docs, err := store.NewRedisStore(ctx, redisClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect document store")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	var notifier notify.Notifier
	if cfg.Alerts.WebhookURL != "" {
		notifier, err = notify.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure alert webhook")
		}
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	brokerClient, err := broker.NewClient(broker.Config{
		URL:                  cfg.Broker.URL,
		Exchange:             cfg.Broker.Exchange,
		Prefetch:             cfg.Broker.Prefetch,
		ReconnectMaxAttempts: cfg.Broker.ReconnectMaxAttempts,
		ReconnectStep:        cfg.Broker.ReconnectStep,
		PublishTimeout:       cfg.Broker.PublishTimeout,
		Queues: []broker.QueueSpec{
			{Name: cfg.Queues.Outbound.Name, TTL: cfg.Queues.Outbound.TTL},
			{Name: cfg.Queues.Inbound.Name, TTL: cfg.Queues.Inbound.TTL},
			{Name: cfg.Queues.Webhook.Name, TTL: cfg.Queues.Webhook.TTL},
		},
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build broker client")
	}
	defer func() {
		if err := brokerClient.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close broker client")
		}
	}()

	gateway, err := provider.NewHTTPProvider(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		log,
		provider.WithTimeout(cfg.Provider.Timeout),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build delivery provider")
	}

	sink := pipeline.NewLogSink(log)
	publisher := pipeline.NewPublisher(brokerClient, cfg.Queues.Outbound.Name)

	retryMgr, err := retry.NewManager(&retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: cfg.Retry.BackoffMultiplier,
		Jitter:     cfg.Retry.JitterEnabled,
	}, retry.Dependencies{
		Store:     docs,
		Publisher: publisher,
		Notifier:  notifier,
		Sink:      sink,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build retry manager")
	}

	proc, err := processor.New(processor.Config{
		DefaultInstance: cfg.Provider.Instance,
	}, processor.Dependencies{
		Store:    docs,
		Provider: gateway,
		Retries:  retryMgr,
		Sink:     sink,
		Logger:   log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build outbound processor")
	}

	cache := dedup.NewCache(log,
		dedup.WithBaseTTL(cfg.Dedup.BaseTTL),
		dedup.WithMaxEntries(cfg.Dedup.MaxEntries),
	)

	monitor := connectivity.NewMonitor(cfg.Connectivity.Endpoints, notifier, log,
		connectivity.WithFailureThreshold(cfg.Connectivity.FailureThreshold),
		connectivity.WithCooldown(cfg.Connectivity.Cooldown),
		connectivity.WithProbeTimeout(cfg.Connectivity.ProbeTimeout),
		connectivity.WithProbeInterval(cfg.Connectivity.ProbeInterval),
		connectivity.WithAutoFixDelay(cfg.Connectivity.AutoFixDelay),
	)

	manager, err := pipeline.NewManager(pipeline.Config{
		OutboundQueue: cfg.Queues.Outbound.Name,
		InboundQueue:  cfg.Queues.Inbound.Name,
		WebhookQueue:  cfg.Queues.Webhook.Name,
	}, pipeline.Dependencies{
		Broker:    brokerClient,
		Retries:   retryMgr,
		Processor: proc,
		Dedup:     cache,
		Monitor:   monitor,
		Notifier:  notifier,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline manager")
	}

	adminSrv, err := admin.NewServer(admin.Config{
		Queues: []string{
			cfg.Queues.Outbound.Name, broker.DLQName(cfg.Queues.Outbound.Name),
			cfg.Queues.Inbound.Name, broker.DLQName(cfg.Queues.Inbound.Name),
			cfg.Queues.Webhook.Name, broker.DLQName(cfg.Queues.Webhook.Name),
		},
	}, brokerClient, retryMgr, docs, monitor, cache, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build admin server")
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           adminSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := manager.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		log.Info().Int("port", cfg.App.Port).Msg("admin api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().
		Str("outbound_queue", cfg.Queues.Outbound.Name).
		Str("webhook_queue", cfg.Queues.Webhook.Name).
		Msg("delivery worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("pipeline terminated with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown failed")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("delivery worker init failed")
}
