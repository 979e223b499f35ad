// Command notifier runs the notification service: Kafka ingestion,
// the routing core, the retry and digest engines, and the admin HTTP
// API, all sharing one PostgreSQL and one Redis connection.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/finvault/notifier/internal/audit"
	"github.com/finvault/notifier/internal/cache"
	"github.com/finvault/notifier/internal/config"
	"github.com/finvault/notifier/internal/database"
	"github.com/finvault/notifier/internal/httpserver"
	"github.com/finvault/notifier/internal/ingest"
	"github.com/finvault/notifier/internal/notification"
	"github.com/finvault/notifier/internal/preferences"
	"github.com/finvault/notifier/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		telemetry.GetGlobalLogger().WithError(err).Error("service exited with error")
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := telemetry.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	if err := telemetry.InitGlobalLogger(logCfg); err != nil {
		return err
	}
	log := telemetry.GetGlobalLogger()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.WithError(err).Warn("sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(context.Background()); err != nil {
		return err
	}

	redisClient, err := cache.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	cipher, err := preferences.NewFieldCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	prefsStore := preferences.NewCachedStore(preferences.NewStore(db.DB, cipher))
	historyStore := notification.NewPostgresHistoryStore(db.DB)
	dlqStore := notification.NewPostgresDLQStore(db.DB)
	budgetStore := notification.NewRedisRateBudgetStore(redisClient)
	dedupStore := notification.NewRedisDedupStore(redisClient)
	digestQueue := notification.NewRedisDigestQueue(redisClient, cfg.Pipeline)

	auditPublisher := audit.NewPublisher(audit.PublisherConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.AuditTopic,
	})
	defer func() { _ = auditPublisher.Close() }()

	emailSender := notification.NewEmailSender(notification.EmailSenderConfig{
		Enabled:   cfg.Email.Enabled,
		BaseURL:   cfg.Email.BaseURL,
		APIKey:    cfg.Email.APIKey,
		FromName:  cfg.EmailFromName,
		FromEmail: cfg.EmailFromAddress,
		Timeout:   cfg.Pipeline.ProviderTimeout,
	})

	router := notification.NewRouter(cfg.Pipeline, notification.RouterDeps{
		Dedup:       dedupStore,
		Preferences: prefsStore,
		Budget:      budgetStore,
		History:     historyStore,
		DigestQueue: digestQueue,
		Audit:       auditPublisher,
		Senders: []notification.Sender{
			notification.NewSocketSender(notification.SocketSenderConfig{
				Enabled: cfg.Socket.Enabled,
				BaseURL: cfg.Socket.BaseURL,
				APIKey:  cfg.Socket.APIKey,
				Timeout: cfg.Pipeline.SocketTimeout,
			}),
			notification.NewSMSSender(notification.SMSSenderConfig{
				Enabled:           cfg.SMS.Enabled,
				BaseURL:           cfg.SMS.BaseURL,
				APIKey:            cfg.SMS.APIKey,
				From:              cfg.SMSFrom,
				UnsubscribeSuffix: cfg.SMSUnsubscribeSuffix,
				Timeout:           cfg.Pipeline.ProviderTimeout,
			}),
			emailSender,
			notification.NewPushSender(notification.PushSenderConfig{
				Enabled: cfg.Push.Enabled,
				BaseURL: cfg.Push.BaseURL,
				APIKey:  cfg.Push.APIKey,
				Timeout: cfg.Pipeline.ProviderTimeout,
			}),
		},
	})

	retryEngine := notification.NewRetryEngine(cfg.Pipeline, router, historyStore, prefsStore, dlqStore)
	digestEngine := notification.NewDigestEngine(cfg.Pipeline, digestQueue, historyStore, prefsStore, emailSender)

	server := httpserver.NewServer(httpserver.Config{
		Addr:            cfg.HTTPAddr,
		APIKey:          cfg.HTTPAPIKey,
		ShutdownTimeout: cfg.ShutdownGrace,
	}, httpserver.Deps{
		Router:      router,
		Retry:       retryEngine,
		Digest:      digestEngine,
		Budget:      budgetStore,
		History:     historyStore,
		DLQ:         dlqStore,
		Preferences: prefsStore,
		Audit:       auditPublisher,
		DB:          db.DB,
		Redis:       redisClient,
	})

	consumers := []*ingest.Consumer{
		ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TransactionTopic,
			GroupID: cfg.Kafka.GroupID,
			Kinds:   ingest.TransactionEvents,
		}, router, dlqStore),
		ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.SecurityTopic,
			GroupID: cfg.Kafka.GroupID,
			Kinds:   ingest.SecurityEvents,
		}, router, dlqStore),
		ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.FraudTopic,
			GroupID: cfg.Kafka.GroupID,
			Kinds:   ingest.FraudEvents,
		}, router, dlqStore),
		ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.UserTopic,
			GroupID: cfg.Kafka.GroupID,
			Kinds:   ingest.UserEvents,
		}, router, dlqStore),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return retryEngine.Run(gctx) })
	g.Go(func() error { return digestEngine.Run(gctx) })
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}

	log.WithContext(ctx).WithField("environment", cfg.Environment).Info("notification service started")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.WithContext(ctx).Info("notification service shut down cleanly")
		return nil
	}
	return err
}
