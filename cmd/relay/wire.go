package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/archive"
	"github.com/rbaliyan/relay/archive/cached"
	"github.com/rbaliyan/relay/archive/gcs"
	archiveotel "github.com/rbaliyan/relay/archive/otel"
	"github.com/rbaliyan/relay/archive/s3"
	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/eventstream/kafka"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/provider/resend"
	"github.com/rbaliyan/relay/provider/ses"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/store/memory"
	mongostore "github.com/rbaliyan/relay/store/mongo"
	"github.com/rbaliyan/relay/store/postgres"
	"github.com/rbaliyan/relay/webhook"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "relay"

// app holds a connected service and the resources behind it.
type app struct {
	cfg     *config
	logger  *slog.Logger
	svc     relay.Service
	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close shuts the service down first, then the backends in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		if err := a.svc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close service: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newApp builds and connects the service described by cfg. withSender is
// false for operator commands, which never call the provider.
func newApp(ctx context.Context, cfg *config, withSender bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: cfg.logger()}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []relay.Option{
		relay.WithStore(st),
		relay.WithLogger(a.logger),
		relay.WithServiceName(serviceName),
		relay.WithOTel(cfg.OTel),
		relay.WithShutdownTimeout(cfg.ShutdownTimeout),
	}

	if withSender {
		sender, err := a.openSender(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, relay.WithSender(sender))
	}

	if cfg.ResendWebhookSecret != "" {
		verifier, err := resend.NewVerifier(cfg.ResendWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("webhook verifier: %w", err)
		}
		opts = append(opts, relay.WithVerifier(verifier))
	}

	arc, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	if arc != nil {
		opts = append(opts, relay.WithArchive(arc, cfg.ArchiveThreshold))
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithVisibilityTimeout(cfg.VisibilityTimeout),
	}
	if cfg.SendRate > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithRateLimit(store.KindSendEmail, cfg.SendRate, max(1, int(cfg.SendRate))))
	}
	if cfg.WebhookRate > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithRateLimit(store.KindDeliverWebhook, cfg.WebhookRate, max(1, int(cfg.WebhookRate))))
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		a.onClose(func(context.Context) error { return client.Close() })

		notifier, err := dispatch.NewRedisNotifier(ctx, client, serviceName+":tasks", a.logger)
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		a.onClose(func(context.Context) error { return notifier.Close() })
		dispatchOpts = append(dispatchOpts, dispatch.WithNotifier(notifier))
		opts = append(opts, relay.WithRedisClient(client))
	}
	opts = append(opts, relay.WithDispatcherOptions(dispatchOpts...))

	transport := otelhttp.NewTransport(nil)
	opts = append(opts, relay.WithWebhookOptions(webhook.WithClient(webhook.NewClient(cfg.WebhookTimeout, transport))))

	if cfg.KafkaBrokers != "" {
		sink, err := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic, kafka.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		a.onClose(func(context.Context) error { return sink.Close() })
		opts = append(opts, relay.WithEventSink(sink))
	}

	svc, err := relay.NewService(opts...)
	if err != nil {
		return nil, err
	}
	if err := svc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	a.svc = svc
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store {
	case "postgres":
		db, err := sqlx.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose(func(context.Context) error { return db.Close() })
		return postgres.New(db,
			postgres.WithTablePrefix(a.cfg.TablePrefix),
			postgres.WithLogger(a.logger),
		), nil

	case "mongo":
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(a.cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.onClose(client.Disconnect)
		return mongostore.New(client,
			mongostore.WithDatabase(a.cfg.MongoDatabase),
			mongostore.WithCollectionPrefix(a.cfg.TablePrefix),
			mongostore.WithLogger(a.logger),
		), nil
	}
	a.logger.Warn("using the in-memory store; state is lost on exit")
	return memory.New(), nil
}

func (a *app) openSender(ctx context.Context) (provider.Sender, error) {
	if a.cfg.Provider == "ses" {
		opts := []ses.Option{ses.WithLogger(a.logger)}
		if a.cfg.AWSRegion != "" {
			opts = append(opts, ses.WithRegion(a.cfg.AWSRegion))
		}
		if a.cfg.SESConfigurationSet != "" {
			opts = append(opts, ses.WithConfigurationSet(a.cfg.SESConfigurationSet))
		}
		if a.cfg.SESEndpoint != "" {
			opts = append(opts, ses.WithEndpoint(a.cfg.SESEndpoint))
		}
		sender, err := ses.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("ses sender: %w", err)
		}
		return sender, nil
	}
	sender, err := resend.New(a.cfg.ResendAPIKey, resend.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("resend sender: %w", err)
	}
	return sender, nil
}

// openArchive returns the configured archive wrapped with instrumentation
// and a local disk cache, or nil when archiving is off.
func (a *app) openArchive(ctx context.Context) (archive.Archive, error) {
	var backend archive.Archive
	switch a.cfg.Archive {
	case "s3":
		opts := []s3.Option{
			s3.WithBucket(a.cfg.ArchiveBucket),
			s3.WithPrefix(a.cfg.ArchivePrefix),
			s3.WithLogger(a.logger),
		}
		if a.cfg.AWSRegion != "" {
			opts = append(opts, s3.WithRegion(a.cfg.AWSRegion))
		}
		if a.cfg.ArchiveEndpoint != "" {
			opts = append(opts, s3.WithEndpoint(a.cfg.ArchiveEndpoint, true))
		}
		s3a, err := s3.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		backend = s3a

	case "gcs":
		opts := []gcs.Option{
			gcs.WithBucket(a.cfg.ArchiveBucket),
			gcs.WithPrefix(a.cfg.ArchivePrefix),
			gcs.WithLogger(a.logger),
		}
		if a.cfg.ArchiveEndpoint != "" {
			opts = append(opts, gcs.WithEndpoint(a.cfg.ArchiveEndpoint))
		}
		if a.cfg.GCSCredentials != "" {
			opts = append(opts, gcs.WithCredentialsFile(a.cfg.GCSCredentials))
		}
		ga, err := gcs.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		a.onClose(func(context.Context) error { return ga.Close() })
		backend = ga

	default:
		return nil, nil
	}

	if a.cfg.OTel {
		instrumented, err := archiveotel.New(backend, archiveotel.WithServiceName(serviceName))
		if err != nil {
			return nil, fmt.Errorf("instrument archive: %w", err)
		}
		backend = instrumented
	}

	cacheOpts := []cached.Option{cached.WithLogger(a.logger)}
	if a.cfg.ArchiveCacheDir != "" {
		cacheOpts = append(cacheOpts, cached.WithDir(a.cfg.ArchiveCacheDir))
	}
	c, err := cached.New(backend, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive cache: %w", err)
	}
	a.onClose(func(context.Context) error { return c.Close() })
	return c, nil
}
