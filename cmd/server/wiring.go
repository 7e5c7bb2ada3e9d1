package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	credentialservice "trustcore/internal/credential/service"
	credentialstore "trustcore/internal/credential/store"
	identityservice "trustcore/internal/identity/service"
	identitystore "trustcore/internal/identity/store"
	"trustcore/internal/platform/config"
	"trustcore/internal/platform/postgres"
	"trustcore/internal/platform/redis"
	ratelimitmw "trustcore/internal/ratelimit/middleware"
	ratelimitmodels "trustcore/internal/ratelimit/models"
	ratelimitstore "trustcore/internal/ratelimit/store"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/platform/audit/publisher"
	"trustcore/pkg/platform/audit/publishers/kafka"
	auditmemory "trustcore/pkg/platform/audit/store/memory"
	auditpostgres "trustcore/pkg/platform/audit/store/postgres"
)

// backends holds the selected stores plus whatever must be health-checked
// and closed with them.
type backends struct {
	identities  identityservice.Store
	credentials credentialservice.Store
	audit       audit.Store
	rateLimits  ratelimitmw.Store
	health      func(ctx context.Context) error
	collectors  []prometheus.Collector
	closers     []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{
		health:     func(context.Context) error { return nil },
		rateLimits: ratelimitstore.NewInMemory(),
	}

	switch cfg.Store {
	case config.StoreMemory:
		b.identities = identitystore.NewInMemoryStore()
		b.credentials = credentialstore.NewInMemoryStore()
		b.audit = auditmemory.NewInMemoryStore()

	case config.StorePostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = b.Close()
			return nil, err
		}
		b.identities = identitystore.NewPostgres(db)
		b.credentials = credentialstore.NewPostgres(db)
		b.audit = auditpostgres.New(db)
		b.health = db.PingContext
		b.collectors = append(b.collectors, collectors.NewDBStatsCollector(db, "trustcore"))

	case config.StoreRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.identities = identitystore.NewRedis(client.Client)
		b.credentials = credentialstore.NewRedis(client.Client)
		// Redis keeps no audit history of its own; events still reach
		// Kafka when a broker is configured.
		b.audit = auditmemory.NewInMemoryStore()
		b.rateLimits = ratelimitstore.NewRedis(client.Client)
		b.health = client.Health
		b.collectors = append(b.collectors, client.Collector())

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	log.InfoContext(ctx, "stores ready", "store", cfg.Store)
	return b, nil
}

// newAuditPublisher builds the async publisher, streaming to Kafka when
// brokers are configured. The returned close func drains the queue before
// flushing the sink.
func newAuditPublisher(ctx context.Context, cfg config.Config, store audit.Store, log *slog.Logger) (*publisher.Publisher, func(context.Context) error, error) {
	opts := []publisher.Option{
		publisher.WithLogger(log),
		publisher.WithAsyncBuffer(cfg.Kafka.AuditBuffer),
	}

	var sink *kafka.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		var err error
		sink, err = kafka.New(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.AuditTopic}, kafka.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		if err := sink.EnsureTopic(ctx, 0, 0); err != nil {
			log.WarnContext(ctx, "audit topic bootstrap failed", "topic", cfg.Kafka.AuditTopic, "error", err)
		}
		opts = append(opts, publisher.WithSink(sink))
		log.InfoContext(ctx, "audit events streaming to kafka", "topic", cfg.Kafka.AuditTopic, "brokers", cfg.Kafka.Brokers)
	}

	pub := publisher.NewPublisher(store, opts...)
	closeFn := func(ctx context.Context) error {
		pub.Close()
		if sink != nil {
			return sink.Close(ctx)
		}
		return nil
	}
	return pub, closeFn, nil
}

// newRateLimiter builds the per-address limiter over the backend's counter
// store. Counters are shared between instances only with the Redis backend.
func newRateLimiter(cfg config.RateLimitConfig, store ratelimitmw.Store, log *slog.Logger) *ratelimitmw.Middleware {
	limit := func(n int) ratelimitmodels.Limit {
		return ratelimitmodels.Limit{Requests: n, Window: cfg.Window}
	}
	return ratelimitmw.New(store, map[ratelimitmodels.EndpointClass]ratelimitmodels.Limit{
		ratelimitmodels.ClassRegister: limit(cfg.Register),
		ratelimitmodels.ClassIssue:    limit(cfg.Issue),
		ratelimitmodels.ClassValidate: limit(cfg.Validate),
	}, log, ratelimitmw.WithDisabled(cfg.Disabled))
}

// globalLimit is the coarse per-address ceiling over every API route.
func globalLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Disabled {
		return nil
	}
	return ratelimitmw.Global(cfg.Global, cfg.Window)
}
