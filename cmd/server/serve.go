package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trustcore/internal/credential/adapters"
	credentialmetrics "trustcore/internal/credential/metrics"
	"trustcore/internal/credential/secrets"
	credentialservice "trustcore/internal/credential/service"
	identitymetrics "trustcore/internal/identity/metrics"
	identityservice "trustcore/internal/identity/service"
	"trustcore/internal/platform/config"
	"trustcore/internal/platform/httpserver"
	"trustcore/internal/platform/logger"
	"trustcore/internal/platform/metrics"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TRUSTCORE_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("closing stores", "error", err)
		}
	}()

	pub, closeAudit, err := newAuditPublisher(ctx, cfg, b.audit, log)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	for _, c := range b.collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}

	identities, err := identityservice.New(b.identities,
		identityservice.WithLogger(log),
		identityservice.WithAuditPublisher(pub),
		identityservice.WithMetrics(identitymetrics.New(registry)),
		identityservice.WithTrustPolicy(cfg.Trust),
	)
	if err != nil {
		return err
	}

	hasher, err := secrets.NewHasher(cfg.Credential.HashCost)
	if err != nil {
		return err
	}
	credentials, err := credentialservice.New(b.credentials, adapters.NewIdentityAdapter(b.identities), hasher,
		credentialservice.WithLogger(log),
		credentialservice.WithAuditPublisher(pub),
		credentialservice.WithMetrics(credentialmetrics.New(registry)),
	)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Server, newRouter(routerDeps{
		identities:  identities,
		credentials: credentials,
		gatherer:    registry,
		health:      b.health,
		degraded:    pub.Degraded,
		limiter:     newRateLimiter(cfg.RateLimit, b.rateLimits, log),
		global:      globalLimit(cfg.RateLimit),
		corsOrigins: cfg.Server.CORSOrigins,
		proxies:     cfg.Server.TrustedProxies,
		logger:      log,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting trustcore", "addr", cfg.Server.Addr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if auditErr := closeAudit(shutdownCtx); auditErr != nil {
			log.Warn("audit flush incomplete", "error", auditErr)
		}
		return err
	})
	return g.Wait()
}
