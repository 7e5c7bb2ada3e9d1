package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustcore/internal/credential/adapters"
	credentialhandler "trustcore/internal/credential/handler"
	credentialservice "trustcore/internal/credential/service"
	identityhandler "trustcore/internal/identity/handler"
	identityservice "trustcore/internal/identity/service"
	ratelimitmw "trustcore/internal/ratelimit/middleware"
	ratelimitmodels "trustcore/internal/ratelimit/models"
	"trustcore/pkg/platform/httputil"
	"trustcore/pkg/platform/middleware/apikey"
	"trustcore/pkg/platform/middleware/metadata"
	"trustcore/pkg/platform/middleware/requesttime"
)

type routerDeps struct {
	identities  *identityservice.Service
	credentials *credentialservice.Service
	gatherer    prometheus.Gatherer
	health      func(ctx context.Context) error
	degraded    func() bool
	limiter     *ratelimitmw.Middleware
	global      func(http.Handler) http.Handler
	corsOrigins []string
	proxies     []netip.Prefix
	logger      *slog.Logger
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metadata.NewResolver(d.proxies).ClientMetadata)
	r.Use(requesttime.Middleware)
	if len(d.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Fingerprint", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", healthHandler(d.health, d.degraded))
	r.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if d.global != nil {
			r.Use(d.global)
		}
		r.Use(apikey.Authenticate(adapters.NewAPIKeyResolver(d.credentials), d.logger))
		var (
			identityOpts   []identityhandler.Option
			credentialOpts []credentialhandler.Option
		)
		if d.limiter != nil {
			identityOpts = append(identityOpts,
				identityhandler.WithRegisterLimit(d.limiter.Limit(ratelimitmodels.ClassRegister)))
			credentialOpts = append(credentialOpts,
				credentialhandler.WithIssueLimit(d.limiter.Limit(ratelimitmodels.ClassIssue)),
				credentialhandler.WithValidateLimit(d.limiter.Limit(ratelimitmodels.ClassValidate)))
		}
		identityhandler.New(d.identities, d.logger, identityOpts...).Register(r)
		credentialhandler.New(d.credentials, d.identities, d.logger, credentialOpts...).Register(r)
	})
	return r
}

// healthHandler fails only on the store. A degraded audit sink is reported
// but never takes the API out of rotation.
func healthHandler(check func(ctx context.Context) error, degraded func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if check != nil {
			if err := check(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		body := map[string]string{"status": "ok", "audit": "ok"}
		if degraded != nil && degraded() {
			body["audit"] = "degraded"
		}
		httputil.WriteJSON(w, http.StatusOK, body)
	}
}
