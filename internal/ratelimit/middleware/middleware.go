// Package middleware throttles anonymous and credential endpoints per client
// address.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"trustcore/internal/ratelimit/models"
	"trustcore/internal/ratelimit/store"
	"trustcore/pkg/platform/circuit"
	"trustcore/pkg/platform/httputil"
	"trustcore/pkg/requestcontext"
)

// StatusHeader is set to "degraded" while decisions come from the local
// fallback instead of the shared store.
const StatusHeader = "X-RateLimit-Status"

// Store admits or rejects one request against a keyed budget.
type Store interface {
	Allow(ctx context.Context, key string, limit models.Limit) (*models.Result, error)
}

type Middleware struct {
	primary  Store
	fallback Store
	breaker  *circuit.Breaker
	limits   map[models.EndpointClass]models.Limit
	logger   *slog.Logger
	disabled bool
}

type Option func(*Middleware)

// WithDisabled turns every limiter into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithFallback replaces the in-memory store used while the breaker is open.
func WithFallback(s Store) Option {
	return func(m *Middleware) {
		m.fallback = s
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Middleware) {
		m.breaker = b
	}
}

func New(primary Store, limits map[models.EndpointClass]models.Limit, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		primary:  primary,
		fallback: store.NewInMemory(),
		breaker:  circuit.New("ratelimit"),
		limits:   limits,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// Limit returns middleware enforcing the budget configured for class. A
// class without a positive budget is not limited.
func (m *Middleware) Limit(class models.EndpointClass) func(http.Handler) http.Handler {
	limit, ok := m.limits[class]
	if m.disabled || !ok || limit.Requests <= 0 || limit.Window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := models.Key(class, requestcontext.ClientIP(ctx))

			result, degraded := m.check(ctx, key, class, limit)
			if result == nil {
				next.ServeHTTP(w, r)
				return
			}

			addHeaders(w, result)
			if degraded {
				w.Header().Set(StatusHeader, "degraded")
			}
			if !result.Allowed {
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"request_id", requestcontext.RequestID(ctx),
					"class", class,
				)
				writeExceeded(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// check consults the shared store and switches to the fallback once the
// breaker opens. A nil result means the request is let through unchecked.
func (m *Middleware) check(ctx context.Context, key string, class models.EndpointClass, limit models.Limit) (*models.Result, bool) {
	result, err := m.primary.Allow(ctx, key, limit)
	if err != nil {
		useFallback, change := m.breaker.RecordFailure()
		if change.Opened {
			m.logger.ErrorContext(ctx, "rate limit store unavailable, using local fallback",
				"class", class,
				"error", err,
			)
		} else if !useFallback {
			m.logger.WarnContext(ctx, "rate limit check failed, allowing request",
				"class", class,
				"error", err,
			)
		}
		if !useFallback {
			return nil, false
		}
		return m.allowFallback(ctx, key, class, limit), true
	}

	usePrimary, change := m.breaker.RecordSuccess()
	if change.Closed {
		m.logger.InfoContext(ctx, "rate limit store recovered", "class", class)
	}
	if usePrimary {
		return result, false
	}
	return m.allowFallback(ctx, key, class, limit), true
}

func (m *Middleware) allowFallback(ctx context.Context, key string, class models.EndpointClass, limit models.Limit) *models.Result {
	result, err := m.fallback.Allow(ctx, key, limit)
	if err != nil {
		m.logger.ErrorContext(ctx, "fallback rate limit check failed", "class", class, "error", err)
		return nil
	}
	return result
}

func addHeaders(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeExceeded(w http.ResponseWriter, result *models.Result) {
	retry := result.RetryAfter
	if retry < 1 {
		retry = int(time.Until(result.ResetAt).Seconds()) + 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	httputil.WriteJSON(w, http.StatusTooManyRequests, models.ExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests from this address. Please try again later.",
		RetryAfter: retry,
	})
}
