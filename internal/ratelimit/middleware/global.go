package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"trustcore/pkg/requestcontext"
)

// Global caps every request from one client address, independent of the
// endpoint classes. It keys on the address resolved by the metadata
// middleware, so it must be mounted after it. Counters are process local.
func Global(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return requestcontext.ClientIP(r.Context()), nil
		}),
	)
}
