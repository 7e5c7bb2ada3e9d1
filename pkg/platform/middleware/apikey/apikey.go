// Package apikey authenticates callers presenting an API credential as a
// bearer token.
package apikey

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	"trustcore/pkg/platform/httputil"
	"trustcore/pkg/requestcontext"
)

// Resolver maps a presented secret to its owner. ok is false when the
// secret does not authenticate.
type Resolver func(ctx context.Context, secret string) (owner id.IdentityID, ok bool, err error)

// BearerSecret extracts the token from an Authorization header.
func BearerSecret(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate resolves the bearer credential, when present, and records
// the owner as the caller. Requests without an Authorization header pass
// through unauthenticated; a header that fails to authenticate is rejected.
func Authenticate(resolve Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			secret, ok := BearerSecret(r)
			if !ok {
				unauthorized(w, "malformed authorization header")
				return
			}
			owner, valid, err := resolve(ctx, secret)
			if err != nil {
				if logger != nil {
					logger.ErrorContext(ctx, "credential resolution failed",
						"error", err,
						"request_id", requestcontext.RequestID(ctx),
					)
				}
				httputil.WriteError(w, err)
				return
			}
			if !valid {
				if logger != nil {
					logger.WarnContext(ctx, "rejected credential",
						"client_ip", requestcontext.ClientIP(ctx),
						"request_id", requestcontext.RequestID(ctx),
					)
				}
				unauthorized(w, "invalid credential")
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithIdentityID(ctx, owner)))
		})
	}
}

// RequireIdentity rejects requests that were not authenticated upstream.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestcontext.IdentityID(r.Context()).IsNil() {
			unauthorized(w, "credential required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="trustcore"`)
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, msg))
}
