// Package testutil holds request helpers shared by handler tests.
package testutil

import (
	"net/http"
	"time"

	id "trustcore/pkg/domain"
	"trustcore/pkg/requestcontext"
)

// WithIdentityID simulates what the API key middleware does for an
// authenticated request. Invalid ids are silently ignored.
func WithIdentityID(req *http.Request, identityID string) *http.Request {
	parsed, err := id.ParseIdentityID(identityID)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithIdentityID(req.Context(), parsed))
}

// WithClientMetadata sets the client IP and user agent the metadata
// middleware would normally extract.
func WithClientMetadata(req *http.Request, clientIP, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), clientIP, userAgent))
}

// WithTime pins the request clock.
func WithTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
