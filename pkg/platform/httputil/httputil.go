// Package httputil writes JSON responses and domain errors.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "trustcore/pkg/domain-errors"
)

const maxBodyBytes = 1 << 20

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status via its domain code. Internal errors
// omit the description so store details never reach clients.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.GetCode(err)
	body := map[string]string{"error": string(code)}
	if code != dErrors.CodeInternal {
		var de *dErrors.Error
		if errors.As(err, &de) && de.Message != "" {
			body["error_description"] = de.Message
		}
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), body)
}

// DecodeJSON decodes a bounded request body into dst. Unknown fields are
// rejected.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid JSON body")
	}
	return nil
}

// Validatable is implemented by request bodies that normalize and check
// themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeAndPrepare decodes the body into a new T and validates it. On
// failure the error response is already written and ok is false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (PT, bool) {
	req := PT(new(T))
	if err := DecodeJSON(r, req); err != nil {
		logger.WarnContext(ctx, "failed to decode request",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, err)
		return nil, false
	}
	if err := req.Validate(); err != nil {
		logger.WarnContext(ctx, "invalid request",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, err)
		return nil, false
	}
	return req, true
}
