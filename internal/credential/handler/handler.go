// Package handler exposes credential lifecycle endpoints over HTTP.
package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustcore/internal/authz"
	"trustcore/internal/credential/models"
	identitymodels "trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	"trustcore/pkg/platform/httputil"
	"trustcore/pkg/platform/middleware/apikey"
	"trustcore/pkg/requestcontext"
)

// FingerprintHeader lets an identity bootstrap its first credential by
// presenting the fingerprint it registered with.
const FingerprintHeader = "X-Fingerprint"

type Service interface {
	Issue(ctx context.Context, identityID id.IdentityID) (*models.Credential, string, error)
	Bootstrap(ctx context.Context, identityID id.IdentityID) (*models.Credential, string, error)
	Validate(ctx context.Context, secret string) (models.ValidationResult, error)
	Revoke(ctx context.Context, secret string, callerIdentityID id.IdentityID) error
	ListForIdentity(ctx context.Context, identityID id.IdentityID) ([]*models.Credential, error)
}

// IdentityReader loads identities for fingerprint and role checks.
type IdentityReader interface {
	GetIdentity(ctx context.Context, identityID id.IdentityID) (*identitymodels.Identity, error)
}

type Handler struct {
	service       Service
	identities    IdentityReader
	logger        *slog.Logger
	issueLimit    func(http.Handler) http.Handler
	validateLimit func(http.Handler) http.Handler
}

type Option func(*Handler)

func WithIssueLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.issueLimit = mw
	}
}

func WithValidateLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.validateLimit = mw
	}
}

func New(service Service, identities IdentityReader, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		service:       service,
		identities:    identities,
		logger:        logger,
		issueLimit:    passthrough,
		validateLimit: passthrough,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func passthrough(next http.Handler) http.Handler { return next }

// Register mounts credential endpoints. Issuance is reachable without a
// credential so long as the fingerprint header matches and the identity has
// never been issued one.
func (h *Handler) Register(r chi.Router) {
	r.With(h.issueLimit).Post("/identities/{id}/credentials", h.HandleIssue)
	r.Group(func(r chi.Router) {
		r.Use(apikey.RequireIdentity)
		r.Get("/identities/{id}/credentials", h.HandleList)
		r.With(h.validateLimit).Post("/credentials/validate", h.HandleValidate)
		r.Post("/credentials/revoke", h.HandleRevoke)
	})
}

// HandleIssue handles POST /identities/{id}/credentials.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	bootstrap, ok := h.authorizeIssue(w, r, ownerID)
	if !ok {
		return
	}

	issue := h.service.Issue
	if bootstrap {
		issue = h.service.Bootstrap
	}
	credential, secret, err := issue(ctx, ownerID)
	if err != nil {
		h.writeServiceError(ctx, w, "credential issuance failed", ownerID, err)
		return
	}

	h.logger.InfoContext(ctx, "credential issued",
		"request_id", requestcontext.RequestID(ctx),
		"identity_id", ownerID,
		"key_prefix", credential.KeyPrefix,
		"bootstrap", bootstrap,
	)
	httputil.WriteJSON(w, http.StatusCreated, IssueResponse{
		Credential: FromCredential(credential),
		Secret:     secret,
	})
}

// HandleList handles GET /identities/{id}/credentials.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	if callerID := requestcontext.IdentityID(ctx); callerID != ownerID {
		if !h.callerHas(w, r, authz.PermCredentialsRead) {
			return
		}
	}

	credentials, err := h.service.ListForIdentity(ctx, ownerID)
	if err != nil {
		h.writeServiceError(ctx, w, "credential listing failed", ownerID, err)
		return
	}

	resp := ListResponse{Credentials: make([]*CredentialResponse, 0, len(credentials))}
	for _, c := range credentials {
		resp.Credentials = append(resp.Credentials, FromCredential(c))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleValidate handles POST /credentials/validate.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[SecretRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Validate(ctx, req.Secret)
	if err != nil {
		h.writeServiceError(ctx, w, "credential validation failed", requestcontext.IdentityID(ctx), err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromValidation(res))
}

// HandleRevoke handles POST /credentials/revoke. Only the owner may revoke.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[SecretRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	callerID := requestcontext.IdentityID(ctx)
	if err := h.service.Revoke(ctx, req.Secret, callerID); err != nil {
		h.writeServiceError(ctx, w, "credential revocation failed", callerID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeIssue admits the identity itself, a caller holding
// credentials:issue, or an anonymous caller presenting the registered
// fingerprint. The last case is reported as a bootstrap, which the service
// only honors for an identity's first credential.
func (h *Handler) authorizeIssue(w http.ResponseWriter, r *http.Request, ownerID id.IdentityID) (bootstrap, ok bool) {
	ctx := r.Context()
	callerID := requestcontext.IdentityID(ctx)
	if callerID == ownerID {
		return false, true
	}
	if !callerID.IsNil() {
		return false, h.callerHas(w, r, authz.PermCredentialIssue)
	}

	presented := r.Header.Get(FingerprintHeader)
	if presented == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "credential or fingerprint required"))
		return false, false
	}
	owner, err := h.identities.GetIdentity(ctx, ownerID)
	if err != nil {
		h.writeServiceError(ctx, w, "identity lookup failed", ownerID, err)
		return false, false
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(owner.FingerprintValue)) != 1 {
		h.logger.WarnContext(ctx, "fingerprint mismatch on credential bootstrap",
			"request_id", requestcontext.RequestID(ctx),
			"identity_id", ownerID,
			"client_ip", requestcontext.ClientIP(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "fingerprint does not match identity"))
		return false, false
	}
	return true, true
}

func (h *Handler) callerHas(w http.ResponseWriter, r *http.Request, perm authz.Permission) bool {
	ctx := r.Context()
	callerID := requestcontext.IdentityID(ctx)
	caller, err := h.identities.GetIdentity(ctx, callerID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "caller identity no longer exists"))
			return false
		}
		h.writeServiceError(ctx, w, "caller lookup failed", callerID, err)
		return false
	}
	if !authz.HasPermission(caller.Roles, perm) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "caller lacks permission "+string(perm)))
		return false
	}
	return true
}

func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (id.IdentityID, bool) {
	identityID, err := id.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.IdentityID{}, false
	}
	return identityID, true
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, msg string, identityID id.IdentityID, err error) {
	level := slog.LevelWarn
	if dErrors.GetCode(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"identity_id", identityID,
		"error", err,
	)
	httputil.WriteError(w, err)
}
