// Package handler exposes the identity ledger over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustcore/internal/authz"
	"trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	"trustcore/pkg/platform/httputil"
	"trustcore/pkg/platform/middleware/apikey"
	"trustcore/pkg/platform/middleware/metadata"
	"trustcore/pkg/requestcontext"
)

// Service is the identity ledger surface the handler needs.
type Service interface {
	Register(ctx context.Context, fingerprintValue, observedAddress string, metadata map[string]any) (*models.Identity, error)
	GetIdentity(ctx context.Context, identityID id.IdentityID) (*models.Identity, error)
	TouchAndEvaluateTrust(ctx context.Context, identityID id.IdentityID, observedAddress string) (*models.Identity, bool, error)
	MutateRoles(ctx context.Context, targetID id.IdentityID, caller *models.Identity, role authz.Role, op models.RoleOp) (*models.Identity, error)
	MutateTags(ctx context.Context, identityID id.IdentityID, tags map[string]any) (*models.Identity, error)
	MergeMetadata(ctx context.Context, identityID id.IdentityID, metadata map[string]any) (*models.Identity, error)
}

// Handler wires identity endpoints to the ledger.
type Handler struct {
	service       Service
	logger        *slog.Logger
	registerLimit func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithRegisterLimit throttles anonymous registration.
func WithRegisterLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.registerLimit = mw
	}
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, logger: logger, registerLimit: passthrough}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func passthrough(next http.Handler) http.Handler { return next }

// Register mounts identity endpoints. Authenticated routes expect
// apikey.Authenticate upstream.
func (h *Handler) Register(r chi.Router) {
	r.With(h.registerLimit).Post("/identities", h.HandleRegister)
	r.Get("/identities/{id}", h.HandleTouch)
	r.Group(func(r chi.Router) {
		r.Use(apikey.RequireIdentity)
		r.Post("/identities/{id}/roles", h.HandleMutateRoles)
		r.Patch("/identities/{id}/tags", h.HandleMutateTags)
		r.Patch("/identities/{id}/metadata", h.HandleMergeMetadata)
	})
}

// HandleRegister handles POST /identities.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	md := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	if _, set := md["device"]; !set {
		md["device"] = metadata.DeviceLabel(requestcontext.UserAgent(ctx))
	}

	identity, err := h.service.Register(ctx, req.FingerprintValue, requestcontext.ClientIP(ctx), md)
	if err != nil {
		h.logger.ErrorContext(ctx, "identity registration failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, FromIdentity(identity))
}

// HandleTouch handles GET /identities/{id}: the request's client address is
// recorded and evaluated before the identity is returned.
func (h *Handler) HandleTouch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identityID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	identity, suspicious, err := h.service.TouchAndEvaluateTrust(ctx, identityID, requestcontext.ClientIP(ctx))
	if err != nil {
		h.writeServiceError(ctx, w, "identity touch failed", identityID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, TouchResponse{
		Identity:   FromIdentity(identity),
		Suspicious: suspicious,
	})
}

// HandleMutateRoles handles POST /identities/{id}/roles.
func (h *Handler) HandleMutateRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	targetID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RoleMutationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	caller, ok := h.loadCaller(w, r)
	if !ok {
		return
	}

	identity, err := h.service.MutateRoles(ctx, targetID, caller, req.parsedRole, req.parsedOp)
	if err != nil {
		h.writeServiceError(ctx, w, "role mutation failed", targetID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, FromIdentity(identity))
}

// HandleMutateTags handles PATCH /identities/{id}/tags. Callers may tag
// themselves; tagging another identity needs the tags:write permission.
func (h *Handler) HandleMutateTags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	targetID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[TagsRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if !h.authorizeOnBehalf(w, r, targetID, authz.PermTagsWrite) {
		return
	}

	identity, err := h.service.MutateTags(ctx, targetID, req.Tags)
	if err != nil {
		h.writeServiceError(ctx, w, "tag update failed", targetID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, FromIdentity(identity))
}

// HandleMergeMetadata handles PATCH /identities/{id}/metadata. Only the
// identity itself may write its metadata.
func (h *Handler) HandleMergeMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	targetID, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[MetadataRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if requestcontext.IdentityID(ctx) != targetID {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "metadata can only be written by its identity"))
		return
	}

	identity, err := h.service.MergeMetadata(ctx, targetID, req.Metadata)
	if err != nil {
		h.writeServiceError(ctx, w, "metadata update failed", targetID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, FromIdentity(identity))
}

func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (id.IdentityID, bool) {
	identityID, err := id.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.IdentityID{}, false
	}
	return identityID, true
}

// loadCaller reads the authenticated caller's current roles from the ledger.
func (h *Handler) loadCaller(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	ctx := r.Context()
	callerID := requestcontext.IdentityID(ctx)
	caller, err := h.service.GetIdentity(ctx, callerID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "caller identity no longer exists"))
			return nil, false
		}
		h.writeServiceError(ctx, w, "caller lookup failed", callerID, err)
		return nil, false
	}
	return caller, true
}

func (h *Handler) authorizeOnBehalf(w http.ResponseWriter, r *http.Request, targetID id.IdentityID, perm authz.Permission) bool {
	if requestcontext.IdentityID(r.Context()) == targetID {
		return true
	}
	caller, ok := h.loadCaller(w, r)
	if !ok {
		return false
	}
	if !authz.HasPermission(caller.Roles, perm) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "caller lacks permission "+string(perm)))
		return false
	}
	return true
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
