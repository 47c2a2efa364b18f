package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ledgerly/model"
)

// PermissionAdmin reads and replaces stored permissions. Implementations
// enforce the administrator requirement themselves.
type PermissionAdmin interface {
	Get(ctx context.Context, rctx *model.RequestContext, userID, module, entity string) (*model.Permission, error)
	List(ctx context.Context, rctx *model.RequestContext, userID string) ([]*model.Permission, error)
	Set(ctx context.Context, rctx *model.RequestContext, p *model.Permission) (*model.Permission, error)
}

// PermissionHandler serves /permissions.
type PermissionHandler struct {
	perms PermissionAdmin
}

// NewPermissionHandler creates a PermissionHandler.
func NewPermissionHandler(perms PermissionAdmin) *PermissionHandler {
	return &PermissionHandler{perms: perms}
}

// HandleList serves GET /permissions/{userID}.
func (h *PermissionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	perms, err := h.perms.List(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// HandleGet serves GET /permissions/{userID}/{module}/{entity}.
func (h *PermissionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	p, err := h.perms.Get(r.Context(), model.MustRequestContext(r.Context()), chi.URLParam(r, "userID"), module, entity)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// HandleSet serves PUT /permissions/{userID}/{module}/{entity}. The body
// replaces the stored permission wholesale.
func (h *PermissionHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	var p model.Permission
	if err := decodeJSON(r, &p); err != nil {
		writeRequestError(w, r, err)
		return
	}
	p.UserID = chi.URLParam(r, "userID")
	p.Module, p.Entity = entityParams(r)
	saved, err := h.perms.Set(r.Context(), model.MustRequestContext(r.Context()), &p)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}
