package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ledgerly/model"
)

// FieldRegistry is the field definition surface served over HTTP.
type FieldRegistry interface {
	Definitions(ctx context.Context, module, entity string, includeDisabled bool) ([]model.FieldDefinition, error)
	Upsert(ctx context.Context, def model.FieldDefinition) (model.FieldDefinition, error)
	Disable(ctx context.Context, module, entity, key string) (model.FieldDefinition, error)
	Reorder(ctx context.Context, module, entity string, orderedKeys []string) ([]model.FieldDefinition, error)
}

// EntityCatalog lists the configured entities.
type EntityCatalog interface {
	Require(module, entity string) (model.EntityDefinition, error)
	All() []model.EntityDefinition
}

type reorderRequest struct {
	Order []string `json:"order"`
}

type fieldsResponse struct {
	Fields []model.FieldDefinition `json:"fields"`
}

// FieldHandler serves /entities and /fields. Reads are open to every
// authenticated caller; writes are mounted behind RequireRole.
type FieldHandler struct {
	fields   FieldRegistry
	entities EntityCatalog
}

// NewFieldHandler creates a FieldHandler.
func NewFieldHandler(fields FieldRegistry, entities EntityCatalog) *FieldHandler {
	return &FieldHandler{fields: fields, entities: entities}
}

// HandleEntities serves GET /entities.
func (h *FieldHandler) HandleEntities(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"entities": h.entities.All()})
}

// HandleDefinitions serves GET /fields/{module}/{entity}. Disabled fields are
// included only when include_disabled=true and hidden ones only when
// include_hidden=true. Hidden fields are still validated and stored.
func (h *FieldHandler) HandleDefinitions(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	if _, err := h.entities.Require(module, entity); err != nil {
		writeRequestError(w, r, err)
		return
	}
	includeDisabled, _ := strconv.ParseBool(r.URL.Query().Get("include_disabled"))
	defs, err := h.fields.Definitions(r.Context(), module, entity, includeDisabled)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	if includeHidden, _ := strconv.ParseBool(r.URL.Query().Get("include_hidden")); !includeHidden {
		defs = visibleOnly(defs)
	}
	WriteJSON(w, http.StatusOK, fieldsResponse{Fields: defs})
}

// HandleUpsert serves PUT /fields/{module}/{entity}/{key}. The path decides
// which field is written regardless of the body's identifiers; is_enabled
// and visible default to true when omitted.
func (h *FieldHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	if _, err := h.entities.Require(module, entity); err != nil {
		writeRequestError(w, r, err)
		return
	}
	def := model.FieldDefinition{IsEnabled: true, Visible: true}
	if err := decodeJSON(r, &def); err != nil {
		writeRequestError(w, r, err)
		return
	}
	def.Module, def.Entity, def.Key = module, entity, chi.URLParam(r, "key")
	saved, err := h.fields.Upsert(r.Context(), def)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

// HandleDisable serves DELETE /fields/{module}/{entity}/{key}.
func (h *FieldHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	def, err := h.fields.Disable(r.Context(), module, entity, chi.URLParam(r, "key"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}

// HandleReorder serves PUT /fields/{module}/{entity} with {"order": [...]}.
func (h *FieldHandler) HandleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, err)
		return
	}
	module, entity := entityParams(r)
	defs, err := h.fields.Reorder(r.Context(), module, entity, req.Order)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, fieldsResponse{Fields: defs})
}

func visibleOnly(defs []model.FieldDefinition) []model.FieldDefinition {
	out := make([]model.FieldDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Visible {
			out = append(out, d)
		}
	}
	return out
}
