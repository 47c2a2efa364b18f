package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ledgerly/model"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// RecordService is the record surface served over HTTP.
type RecordService interface {
	CreateIdempotent(ctx context.Context, rctx *model.RequestContext, module, entity, idempotencyKey string, data map[string]any) (*model.Record, error)
	Update(ctx context.Context, rctx *model.RequestContext, module, entity, id string, data map[string]any, expectedVersion int64) (*model.Record, error)
	Delete(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error)
	Restore(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error)
	Get(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error)
	List(ctx context.Context, rctx *model.RequestContext, module, entity string, q model.ListQuery) (*model.RecordPage, error)
}

// HistoryService returns the audit trail of one record.
type HistoryService interface {
	For(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.RecordHistory, error)
}

type createRecordRequest struct {
	Data map[string]any `json:"data"`
}

type updateRecordRequest struct {
	Data            map[string]any `json:"data"`
	ExpectedVersion *int64         `json:"expected_version"`
}

// RecordHandler serves /records.
type RecordHandler struct {
	records RecordService
	history HistoryService
}

// NewRecordHandler creates a RecordHandler.
func NewRecordHandler(records RecordService, history HistoryService) *RecordHandler {
	return &RecordHandler{records: records, history: history}
}

// HandleList serves GET /records/{module}/{entity}.
func (h *RecordHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	module, entity := entityParams(r)
	page, err := h.records.List(r.Context(), model.MustRequestContext(r.Context()), module, entity, q)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

// HandleCreate serves POST /records/{module}/{entity}.
func (h *RecordHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, err)
		return
	}
	module, entity := entityParams(r)
	rec, err := h.records.CreateIdempotent(r.Context(), model.MustRequestContext(r.Context()),
		module, entity, r.Header.Get(HeaderIdempotencyKey), req.Data)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, rec)
}

// HandleGet serves GET /records/{module}/{entity}/{id}.
func (h *RecordHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	rec, err := h.records.Get(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleUpdate serves PATCH /records/{module}/{entity}/{id}. The body must
// carry the version the caller last read.
func (h *RecordHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if req.ExpectedVersion == nil {
		writeRequestError(w, r, model.NewBadRequestError("expected_version is required"))
		return
	}
	module, entity := entityParams(r)
	rec, err := h.records.Update(r.Context(), model.MustRequestContext(r.Context()),
		module, entity, chi.URLParam(r, "id"), req.Data, *req.ExpectedVersion)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleDelete serves DELETE /records/{module}/{entity}/{id}.
func (h *RecordHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	rec, err := h.records.Delete(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleRestore serves POST /records/{module}/{entity}/{id}/restore.
func (h *RecordHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	rec, err := h.records.Restore(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleHistory serves GET /records/{module}/{entity}/{id}/history.
func (h *RecordHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	hist, err := h.history.For(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, hist)
}

func entityParams(r *http.Request) (module, entity string) {
	return chi.URLParam(r, "module"), chi.URLParam(r, "entity")
}

// parseListQuery reads page, page_size, status, include_deleted, and
// filter[key]=value equality filters from the query string.
func parseListQuery(r *http.Request) (model.ListQuery, error) {
	values := r.URL.Query()
	var q model.ListQuery
	var err error
	if q.Page, err = intParam(values.Get("page")); err != nil {
		return q, model.NewBadRequestError("page must be an integer")
	}
	if q.PageSize, err = intParam(values.Get("page_size")); err != nil {
		return q, model.NewBadRequestError("page_size must be an integer")
	}
	if s := values.Get("status"); s != "" {
		q.Status = model.RecordStatus(s)
		switch q.Status {
		case model.StatusDraft, model.StatusSubmitted, model.StatusApproved, model.StatusRejected:
		default:
			return q, model.NewBadRequestError("unknown status " + strconv.Quote(s))
		}
	}
	if s := values.Get("include_deleted"); s != "" {
		if q.IncludeDeleted, err = strconv.ParseBool(s); err != nil {
			return q, model.NewBadRequestError("include_deleted must be a boolean")
		}
	}
	for k, v := range values {
		key, ok := strings.CutPrefix(k, "filter[")
		if !ok || !strings.HasSuffix(key, "]") || len(v) == 0 {
			continue
		}
		if q.Filters == nil {
			q.Filters = make(map[string]string)
		}
		q.Filters[strings.TrimSuffix(key, "]")] = v[0]
	}
	return q, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// decodeJSON decodes a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return model.NewBadRequestError("request body is required")
		case errors.As(err, &tooLarge):
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("malformed JSON body: " + err.Error())
	}
	if dec.More() {
		return model.NewBadRequestError("request body must contain a single JSON value")
	}
	return nil
}
