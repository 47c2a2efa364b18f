package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ledgerly/model"
)

// ApprovalService moves records through the approval lifecycle.
type ApprovalService interface {
	Submit(ctx context.Context, rctx *model.RequestContext, module, entity, id string) (*model.Record, error)
	Approve(ctx context.Context, rctx *model.RequestContext, module, entity, id, comment string) (*model.Record, error)
	Reject(ctx context.Context, rctx *model.RequestContext, module, entity, id, comment string) (*model.Record, error)
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

// ApprovalHandler serves the submit, approve, and reject actions.
type ApprovalHandler struct {
	machine ApprovalService
}

// NewApprovalHandler creates an ApprovalHandler.
func NewApprovalHandler(machine ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{machine: machine}
}

// HandleSubmit serves POST /records/{module}/{entity}/{id}/submit.
func (h *ApprovalHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	module, entity := entityParams(r)
	rec, err := h.machine.Submit(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"))
	h.respond(w, r, rec, err)
}

// HandleApprove serves POST /records/{module}/{entity}/{id}/approve. The
// comment body is optional.
func (h *ApprovalHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDecision(r)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	module, entity := entityParams(r)
	rec, err := h.machine.Approve(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"), req.Comment)
	h.respond(w, r, rec, err)
}

// HandleReject serves POST /records/{module}/{entity}/{id}/reject.
func (h *ApprovalHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDecision(r)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	module, entity := entityParams(r)
	rec, err := h.machine.Reject(r.Context(), model.MustRequestContext(r.Context()), module, entity, chi.URLParam(r, "id"), req.Comment)
	h.respond(w, r, rec, err)
}

func (h *ApprovalHandler) respond(w http.ResponseWriter, r *http.Request, rec *model.Record, err error) {
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func decodeDecision(r *http.Request) (decisionRequest, error) {
	var req decisionRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decodeJSON(r, &req)
	return req, err
}
