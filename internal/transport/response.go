// Package transport contains the HTTP router, middleware chain, and the
// request handlers that expose records, approvals, field definitions,
// permissions, and real-time event streams.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/ledgerly/model"
)

// retryAfterSeconds is advertised on STORAGE_UNAVAILABLE responses.
const retryAfterSeconds = "1"

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrValidationFailed:     http.StatusUnprocessableEntity,
	model.ErrAccessDenied:         http.StatusForbidden,
	model.ErrMutationNotPermitted: http.StatusForbidden,
	model.ErrColumnNotEditable:    http.StatusForbidden,
	model.ErrRowOutOfScope:        http.StatusForbidden,
	model.ErrVersionConflict:      http.StatusConflict,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrIllegalTransition:    http.StatusConflict,
	model.ErrStorageUnavailable:   http.StatusServiceUnavailable,
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrInternalError:        http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code, or 500 if unknown.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as a JSON error body with the matching HTTP status.
// Errors that are not envelopes are rendered as INTERNAL_ERROR so that no
// infrastructure detail reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if ee.Retryable() {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// writeRequestError writes err after stamping the request's trace ID into it.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	if ee, ok := model.AsEnvelope(err); ok {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil && ee.TraceID == "" {
			stamped := *ee
			stamped.TraceID = rctx.TraceID
			err = &stamped
		}
	}
	WriteError(w, err)
}
