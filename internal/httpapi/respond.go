package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/observability/logger"
	"github.com/gymcloud/accessd/internal/wire"
)

// maxOperatorBody caps operator request bodies; config documents are the
// largest payload.
const maxOperatorBody = 64 << 10

type apiError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Field       string `json:"field,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, apiError{Error: code, Description: desc, RequestID: w.Header().Get(middleware.RequestIDHeader)})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxOperatorBody)
	if err := wire.Decode(r.Body, v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}

// errorFor maps the domain error taxonomy onto an HTTP status and body.
func errorFor(err error) (int, apiError) {
	var (
		ve *types.ValidationError
		pd *types.PolicyDeniedError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, apiError{Error: "validation_error", Description: ve.Reason, Field: ve.Field}
	case errors.As(err, &pd):
		return http.StatusForbidden, apiError{Error: "policy_denied", Reason: pd.Reason}
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest, apiError{Error: "validation_error", Description: err.Error()}
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, apiError{Error: "not_found"}
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, apiError{Error: "conflict", Description: err.Error()}
	case errors.Is(err, types.ErrInvalidOrExpiredCode):
		return http.StatusUnauthorized, apiError{Error: "invalid_or_expired_code"}
	case errors.Is(err, types.ErrInvalidState):
		return http.StatusConflict, apiError{Error: "invalid_state", Description: err.Error()}
	case errors.Is(err, types.ErrUnauthenticated):
		return http.StatusUnauthorized, apiError{Error: "unauthenticated"}
	default:
		return http.StatusInternalServerError, apiError{Error: "internal_error", Description: "unexpected server error"}
	}
}

// fail writes err in the encoding the caller asked for. Unexpected errors
// are logged with the request-scoped logger.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorFor(err)
	if status >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("request failed", logger.Err(err))
	}
	body.RequestID = w.Header().Get(middleware.RequestIDHeader)
	respond(w, r, status, body)
}
