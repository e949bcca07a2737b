package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"mercator-hq/custodian/pkg/compliance"
)

// Error types reported in ErrorDetail.Type.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeConfirmation   = "confirmation_error"
	errTypeNotFound       = "not_found"
	errTypeServer         = "server_error"
)

const internalMessage = "An internal error occurred. Please try again later."

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// writeError maps err onto a status code. Anything not a client error is
// logged and answered with a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *compliance.ValidationError
		aerr *compliance.AuthorizationError
		cerr *compliance.ConfirmationError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorResponse(w, http.StatusBadRequest, errTypeInvalidRequest, verr.Error(), verr.Field)
	case errors.As(err, &aerr):
		s.logger.WarnContext(r.Context(), "request rejected", "route", routePattern(r), "reason", aerr.Reason)
		writeErrorResponse(w, http.StatusUnauthorized, errTypeAuthentication, "unauthorized", "")
	case errors.As(err, &cerr):
		writeErrorResponse(w, http.StatusBadRequest, errTypeConfirmation, cerr.Error(), "")
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "route", routePattern(r), "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, errTypeServer, internalMessage, "")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, typ, message, param string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Type: typ, Param: param}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
