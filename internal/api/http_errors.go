package api

import (
	"errors"
	"net/http"

	"github.com/fractary/faber/internal/core"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error    string         `json:"error"`
	Category string         `json:"category,omitempty"`
	Code     string         `json:"code,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatConflict, core.ErrCatState:
		return http.StatusConflict, true
	case core.ErrCatLockTimeout:
		return http.StatusServiceUnavailable, true
	case core.ErrCatSecurity:
		return http.StatusForbidden, true
	case core.ErrCatHook:
		return http.StatusBadGateway, true
	case core.ErrCatEscalation:
		return http.StatusPreconditionFailed, true
	default:
		return http.StatusInternalServerError, true
	}
}

// respondDomainError maps err to a status and a structured body.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var domErr *core.DomainError
	errors.As(err, &domErr)
	respondJSON(w, status, ErrorResponse{
		Error:    domErr.Message,
		Category: string(domErr.Category),
		Code:     domErr.Code,
		Details:  domErr.Details,
	})
}
