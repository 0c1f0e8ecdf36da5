package api

import (
	"io"
	"net/http"

	"github.com/fractary/faber/internal/core"
	"github.com/fractary/faber/internal/service/hooks"
)

// HookValidation is the reply of POST /hooks/validate.
type HookValidation struct {
	Valid bool             `json:"valid"`
	Hook  hooks.Descriptor `json:"hook"`
}

// handleValidateHook validates a JSON hook descriptor. It never executes.
func (s *Server) handleValidateHook(w http.ResponseWriter, r *http.Request) {
	if s.hooks == nil {
		respondError(w, http.StatusNotImplemented, "hook engine not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64*1024))
	if err != nil {
		s.respondDomainError(w, core.ErrValidation(core.CodeInvalidHook, "reading hook descriptor").WithCause(err))
		return
	}
	h, err := hooks.ParseJSON(body)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.hooks.Validate(h); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, HookValidation{Valid: true, Hook: h.Descriptor()})
}
