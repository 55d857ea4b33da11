package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/log"
)

// sessionHandler serves DELETE /session/{session_id}.
type sessionHandler struct {
	sessions SessionResetter
	logger   log.Logger
}

// reset clears a conversation's memory. Resetting a session that does
// not exist is a no-op, so a well-formed request always returns 204.
func (h *sessionHandler) reset(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_session_id", "session_id must be a UUID", h.logger)
		return
	}

	if err := h.sessions.Delete(r.Context(), sessionID); err != nil {
		h.logger.Error("resetting session", "error", err, "session_id", sessionID)
		WriteError(w, http.StatusInternalServerError, "reset_failed", "failed to reset session", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
