package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/chat"
	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/log"
)

// maxQueryBodyBytes caps POST /query request bodies.
const maxQueryBodyBytes = 1 << 20

// queryHandler serves POST /query.
type queryHandler struct {
	chat   Generator
	logger log.Logger
}

// queryRequest is the POST /query body.
type queryRequest struct {
	SessionID string            `json:"session_id"`
	Text      string            `json:"text"`
	Filter    map[string]string `json:"filter,omitempty"`
}

// query answers one question: {"session_id", "text"} in,
// {"answer", "sources", "usage"} out.
func (h *queryHandler) query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodyBytes)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err, h.logger)
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_session_id", "session_id must be a UUID", h.logger)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, http.StatusBadRequest, "missing_text", "text is required", h.logger)
		return
	}

	resp, err := h.chat.Generate(r.Context(), chat.Request{
		SessionID: sessionID,
		Text:      req.Text,
		Filter:    index.Filter(req.Filter),
	})
	if err != nil {
		status, code, message := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("query failed", "error", err, "session_id", sessionID, "status", status)
		} else {
			h.logger.Warn("query failed", "error", err, "session_id", sessionID, "status", status)
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		WriteError(w, status, code, message, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}
