package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quern-ai/quern/internal/chat"
	"github.com/quern-ai/quern/internal/chunk"
	"github.com/quern-ai/quern/internal/embed"
	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/session"
)

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the JSON shape of every error response:
// {"error": {"code": "...", "message": "..."}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
// Uses buffer-first strategy to ensure headers are only sent after successful
// encoding. This allows returning a proper 500 error if JSON encoding fails.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		slog.Debug("failed to write response body", "error", err)
	}
}

// WriteError writes a JSON error envelope with the given status code.
// Callers log failure details; this leaves only a debug breadcrumb.
func WriteError(w http.ResponseWriter, status int, code, message string, logger log.Logger) {
	logger.Debug("request rejected", "status", status, "code", code)
	WriteJSON(w, status, ErrorEnvelope{Error: ErrorBody{Code: code, Message: message}})
}

// writeDecodeError maps a JSON decode failure onto 400, or 413 when the
// body size cap was hit.
func writeDecodeError(w http.ResponseWriter, err error, logger log.Logger) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", logger)
		return
	}
	WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", logger)
}

// errorStatus maps domain sentinels onto an HTTP status, a stable error
// code, and a client-safe message. Details stay in the server log;
// unrecognized errors are internal.
func errorStatus(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, chunk.ErrInvalidConfiguration),
		errors.Is(err, index.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, embed.ErrInputTooLarge):
		return http.StatusBadRequest, "input_too_large", "input exceeds the embedding size limit"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, chat.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure", "model provider is rate limiting, try again later"
	case errors.Is(err, chat.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open", "service temporarily unavailable"
	case errors.Is(err, chat.ErrUpstreamFailure),
		errors.Is(err, embed.ErrUnavailable):
		return http.StatusBadGateway, "upstream_failure", "model provider failed"
	case errors.Is(err, index.ErrDimensionMismatch):
		return http.StatusInternalServerError, "dimension_mismatch", "index dimensionality conflict"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}
