package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/knowledge"
	"github.com/quern-ai/quern/internal/log"
)

// maxIngestBodyBytes caps POST /ingest request bodies. Documents arrive
// as raw text, so the cap is more generous than the query endpoint's.
const maxIngestBodyBytes = 8 << 20

// ingestHandler serves POST /ingest.
type ingestHandler struct {
	pipeline Ingestor
	logger   log.Logger
}

// ingestDocumentResult is the per-document outcome in an ingest response.
type ingestDocumentResult struct {
	SourceURI  string `json:"source_uri"`
	DocumentID string `json:"document_id,omitempty"`
	Chunks     int    `json:"chunks"`
	Error      string `json:"error,omitempty"`
}

// ingestResponse reports per-document outcomes plus totals.
type ingestResponse struct {
	Documents []ingestDocumentResult `json:"documents"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
}

// decodeIngestBody accepts either a single document object or an array
// of documents.
func decodeIngestBody(r io.Reader) ([]knowledge.Input, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []knowledge.Input
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}

	var one knowledge.Input
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []knowledge.Input{one}, nil
}

// ingest indexes one document or a batch and reports per-document
// outcomes. A failing document never aborts the batch, so a partial
// failure returns 207 with the full report.
func (h *ingestHandler) ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)

	inputs, err := decodeIngestBody(r.Body)
	if err != nil {
		writeDecodeError(w, err, h.logger)
		return
	}
	if len(inputs) == 0 {
		WriteError(w, http.StatusBadRequest, "empty_batch", "at least one document is required", h.logger)
		return
	}

	report := h.pipeline.Ingest(r.Context(), inputs...)

	resp := ingestResponse{
		Documents: make([]ingestDocumentResult, len(report.Results)),
		Succeeded: report.Succeeded(),
		Failed:    report.Failed(),
	}
	for i, res := range report.Results {
		out := ingestDocumentResult{SourceURI: res.SourceURI, Chunks: res.Chunks}
		if res.DocumentID != uuid.Nil {
			out.DocumentID = res.DocumentID.String()
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		resp.Documents[i] = out
	}

	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	WriteJSON(w, status, resp)
}
