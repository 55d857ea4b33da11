package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/knowledge"
)

func TestIngest_SingleDocument(t *testing.T) {
	docID := uuid.New()
	ing := &stubIngestor{report: knowledge.Report{Results: []knowledge.DocumentResult{
		{SourceURI: "docs/a.md", DocumentID: docID, Chunks: 3},
	}}}
	h := &ingestHandler{pipeline: ing, logger: discardLogger()}

	body := `{"source_uri": "docs/a.md", "raw_text": "some text", "metadata": {"lang": "en"}}`
	w := postJSON(t, h.ingest, "/ingest", body)

	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, want %d (body: %s)", w.Code, http.StatusOK, w.Body.String())
	}

	if len(ing.gotDocs) != 1 {
		t.Fatalf("pipeline received %d docs, want 1", len(ing.gotDocs))
	}
	if ing.gotDocs[0].SourceURI != "docs/a.md" || ing.gotDocs[0].Metadata["lang"] != "en" {
		t.Errorf("pipeline received %+v", ing.gotDocs[0])
	}

	var resp ingestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Succeeded != 1 || resp.Failed != 0 {
		t.Errorf("report totals = %d/%d, want 1/0", resp.Succeeded, resp.Failed)
	}
	if resp.Documents[0].DocumentID != docID.String() {
		t.Errorf("document id = %q, want %s", resp.Documents[0].DocumentID, docID)
	}
	if resp.Documents[0].Chunks != 3 {
		t.Errorf("chunks = %d, want 3", resp.Documents[0].Chunks)
	}
}

func TestIngest_Batch(t *testing.T) {
	ing := &stubIngestor{report: knowledge.Report{Results: []knowledge.DocumentResult{
		{SourceURI: "a", DocumentID: uuid.New(), Chunks: 2},
		{SourceURI: "b", DocumentID: uuid.New(), Chunks: 5},
	}}}
	h := &ingestHandler{pipeline: ing, logger: discardLogger()}

	body := `[
		{"source_uri": "a", "raw_text": "first"},
		{"source_uri": "b", "raw_text": "second"}
	]`
	w := postJSON(t, h.ingest, "/ingest", body)

	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(ing.gotDocs) != 2 {
		t.Fatalf("pipeline received %d docs, want 2", len(ing.gotDocs))
	}

	var resp ingestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", resp.Succeeded)
	}
}

func TestIngest_PartialFailureReturns207(t *testing.T) {
	ing := &stubIngestor{report: knowledge.Report{Results: []knowledge.DocumentResult{
		{SourceURI: "a", DocumentID: uuid.New(), Chunks: 2},
		{SourceURI: "b", Err: errors.New("ingestion failed: embedding \"b\": boom")},
	}}}
	h := &ingestHandler{pipeline: ing, logger: discardLogger()}

	body := `[{"source_uri": "a", "raw_text": "x"}, {"source_uri": "b", "raw_text": "y"}]`
	w := postJSON(t, h.ingest, "/ingest", body)

	if w.Code != http.StatusMultiStatus {
		t.Fatalf("ingest status = %d, want %d", w.Code, http.StatusMultiStatus)
	}

	var resp ingestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Succeeded != 1 || resp.Failed != 1 {
		t.Errorf("report totals = %d/%d, want 1/1", resp.Succeeded, resp.Failed)
	}
	if resp.Documents[1].Error == "" {
		t.Error("failed document should carry its error")
	}
	if resp.Documents[1].DocumentID != "" {
		t.Errorf("failed document id = %q, want empty", resp.Documents[1].DocumentID)
	}
}

func TestIngest_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{nope`, "invalid_body"},
		{"empty array", `[]`, "empty_batch"},
		{"wrong document shape", `[42]`, "invalid_body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &stubIngestor{}
			h := &ingestHandler{pipeline: ing, logger: discardLogger()}

			w := postJSON(t, h.ingest, "/ingest", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("ingest status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if body := decodeErrorEnvelope(t, w); body.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", body.Code, tt.wantCode)
			}
			if ing.gotDocs != nil {
				t.Error("pipeline should not be called for rejected input")
			}
		})
	}
}
