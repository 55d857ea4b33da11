package knowledge

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrIngestionFailed marks a per-document ingestion failure. One failing
// document never aborts the batch; its result carries the wrapped cause.
var ErrIngestionFailed = errors.New("ingestion failed")

// DocumentResult is the outcome of ingesting one document.
type DocumentResult struct {
	SourceURI  string
	DocumentID uuid.UUID
	Chunks     int
	Err        error
}

// Report collects per-document outcomes of one Ingest call, in input order.
type Report struct {
	Results []DocumentResult
}

// Succeeded returns the number of documents ingested without error.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of documents that could not be ingested.
func (r Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Err summarizes the report as a single error, nil when every document
// succeeded. Useful for CLI exit codes.
func (r Report) Err() error {
	if failed := r.Failed(); failed > 0 {
		return fmt.Errorf("%w: %d of %d documents", ErrIngestionFailed, failed, len(r.Results))
	}
	return nil
}
