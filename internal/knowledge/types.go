package knowledge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Input is one document submitted for ingestion, before validation.
type Input struct {
	SourceURI string            `json:"source_uri"`
	RawText   string            `json:"raw_text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Document is a validated, identified ingestion unit. Documents are
// immutable; re-ingesting the same source URI supersedes the previous
// version in the index.
type Document struct {
	ID        uuid.UUID         `json:"id"`
	SourceURI string            `json:"source_uri"`
	RawText   string            `json:"raw_text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DocumentID derives the stable document identity from its source URI.
// The same URI always maps to the same ID, which is what lets a re-ingest
// replace the earlier version instead of piling up duplicates.
func DocumentID(sourceURI string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceURI))
}

// NewDocument validates an Input and assigns its deterministic ID.
func NewDocument(in Input) (Document, error) {
	if strings.TrimSpace(in.SourceURI) == "" {
		return Document{}, errors.New("source_uri required")
	}
	if strings.TrimSpace(in.RawText) == "" {
		return Document{}, fmt.Errorf("document %q has no text content", in.SourceURI)
	}
	return Document{
		ID:        DocumentID(in.SourceURI),
		SourceURI: in.SourceURI,
		RawText:   in.RawText,
		Metadata:  in.Metadata,
	}, nil
}
