package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/chunk"
	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/log"
)

// Default chunking parameters, in tokens.
const (
	DefaultMaxTokens     = 200
	DefaultOverlapTokens = 20
)

// Chunker splits a document into token-bounded segments.
type Chunker interface {
	Chunk(docID uuid.UUID, text string, meta map[string]string, maxTokens, overlapTokens int) ([]chunk.Chunk, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
}

// Indexer is the slice of the vector index the pipeline writes to.
type Indexer interface {
	Upsert(ctx context.Context, entries []index.Entry) error
	Delete(ctx context.Context, documentID uuid.UUID) error
}

// Config tunes how documents are chunked.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// Pipeline ingests documents: chunk, embed, then commit to the vector
// index. Safe for concurrent use as long as the index tolerates it.
type Pipeline struct {
	chunker  Chunker
	embedder Embedder
	index    Indexer
	cfg      Config
	logger   log.Logger
}

// NewPipeline creates an ingestion pipeline. Zero config fields fall back
// to defaults; invalid combinations are rejected up front so Ingest never
// fails on configuration.
func NewPipeline(chunker Chunker, embedder Embedder, idx Indexer, cfg Config, logger log.Logger) (*Pipeline, error) {
	if chunker == nil {
		return nil, fmt.Errorf("chunker required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	if idx == nil {
		return nil, fmt.Errorf("index required")
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.OverlapTokens == 0 && cfg.MaxTokens > DefaultOverlapTokens {
		cfg.OverlapTokens = DefaultOverlapTokens
	}
	if cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max_tokens %d must be positive", chunk.ErrInvalidConfiguration, cfg.MaxTokens)
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.MaxTokens {
		return nil, fmt.Errorf("%w: overlap_tokens %d must be in [0, %d)", chunk.ErrInvalidConfiguration, cfg.OverlapTokens, cfg.MaxTokens)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{chunker: chunker, embedder: embedder, index: idx, cfg: cfg, logger: logger}, nil
}

// Ingest processes each input independently and reports per-document
// outcomes in input order. A failing document is recorded in the report and
// the batch moves on.
func (p *Pipeline) Ingest(ctx context.Context, inputs ...Input) Report {
	report := Report{Results: make([]DocumentResult, 0, len(inputs))}
	for _, in := range inputs {
		report.Results = append(report.Results, p.ingestOne(ctx, in))
	}
	if failed := report.Failed(); failed > 0 {
		p.logger.Warn("ingestion finished with failures",
			"documents", len(inputs),
			"failed", failed)
	}
	return report
}

func (p *Pipeline) ingestOne(ctx context.Context, in Input) DocumentResult {
	res := DocumentResult{SourceURI: in.SourceURI}

	doc, err := NewDocument(in)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrIngestionFailed, err)
		return res
	}
	res.DocumentID = doc.ID

	chunks, err := p.chunker.Chunk(doc.ID, doc.RawText, doc.Metadata, p.cfg.MaxTokens, p.cfg.OverlapTokens)
	if err != nil {
		res.Err = fmt.Errorf("%w: chunking %q: %w", ErrIngestionFailed, doc.SourceURI, err)
		return res
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		res.Err = fmt.Errorf("%w: embedding %q: %w", ErrIngestionFailed, doc.SourceURI, err)
		return res
	}
	if len(vectors) != len(chunks) {
		res.Err = fmt.Errorf("%w: embedding %q: got %d vectors for %d chunks", ErrIngestionFailed, doc.SourceURI, len(vectors), len(chunks))
		return res
	}

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			SourceURI:  doc.SourceURI,
			Text:       c.Text,
			Vector:     vectors[i],
			ModelID:    p.embedder.ModelID(),
			TokenCount: c.TokenCount,
			Seq:        c.Seq,
			Start:      c.Start,
			End:        c.End,
			Truncated:  c.Truncated,
			Metadata:   c.Metadata,
		}
	}

	// Supersede: the previous version of this URI goes away before the new
	// entries land, so a shrinking document leaves no orphaned chunks.
	if err := p.index.Delete(ctx, doc.ID); err != nil {
		res.Err = fmt.Errorf("%w: superseding %q: %w", ErrIngestionFailed, doc.SourceURI, err)
		return res
	}
	if err := p.index.Upsert(ctx, entries); err != nil {
		res.Err = fmt.Errorf("%w: indexing %q: %w", ErrIngestionFailed, doc.SourceURI, err)
		return res
	}

	res.Chunks = len(entries)
	p.logger.Debug("ingested document",
		"source_uri", doc.SourceURI,
		"document_id", doc.ID,
		"chunks", len(entries))
	return res
}

// Remove deletes every index entry derived from the given source URI.
func (p *Pipeline) Remove(ctx context.Context, sourceURI string) error {
	id := DocumentID(sourceURI)
	if err := p.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove document %q: %w", sourceURI, err)
	}
	p.logger.Debug("removed document", "source_uri", sourceURI, "document_id", id)
	return nil
}
