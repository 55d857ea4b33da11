package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/quern-ai/quern/internal/log"
)

// defaultQueryTimeout bounds vector searches so a slow scan cannot block the
// caller indefinitely.
const defaultQueryTimeout = 10 * time.Second

// Postgres is the durable backend on top of pgvector. The chunks table keeps
// a bigserial position column that survives upserts, so tie-breaking by
// insertion order matches the in-memory backend.
type Postgres struct {
	pool    *pgxpool.Pool
	dims    int
	modelID string
	timeout time.Duration
	logger  log.Logger
}

// NewPostgres creates a Postgres-backed index with fixed dimensionality and
// embedding model. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool, dims int, modelID string, logger log.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: pool required", ErrInvalidArgument)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions %d must be positive", ErrInvalidArgument, dims)
	}
	if modelID == "" {
		return nil, fmt.Errorf("%w: model ID required", ErrInvalidArgument)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{
		pool:    pool,
		dims:    dims,
		modelID: modelID,
		timeout: defaultQueryTimeout,
		logger:  logger,
	}, nil
}

// Dimensions returns the fixed vector length.
func (p *Postgres) Dimensions() int { return p.dims }

// ModelID returns the fixed embedding model tag.
func (p *Postgres) ModelID() string { return p.modelID }

const upsertChunkSQL = `
INSERT INTO chunks (id, document_id, source_uri, content, embedding, model_id, token_count, seq, start_offset, end_offset, truncated, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    document_id  = EXCLUDED.document_id,
    source_uri   = EXCLUDED.source_uri,
    content      = EXCLUDED.content,
    embedding    = EXCLUDED.embedding,
    model_id     = EXCLUDED.model_id,
    token_count  = EXCLUDED.token_count,
    seq          = EXCLUDED.seq,
    start_offset = EXCLUDED.start_offset,
    end_offset   = EXCLUDED.end_offset,
    truncated    = EXCLUDED.truncated,
    metadata     = EXCLUDED.metadata`

// Upsert implements Index. The batch runs inside one transaction, so readers
// see either every entry or none. The position column is deliberately absent
// from the conflict update: replacing a chunk keeps its original slot.
func (p *Postgres) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for i, e := range entries {
		if len(e.Vector) != p.dims {
			return fmt.Errorf("%w: entry %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(e.Vector), p.dims)
		}
		if e.ModelID != p.modelID {
			return fmt.Errorf("%w: entry %d has model %q, index has %q", ErrDimensionMismatch, i, e.ModelID, p.modelID)
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, e := range entries {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for chunk %s: %w", e.ChunkID, err)
		}
		embedding := pgvector.NewVector(e.Vector)
		batch.Queue(upsertChunkSQL,
			e.ChunkID, e.DocumentID, e.SourceURI, e.Text, &embedding,
			e.ModelID, e.TokenCount, e.Seq, e.Start, e.End, e.Truncated, metadataJSON,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < len(entries); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert chunk %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close upsert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	p.logger.Debug("upserted chunks", "count", len(entries))
	return nil
}

// Delete implements Index.
func (p *Postgres) Delete(ctx context.Context, documentID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for document %s: %w", documentID, err)
	}
	p.logger.Debug("deleted chunks", "document_id", documentID, "count", tag.RowsAffected())
	return nil
}

const searchChunksSQL = `
SELECT id, document_id, source_uri, content, embedding, model_id, token_count, seq, start_offset, end_offset, truncated, metadata,
       1 - (embedding <=> $1) AS score
FROM chunks
ORDER BY embedding <=> $1, position
LIMIT $2`

const searchChunksFilteredSQL = `
SELECT id, document_id, source_uri, content, embedding, model_id, token_count, seq, start_offset, end_offset, truncated, metadata,
       1 - (embedding <=> $1) AS score
FROM chunks
WHERE metadata @> $2
ORDER BY embedding <=> $1, position
LIMIT $3`

// Query implements Index. Score is cosine similarity derived from pgvector's
// cosine distance operator.
func (p *Postgres) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k %d must be positive", ErrInvalidArgument, k)
	}
	if len(vector) != p.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, index has %d", ErrDimensionMismatch, len(vector), p.dims)
	}

	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	queryVec := pgvector.NewVector(vector)

	var rows pgx.Rows
	var err error
	if len(filter) > 0 {
		filterJSON, marshalErr := json.Marshal(filter)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal filter: %w", marshalErr)
		}
		rows, err = p.pool.Query(queryCtx, searchChunksFilteredSQL, &queryVec, filterJSON, k)
	} else {
		rows, err = p.pool.Query(queryCtx, searchChunksSQL, &queryVec, k)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			e            Entry
			embedding    pgvector.Vector
			metadataJSON []byte
			score        float64
		)
		if err := rows.Scan(
			&e.ChunkID, &e.DocumentID, &e.SourceURI, &e.Text, &embedding,
			&e.ModelID, &e.TokenCount, &e.Seq, &e.Start, &e.End, &e.Truncated,
			&metadataJSON, &score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		e.Vector = embedding.Slice()
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for chunk %s: %w", e.ChunkID, err)
			}
		}
		hits = append(hits, Hit{Entry: e, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return hits, nil
}

// Count implements Index.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var count int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(count), nil
}
