// Package app assembles the service from configuration.
//
// Setup builds everything the commands share: the genkit instance for the
// configured provider, the embedding client, the vector index and the
// conversation memory on their configured backends, retrieval, the chat
// orchestrator, and the ingestion pipeline. Components receive their
// dependencies through constructors; nothing here is global.
//
// Close releases resources in reverse construction order and is safe to
// call on a partially initialized App, which Setup relies on when a later
// provider fails.
package app

import (
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quern-ai/quern/internal/chat"
	"github.com/quern-ai/quern/internal/chunk"
	"github.com/quern-ai/quern/internal/config"
	"github.com/quern-ai/quern/internal/embed"
	"github.com/quern-ai/quern/internal/index"
	"github.com/quern-ai/quern/internal/knowledge"
	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/session"
)

// App holds the wired components. Commands pick the ones they need: serve
// uses Chat, Pipeline and Sessions behind the HTTP server, ingest uses
// Pipeline alone.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Tokens   chunk.Tokenizer
	Embedder *embed.Embedder
	Pool     *pgxpool.Pool
	Index    index.Index
	Sessions *session.Store
	Chat     *chat.Orchestrator
	Pipeline *knowledge.Pipeline

	// Teardown state not exposed to commands.
	otelShutdown func()
	redis        *session.Redis
	memIndex     *index.Memory
}

// Close releases resources in reverse construction order: flush the
// in-memory index to its snapshot, close the redis client, close the
// database pool, then shut down trace export. Nil fields are skipped, so a
// partially built App closes cleanly.
func (a *App) Close() error {
	logger := a.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	var errs []error

	if a.memIndex != nil && a.Config != nil && a.Config.Index.SnapshotPath != "" {
		if err := a.memIndex.SaveSnapshot(a.Config.Index.SnapshotPath); err != nil {
			errs = append(errs, fmt.Errorf("saving index snapshot: %w", err))
		} else {
			logger.Debug("index snapshot saved", "path", a.Config.Index.SnapshotPath)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis client: %w", err))
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
		logger.Debug("database pool closed")
	}

	if a.otelShutdown != nil {
		a.otelShutdown()
	}

	return errors.Join(errs...)
}
