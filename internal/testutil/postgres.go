// Package testutil is the shared test infrastructure for quern: throwaway
// postgres and redis containers, a genkit instance wired to deterministic
// mocks, and a discard logger.
//
// Every Setup helper registers its own teardown through tb.Cleanup, so
// tests just call it and use the returned handles.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgres is a live pgvector-enabled postgres with the full quern
// schema applied. Pool is ready for queries; ConnStr is the URL form for
// code that opens its own connections.
type TestPostgres struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB starts a pgvector/pgvector:pg16 container, applies every
// migration under db/migrations, and returns the connected handles. The
// container and pool are torn down via tb.Cleanup when the test and its
// subtests finish.
func SetupTestDB(tb testing.TB) *TestPostgres {
	tb.Helper()

	ctx := context.Background()

	// initdb restarts the server once, hence the second occurrence.
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(90 * time.Second)

	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("quern_test"),
		postgres.WithUsername("quern"),
		postgres.WithPassword("quern_integration_pw"),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	tb.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("postgres connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		tb.Fatalf("open pool: %v", err)
	}
	tb.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		tb.Fatalf("ping postgres: %v", err)
	}

	if err := applySchema(ctx, pool); err != nil {
		tb.Fatalf("apply schema: %v", err)
	}

	return &TestPostgres{Container: pgContainer, Pool: pool, ConnStr: connStr}
}

// applySchema runs every *.up.sql under db/migrations, one transaction per
// file. Glob returns names in lexical order, which matches the numeric
// migration prefixes, so the container ends up with the same schema
// db.Migrate produces without dragging the migration tooling into tests.
func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}

	files, err := filepath.Glob(filepath.Join(root, "db", "migrations", "*.up.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations under %s", filepath.Join(root, "db", "migrations"))
	}

	for _, path := range files {
		if err := applyMigration(ctx, pool, path); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, path string) error {
	sql, err := os.ReadFile(path) // #nosec G304 -- paths come from the repo's own migrations dir
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(sql) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op once committed

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("exec %s: %w", filepath.Base(path), err)
	}
	return tx.Commit(ctx)
}

// repoRoot walks up from this source file until it finds go.mod, so tests
// can run from any package directory.
func repoRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("runtime caller unavailable")
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", filepath.Dir(file))
		}
		dir = parent
	}
}
