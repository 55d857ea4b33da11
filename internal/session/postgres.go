package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quern-ai/quern/internal/log"
)

// Postgres is the durable backend. Appends lock the session row with
// SELECT ... FOR UPDATE, so sequence assignment, the eviction decision and
// its application all commit in one transaction.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres creates a Postgres-backed session store. The pool is owned by
// the caller.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("postgres pool required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Append implements Backend.
func (p *Postgres) Append(ctx context.Context, sessionID uuid.UUID, turns []Turn, evict EvictFn) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.logger.Debug("transaction rollback", "error", err)
		}
	}()

	// Create the session on first use, then take the row lock that
	// serializes appends for this session.
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, sessionID); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	var locked uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&locked); err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}

	var maxSeq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = $1`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to read max sequence: %w", err)
	}

	for i := range turns {
		turns[i].Seq = maxSeq + i + 1
		if err := insertTurn(ctx, tx, turns[i]); err != nil {
			return fmt.Errorf("failed to insert turn %d: %w", i, err)
		}
	}

	if evict != nil {
		all, err := readTurns(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		ev, err := evict(ctx, all)
		if err != nil {
			return err
		}
		if ev != nil {
			if _, err := tx.Exec(ctx,
				`DELETE FROM turns WHERE session_id = $1 AND seq <= $2`, sessionID, ev.ThroughSeq); err != nil {
				return fmt.Errorf("failed to evict turns: %w", err)
			}
			if err := insertTurn(ctx, tx, ev.Summary); err != nil {
				return fmt.Errorf("failed to insert summary turn: %w", err)
			}
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions
		 SET turn_count = (SELECT COUNT(*) FROM turns WHERE session_id = $1),
		     updated_at = NOW()
		 WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.logger.Debug("appended turns", "session_id", sessionID, "count", len(turns))
	return nil
}

func insertTurn(ctx context.Context, tx pgx.Tx, t Turn) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO turns (id, session_id, role, content, token_count, seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SessionID, string(t.Role), t.Text, t.TokenCount, t.Seq, t.CreatedAt)
	return err
}

func readTurns(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, sessionID uuid.UUID) ([]Turn, error) {
	rows, err := q.Query(ctx,
		`SELECT id, session_id, role, content, token_count, seq, created_at
		 FROM turns WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Text, &t.TokenCount, &t.Seq, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	return turns, nil
}

// Turns implements Backend.
func (p *Postgres) Turns(ctx context.Context, sessionID uuid.UUID) ([]Turn, error) {
	return readTurns(ctx, p.pool, sessionID)
}

// Get implements Backend.
func (p *Postgres) Get(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`SELECT id, turn_count, created_at, updated_at FROM sessions WHERE id = $1`, sessionID).
		Scan(&s.ID, &s.TurnCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return &s, nil
}

// List implements Backend.
func (p *Postgres) List(ctx context.Context, limit, offset int32) ([]Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, turn_count, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.TurnCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Clear implements Backend.
func (p *Postgres) Clear(ctx context.Context, sessionID uuid.UUID) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET turn_count = 0, updated_at = NOW() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	return tx.Commit(ctx)
}

// Delete implements Backend. Turns go with the session via ON DELETE CASCADE.
func (p *Postgres) Delete(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}
