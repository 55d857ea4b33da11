package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/log"
)

// maxTxRetries bounds the optimistic-locking retry loop. Appends for one
// session rarely contend, but a burst of writers can force several rounds.
const maxTxRetries = 128

// Redis is the backend for deployments that keep conversation state in
// Redis. Appends run as WATCH/MULTI transactions keyed on the session, so
// concurrent writers retry instead of interleaving; the eviction decision
// re-runs on each attempt, which is safe because summarizers are
// deterministic.
type Redis struct {
	client *redis.Client
	logger log.Logger
}

// NewRedis creates a Redis-backed session store and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int, logger log.Logger) (*Redis, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func turnsKey(id uuid.UUID) string { return "quern:session:" + id.String() + ":turns" }
func metaKey(id uuid.UUID) string  { return "quern:session:" + id.String() + ":meta" }

const sessionsKey = "quern:sessions"

// Append implements Backend.
func (r *Redis) Append(ctx context.Context, sessionID uuid.UUID, turns []Turn, evict EvictFn) error {
	tk, mk := turnsKey(sessionID), metaKey(sessionID)

	attempt := func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			nextSeq, err := tx.HGet(ctx, mk, "next_seq").Int()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read next_seq: %w", err)
			}

			existing, err := r.readList(ctx, tx.LRange(ctx, tk, 0, -1))
			if err != nil {
				return err
			}

			all := existing
			for i := range turns {
				nextSeq++
				turns[i].Seq = nextSeq
				all = append(all, turns[i])
			}

			evicted := false
			if evict != nil {
				ev, err := evict(ctx, all)
				if err != nil {
					return err
				}
				if ev != nil {
					all = applyEviction(all, ev)
					evicted = true
				}
			}

			// A plain append only pushes the new turns; an eviction
			// rewrites the whole list.
			write := all
			if !evicted {
				write = turns
			}
			payloads := make([]any, len(write))
			for i, t := range write {
				data, err := json.Marshal(t)
				if err != nil {
					return fmt.Errorf("failed to marshal turn: %w", err)
				}
				payloads[i] = data
			}

			now := time.Now().UTC().Format(time.RFC3339Nano)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if evicted {
					pipe.Del(ctx, tk)
				}
				if len(payloads) > 0 {
					pipe.RPush(ctx, tk, payloads...)
				}
				pipe.HSet(ctx, mk, "next_seq", nextSeq)
				pipe.HSetNX(ctx, mk, "created_at", now)
				pipe.HSet(ctx, mk, "updated_at", now)
				pipe.ZAdd(ctx, sessionsKey, &redis.Z{
					Score:  float64(time.Now().UnixNano()),
					Member: sessionID.String(),
				})
				return nil
			})
			return err
		}, tk, mk)
	}

	for i := 0; i < maxTxRetries; i++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("append to session %s: too many concurrent writers", sessionID)
}

func (r *Redis) readList(_ context.Context, cmd *redis.StringSliceCmd) ([]Turn, error) {
	raw, err := cmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Turns implements Backend.
func (r *Redis) Turns(ctx context.Context, sessionID uuid.UUID) ([]Turn, error) {
	return r.readList(ctx, r.client.LRange(ctx, turnsKey(sessionID), 0, -1))
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	count, err := r.client.LLen(ctx, turnsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}

	s := &Session{ID: sessionID, TurnCount: int(count)}
	if v, ok := meta["created_at"]; ok {
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := meta["updated_at"]; ok {
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return s, nil
}

// List implements Backend.
func (r *Redis) List(ctx context.Context, limit, offset int32) ([]Session, error) {
	ids, err := r.client.ZRevRange(ctx, sessionsKey, int64(offset), int64(offset)+int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]Session, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			r.logger.Warn("skipping malformed session id in listing", "id", raw)
			continue
		}
		s, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

// Clear implements Backend. Dropping next_seq restarts numbering at 1 on
// the next append, same as the other backends.
func (r *Redis) Clear(ctx context.Context, sessionID uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, turnsKey(sessionID))
		pipe.HDel(ctx, metaKey(sessionID), "next_seq")
		pipe.HSet(ctx, metaKey(sessionID), "updated_at", now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	return nil
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, turnsKey(sessionID), metaKey(sessionID))
		pipe.ZRem(ctx, sessionsKey, sessionID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}
