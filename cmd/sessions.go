package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/config"
	"github.com/quern-ai/quern/internal/database"
	"github.com/quern-ai/quern/internal/log"
	"github.com/quern-ai/quern/internal/session"
)

// runSessions dispatches the sessions subcommands. Session management talks
// to the memory backend directly, so no provider credentials are needed.
func runSessions() error {
	if len(os.Args) < 3 {
		printSessionsUsage()
		return nil
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, cleanup, err := sessionBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch os.Args[2] {
	case "list":
		return runSessionsList(ctx, backend)
	case "clear":
		return runSessionsMutate(ctx, backend.Clear, "Cleared session %s\n")
	case "delete":
		return runSessionsMutate(ctx, backend.Delete, "Deleted session %s\n")
	default:
		printSessionsUsage()
		return fmt.Errorf("unknown sessions subcommand: %s", os.Args[2])
	}
}

// sessionBackend opens the configured memory backend without the rest of
// the application. The cleanup func closes whatever was opened.
func sessionBackend(ctx context.Context, cfg *config.Config, logger log.Logger) (session.Backend, func(), error) {
	switch cfg.Memory.Backend {
	case config.MemoryBackendRedis:
		r, err := session.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return r, func() {
			if err := r.Close(); err != nil {
				logger.Warn("closing redis client", "error", err)
			}
		}, nil
	case config.MemoryBackendInMem:
		return nil, nil, errors.New("memory.backend is \"memory\"; in-process history has nothing to inspect")
	default:
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		backend, err := session.NewPostgres(pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("creating session backend: %w", err)
		}
		return backend, pool.Close, nil
	}
}

// sessionListLimit caps how many sessions the list subcommand shows.
const sessionListLimit = 50

func runSessionsList(ctx context.Context, backend session.Backend) error {
	sessions, err := backend.List(ctx, sessionListLimit, 0)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-36s  %6s  %-16s  %s\n", "ID", "TURNS", "CREATED", "UPDATED")
	for _, s := range sessions {
		fmt.Printf("%-36s  %6d  %-16s  %s\n",
			s.ID, s.TurnCount, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	}
	return nil
}

// runSessionsMutate runs a clear or delete against the session named by the
// fourth argument.
func runSessionsMutate(ctx context.Context, op func(context.Context, uuid.UUID) error, okFormat string) error {
	if len(os.Args) < 4 {
		printSessionsUsage()
		return errors.New("missing session id")
	}
	id, err := uuid.Parse(os.Args[3])
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", os.Args[3], err)
	}
	if err := op(ctx, id); err != nil {
		return err
	}
	fmt.Printf(okFormat, id)
	return nil
}

func printSessionsUsage() {
	fmt.Println("Usage:")
	fmt.Println("  quern sessions list          List conversation sessions")
	fmt.Println("  quern sessions clear <id>    Remove a session's turns, keep the session")
	fmt.Println("  quern sessions delete <id>   Remove the session entirely")
}

// formatTime renders recent timestamps as a coarse age and anything older
// than a week as a date.
func formatTime(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return agoText(int(age.Minutes()), "minute")
	case age < 24*time.Hour:
		return agoText(int(age.Hours()), "hour")
	case age < 7*24*time.Hour:
		return agoText(int(age.Hours()/24), "day")
	}
	return t.Format("2006-01-02 15:04")
}

func agoText(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
