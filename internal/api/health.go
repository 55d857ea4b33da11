package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quern-ai/quern/internal/log"
)

// healthPingTimeout bounds the DB ping so probes cannot hang.
const healthPingTimeout = 2 * time.Second

// healthz reports liveness, plus database reachability when a pool is
// configured. Returns 200 with {"status":"ok"} when healthy.
func healthz(pool *pgxpool.Pool, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			defer cancel()

			if err := pool.Ping(ctx); err != nil {
				logger.Error("health check database ping failed", "error", err)
				WriteError(w, http.StatusServiceUnavailable, "database_unreachable", "database ping failed", logger)
				return
			}
		}

		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
