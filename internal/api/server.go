package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quern-ai/quern/internal/chat"
	"github.com/quern-ai/quern/internal/knowledge"
	"github.com/quern-ai/quern/internal/log"
)

// Per-IP rate limit defaults: a steady 5 req/s with a burst allowance of
// one minute's worth of requests.
const (
	defaultRateLimit = 5.0
	defaultRateBurst = 60
)

// Generator produces one answer per query. *chat.Orchestrator implements it.
type Generator interface {
	Generate(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// Ingestor feeds documents into the index. *knowledge.Pipeline implements it.
type Ingestor interface {
	Ingest(ctx context.Context, docs ...knowledge.Input) knowledge.Report
}

// SessionResetter clears conversation memory. *session.Store implements it.
type SessionResetter interface {
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

// Config wires the server's dependencies and transport policy.
type Config struct {
	Logger   log.Logger
	Chat     Generator
	Ingest   Ingestor
	Sessions SessionResetter

	// Pool, when set, is pinged by the health endpoint.
	Pool *pgxpool.Pool

	// CORSOrigins lists origins permitted to call the API cross-origin.
	// Empty disables cross-origin access.
	CORSOrigins []string

	// TrustProxy enables client IP extraction from X-Real-IP and
	// X-Forwarded-For. Enable only behind a reverse proxy that sets them.
	TrustProxy bool

	// RateLimit and RateBurst shape the per-IP token bucket.
	// Zero values use the defaults.
	RateLimit float64
	RateBurst int

	// IsDev relaxes HTTPS-only headers for local development.
	IsDev bool
}

// Server is the configured HTTP API. Obtain the root handler via Handler().
type Server struct {
	mux *http.ServeMux
}

// NewServer validates cfg, registers all routes, and assembles the
// middleware stack.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat generator is required")
	}
	if cfg.Ingest == nil {
		return nil, errors.New("ingestor is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	logger := cfg.Logger

	qh := &queryHandler{chat: cfg.Chat, logger: logger}
	ih := &ingestHandler{pipeline: cfg.Ingest, logger: logger}
	sh := &sessionHandler{sessions: cfg.Sessions, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", qh.query)
	mux.HandleFunc("POST /ingest", ih.ingest)
	mux.HandleFunc("DELETE /session/{session_id}", sh.reset)

	// Middleware stack, applied outermost-first:
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflights are never
	// throttled.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(newRateLimiter(cfg.RateLimit, cfg.RateBurst), cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	inner := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		inner.ServeHTTP(w, r)
	})

	// The health probe lives outside the stack so it stays cheap and is
	// never rate limited.
	top := http.NewServeMux()
	top.HandleFunc("GET /healthz", healthz(cfg.Pool, logger))
	top.Handle("/", handler)

	return &Server{mux: top}, nil
}

// Handler returns the root handler, including the health probe and the
// full middleware stack.
func (s *Server) Handler() http.Handler {
	return s.mux
}
