// Package api provides the JSON HTTP surface for quern.
//
// # Architecture
//
// The server uses Go 1.22+ routing with a layered middleware stack:
//
//	Recovery → RequestID → Logging → CORS → RateLimit → Routes
//
// The health probe (/healthz) bypasses the middleware stack via a
// top-level mux, so probes stay fast and are never rate limited.
//
// # Endpoints
//
//   - POST   /query                — answer one query over the indexed corpus
//   - POST   /ingest               — index one document or a batch
//   - DELETE /session/{session_id} — reset a conversation (idempotent, 204)
//   - GET    /healthz              — liveness, plus a DB ping when a pool is configured
//
// # Error Handling
//
// Every error response uses an envelope format:
//
//	{"error": {"code": "...", "message": "..."}}
//
// Domain sentinels map onto HTTP statuses at this boundary: invalid
// input is 400, an unknown session is 404, provider backpressure past
// the retry budget is 429, provider failure past the retry budget is
// 502, and an open circuit breaker is 503. Ingestion reports
// per-document outcomes instead: a batch with failures returns 207 with
// the full report.
//
// # Security
//
// The middleware stack enforces:
//   - Per-IP rate limiting (token bucket, configurable rate and burst)
//   - CORS with explicit origin allowlist
//   - Security headers (CSP, HSTS, X-Frame-Options, etc.)
//   - Request body size caps per endpoint
package api
