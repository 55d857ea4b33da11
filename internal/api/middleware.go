package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quern-ai/quern/internal/log"
)

const requestIDHeader = "X-Request-ID"

// requestIDKey is the context key under which requestIDMiddleware stores
// the request ID. Unexported struct type so other packages cannot collide.
type requestIDKey struct{}

// requestIDFromContext returns the request ID stashed by
// requestIDMiddleware, or "" when the middleware did not run.
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusWriter records the status code and body size of a response as it
// passes through, for the access log and for the recovery middleware to
// tell whether headers already went out. Unwrap keeps
// http.ResponseController working through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

//nolint:wrapcheck // must pass the underlying writer's errors through untouched
func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// code returns the recorded status, treating "never set" as 200 the way
// net/http does.
func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// recoveryMiddleware converts handler panics into 500 responses so one bad
// request cannot take the whole server down.
func recoveryMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				p := recover()
				if p == nil {
					return
				}
				logger.Error("panic recovered",
					"error", p,
					"path", r.URL.Path,
					"headers_sent", sw.status != 0,
				)
				if sw.status != 0 {
					// Headers already went out; the client gets a truncated
					// response, which is the best we can do now.
					return
				}
				WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error", logger)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}

// requestIDMiddleware tags every request with a UUID for log correlation.
// A well-formed X-Request-ID from the caller is kept; anything else is
// replaced. The ID is echoed in the response header and stored in the
// request context.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}

			w.Header().Set(requestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware emits one debug line per request with method, path,
// status, size, and latency. When an outer middleware already wrapped the
// writer in a *statusWriter it is reused rather than wrapped twice.
func loggingMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw, ok := w.(*statusWriter)
			if !ok {
				sw = &statusWriter{ResponseWriter: w}
			}

			start := time.Now()
			next.ServeHTTP(sw, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code(),
				"bytes", sw.bytes,
				"duration", time.Since(start),
				"ip", r.RemoteAddr,
				"request_id", requestIDFromContext(r.Context()),
			)
		})
	}
}

// corsMiddleware answers preflights and attaches CORS headers for origins
// on the allow list. Requests from other origins pass through without the
// headers, which is what makes the browser block them.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				// Preflight ends here whether or not the origin matched.
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// setSecurityHeaders applies the baseline security headers for a JSON API.
// HSTS is withheld in dev mode, where the server speaks plain HTTP.
func setSecurityHeaders(w http.ResponseWriter, isDev bool) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", "default-src 'none'")
	if isDev {
		return
	}
	h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
}
