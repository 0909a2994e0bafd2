package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	plexus "github.com/plexusgw/plexus/internal"
)

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, openaiError("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := plexus.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", plexus.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// extractCredential pulls the client secret from any of the accepted
// carriers: Authorization bearer (with optional ":<attribution>" suffix),
// x-api-key, x-goog-api-key, or the Gemini-style ?key= query parameter.
func extractCredential(r *http.Request) (secret, attribution string) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		cred := strings.TrimPrefix(auth, "Bearer ")
		if secret, attribution, ok := strings.Cut(cred, ":"); ok {
			return secret, attribution
		}
		return cred, ""
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key, ""
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key, ""
	}
	return r.URL.Query().Get("key"), ""
}

// authenticate resolves the client secret to a configured key name and
// stores it in the request context. The key name, never the secret, flows
// into logs and usage records. When requestMeta already exists in context
// (set by requestID), the key is stored by mutation -- no new context or
// request copy needed.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, attribution := extractCredential(r)
		if secret == "" {
			writeDialectError(w, r, http.StatusUnauthorized, "missing API key")
			return
		}
		keyName := s.deps.Config.Current().KeyBySecret(secret)
		if keyName == "" {
			writeDialectError(w, r, http.StatusUnauthorized, "invalid API key")
			return
		}
		ctx := plexus.ContextWithKey(r.Context(), keyName, attribution)
		if ctx == r.Context() {
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// quota rejects requests whose key is over its quota with a 429 carrying
// the quota identity and reset time. Enforcer errors fail open: a storage
// hiccup must not take down the data plane.
func (s *server) quota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		check, err := s.deps.Quota.Check(r.Context(), plexus.KeyNameFromContext(r.Context()))
		if err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "quota check failed, allowing request",
				slog.String("error", err.Error()),
			)
		}
		if check != nil && !check.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.QuotaRejects.WithLabelValues(plexus.KeyNameFromContext(r.Context())).Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, quotaExceededBody{
				QuotaName:    check.QuotaName,
				CurrentUsage: check.CurrentUsage,
				Limit:        check.Limit,
				ResetsAt:     check.ResetsAt,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type quotaExceededBody struct {
	QuotaName    string    `json:"quota_name"`
	CurrentUsage float64   `json:"current_usage"`
	Limit        float64   `json:"limit"`
	ResetsAt     time.Time `json:"resets_at"`
}

// adminAuth gates the management surface behind the configured admin key.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminKey := s.deps.Config.Current().AdminKey
		if adminKey == "" {
			writeJSON(w, http.StatusForbidden, openaiError("management API disabled: no adminKey configured"))
			return
		}
		secret, _ := extractCredential(r)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, openaiError("invalid admin key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
