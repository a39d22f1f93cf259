package transporthttp

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/charsync/internal/access"
	"example.com/charsync/internal/domain"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	requesterKey ctxKey = "requester"

	RequestIDHeader = "X-Request-Id"
)

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON ensures Content-Type is application/json for POST endpoints.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Method == http.MethodPost && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			WriteProblem(w, http.StatusUnsupportedMediaType, "unsupported media type", "expected application/json", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BasicAuth authenticates the caller against gate and stores the account in
// the request context. Unknown logins are reported as 404.
func BasicAuth(gate *access.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			login, password, ok := r.BasicAuth()
			if !ok || login == "" {
				WriteProblem(w, http.StatusUnauthorized, "unauthorized", "missing credentials", nil)
				return
			}
			acc, err := gate.Authenticate(r.Context(), login, password)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requesterKey, acc)))
		})
	}
}

func requesterFromContext(ctx context.Context) (domain.Account, bool) {
	acc, ok := ctx.Value(requesterKey).(domain.Account)
	return acc, ok
}

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey).(string); ok {
		return s
	}
	return ""
}

func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
	})
}

func Logging(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Printf("[api] rid=%s method=%s path=%s status=%d dur=%s",
				RequestIDFromContext(r.Context()), r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// DrainBody fully reads and closes request bodies (handler helper).
func DrainBody(r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
}
