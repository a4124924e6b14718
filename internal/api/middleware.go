package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/smartly-home/smartly-bridge/internal/audit"
	"github.com/smartly-home/smartly-bridge/internal/authgate"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
)

type contextKey string

const grantKey contextKey = "grant"

// GrantFrom returns the verified caller identity the auth middleware
// stored on the request.
func GrantFrom(ctx context.Context) (*authgate.Grant, bool) {
	g, ok := ctx.Value(grantKey).(*authgate.Grant)
	return g, ok
}

// responseWriter captures the status code for the request log.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger assigns a request id and logs method, path, status and
// duration.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		start := time.Now()
		w.Header().Set("X-Request-ID", reqID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		log.Printf("[REQ:%s] %s %s -> %d in %v", reqID, r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

// AuthGate wraps the protected routes: every request passes the
// verifier or is answered with its denial code. Denials are audited.
func AuthGate(verifier *authgate.Verifier, audits *audit.Recorder, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, denial := verifier.Verify(r)
			if denial != nil {
				m.AuthDenied(denial.Code)
				sourceIP := r.RemoteAddr
				audits.Deny(r.Header.Get("X-Client-Id"), "", "", denial.Code, sourceIP, nil)

				if denial.Decision != nil {
					w.Header().Set("Retry-After", strconv.Itoa(denial.Decision.RetryAfter))
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(denial.Decision.Limit))
					w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(denial.Decision.Remaining))
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(denial.Decision.Reset.Unix(), 10))
				}
				respondError(w, denial.Status, denial.Code)
				return
			}

			m.AuthGranted()
			ctx := context.WithValue(r.Context(), grantKey, grant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
