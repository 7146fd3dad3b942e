package web

import (
	"context"
	"net/http"
	"time"

	"github.com/zerospice/broker/internal/auth"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withLogging logs method, path, status, and duration for every
// request, tagging each with a short request ID so multi-line ERROR/WARN
// entries from the same request can be correlated (spec.md §7 ADDED).
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID, err := auth.GenerateOpaqueToken()
		if err != nil {
			reqID = "unknown"
		} else {
			reqID = reqID[:12]
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(withRequestID(r.Context(), reqID)))

		s.log.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// requestIDFromContext extracts the request ID set by withLogging, or ""
// if none is present (e.g. in a unit test calling a handler directly).
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
