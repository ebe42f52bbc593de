package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath groups paths to avoid high-cardinality labels: task and
// worker ids embedded in a path are collapsed to a fixed placeholder so the
// label cardinality stays bounded regardless of task volume.
func normalizePath(path string) string {
	switch {
	case path == "/metrics":
		return path
	case strings.HasPrefix(path, "/v1/tasks/"):
		return "/v1/tasks/:id"
	case strings.HasPrefix(path, "/v1/codebases/") && strings.HasSuffix(path, "/events"):
		return "/v1/codebases/:id/events"
	case strings.HasPrefix(path, "/v1/worker/tasks/") && strings.HasSuffix(path, "/status"):
		return "/v1/worker/tasks/:id/status"
	case strings.HasPrefix(path, "/v1/worker/tasks/") && strings.HasSuffix(path, "/output"):
		return "/v1/worker/tasks/:id/output"
	default:
		return path
	}
}
