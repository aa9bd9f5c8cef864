package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/eldtechnologies/qtunnel/internal/metrics"
)

// Metrics records request counts and latency per normalized route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func isQueuePath(path string) bool {
	return strings.HasPrefix(path, "/queues/")
}

// normalizePath collapses queue and agent ids so label cardinality stays bounded.
func normalizePath(path string) string {
	switch {
	case path == "/queues/reserve":
		return path
	case isQueuePath(path) && strings.HasSuffix(path, "/messages"):
		return "/queues/:id/messages"
	case isQueuePath(path):
		return "/queues/:id"
	case strings.HasPrefix(path, "/who/") && len(path) > len("/who/"):
		return "/who/:id"
	}
	return path
}
