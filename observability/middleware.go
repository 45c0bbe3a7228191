package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per request, escalating the level with the
// response status.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Info()
			if status >= 500 {
				event = logger.Error()
			} else if status >= 400 {
				event = logger.Warn()
			}

			event.
				Str("method", r.Method).
				Str("path", routePattern(r)).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Int("bytes", ww.BytesWritten()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http_request")
		})
	}
}

// RequestMetrics records request counters and latency per route pattern.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
