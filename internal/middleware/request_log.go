package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/metrics"
)

// RequestLog логирует каждый HTTP-запрос (method, path, длительность) и пишет
// латентность в гистограмму по шаблону маршрута, не по сырому path: иначе
// кардинальность метрики растет с каждым id.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()

		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		metrics.HTTPDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(wrap.status)).
			Observe(time.Since(start).Seconds())
	})
}
