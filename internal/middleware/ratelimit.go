package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/storage"
)

const (
	rateLimitWindow  = time.Minute
	rateLimitMaxIP   = 200
	rateLimitMaxUser = 100
)

// RateLimitAPI ограничивает запросы скользящим окном в store по ключу
// <route><IP>. Монтируется до авторизации и покрывает весь API. 429 при
// превышении. Ошибка store не блокирует запрос: лимитер деградирует в
// открытое состояние.
func RateLimitAPI(store storage.SessionCacheStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "ratelimit:" + r.Method + ":" + r.URL.Path + ":"
			if !allow(r, store, route+clientIP(r), rateLimitMaxIP) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitUser — второй, более жесткий лимит по user_id из контекста.
// Монтируется внутри авторизованной группы, после SessionAuth; до нее
// user_id в контексте пуст и лимит не к чему привязать.
func RateLimitUser(store storage.SessionCacheStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := GetUserID(r.Context()); userID != "" {
				route := "ratelimit:" + r.Method + ":" + r.URL.Path + ":"
				if !allow(r, store, route+"u:"+userID, rateLimitMaxUser) {
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allow(r *http.Request, store storage.SessionCacheStore, key string, max int64) bool {
	n, err := store.IncrWindow(r.Context(), key, rateLimitWindow)
	if err != nil {
		logger.Errorf("ratelimit: incr %s: %v", key, err)
		return true
	}
	return n <= max
}

func clientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		if idx := strings.Index(x, ","); idx > 0 {
			return strings.TrimSpace(x[:idx])
		}
		return x
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
