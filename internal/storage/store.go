package storage

import (
	"context"
	"time"
)

// ErrNoSnapshot возвращается при промахе кеша: ключа user_data:<userId> нет.
// Промах — не ошибка инфраструктуры, вызывающий код перестраивает снапшот.
type noSnapshotError struct{}

func (noSnapshotError) Error() string { return "snapshot not found" }

// ErrNoSnapshot — сигнальная ошибка промаха кеша снапшотов.
var ErrNoSnapshot error = noSnapshotError{}

// SessionCacheStore — keyed store для снапшотов user_data, секретов сессий
// и счётчиков rate limit. Реализации: redis.Client, memory.Client (для -dev
// без Redis), devstore.Client (секреты в БД, остальное в памяти).
type SessionCacheStore interface {
	// Снапшоты: значение — JSON model.Snapshot, ключ user_data:<userId>, TTL 24ч.
	SetSnapshot(ctx context.Context, userID string, data []byte) error
	GetSnapshot(ctx context.Context, userID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, userID string) error

	// Секреты сессий для HMAC-проверки подписи запросов.
	SetSessionSecret(ctx context.Context, sessionID, secret string) error
	GetSessionSecret(ctx context.Context, sessionID string) (string, error)
	DeleteSessionSecret(ctx context.Context, sessionID string) error

	// IncrWindow атомарно увеличивает счётчик по ключу <route><identifier>
	// и возвращает новое значение; на первом инкременте ключу ставится TTL окна.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	Close() error
}
