package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conversa/internal/storage"
)

// Снапшот живёт сутки (обновляется инвалидацией при любой мутации членства);
// секрет сессии — срок жизни сессии.
const (
	SnapshotTTL      = 86400
	SessionSecretTTL = 30 * 24 * 3600
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetSnapshot сохраняет JSON снапшота по ключу user_data:{userId}, TTL 24ч.
func (c *Client) SetSnapshot(ctx context.Context, userID string, data []byte) error {
	return c.cli.Set(ctx, "user_data:"+userID, data, SnapshotTTL*time.Second).Err()
}

// GetSnapshot возвращает JSON снапшота; при отсутствии ключа — storage.ErrNoSnapshot.
func (c *Client) GetSnapshot(ctx context.Context, userID string) ([]byte, error) {
	val, err := c.cli.Get(ctx, "user_data:"+userID).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNoSnapshot
	}
	return val, err
}

// DeleteSnapshot удаляет снапшот целиком — единственная операция инвалидации.
func (c *Client) DeleteSnapshot(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, "user_data:"+userID).Err()
}

func (c *Client) SetSessionSecret(ctx context.Context, sessionID, secret string) error {
	return c.cli.Set(ctx, "session_secret:"+sessionID, secret, SessionSecretTTL*time.Second).Err()
}

func (c *Client) GetSessionSecret(ctx context.Context, sessionID string) (string, error) {
	val, err := c.cli.Get(ctx, "session_secret:"+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) DeleteSessionSecret(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, "session_secret:"+sessionID).Err()
}

// IncrWindow атомарно инкрементирует ключ; TTL окна ставится на первом инкременте.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, window)
	}
	return n, nil
}

// FlushDB очищает текущую БД Redis (сброс снапшотов и счётчиков при тестах/перезапуске).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
