package devstore

import (
	"context"
	"time"

	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/storage/memory"
)

// Client реализует SessionCacheStore для режима -dev: снапшоты и счётчики
// в памяти, session_secret в БД — сессии переживают перезапуск процесса.
type Client struct {
	mem  *memory.Client
	repo *repository.SessionRepository
}

func New(repo *repository.SessionRepository) *Client {
	return &Client{mem: memory.New(), repo: repo}
}

func (c *Client) Close() error { return c.mem.Close() }

func (c *Client) SetSnapshot(ctx context.Context, userID string, data []byte) error {
	return c.mem.SetSnapshot(ctx, userID, data)
}
func (c *Client) GetSnapshot(ctx context.Context, userID string) ([]byte, error) {
	return c.mem.GetSnapshot(ctx, userID)
}
func (c *Client) DeleteSnapshot(ctx context.Context, userID string) error {
	return c.mem.DeleteSnapshot(ctx, userID)
}

func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.mem.IncrWindow(ctx, key, window)
}

func (c *Client) SetSessionSecret(ctx context.Context, sessionID, secret string) error {
	return c.repo.SetSessionSecret(ctx, sessionID, secret)
}
func (c *Client) GetSessionSecret(ctx context.Context, sessionID string) (string, error) {
	return c.repo.GetSessionSecret(ctx, sessionID)
}
func (c *Client) DeleteSessionSecret(ctx context.Context, sessionID string) error {
	return c.repo.ClearSessionSecret(ctx, sessionID)
}
