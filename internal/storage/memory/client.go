package memory

import (
	"context"
	"sync"
	"time"

	"github.com/conversa/internal/storage"
)

const (
	snapshotTTL      = 24 * time.Hour
	sessionSecretTTL = 30 * 24 * time.Hour
)

type item struct {
	val []byte
	exp time.Time
}

type counter struct {
	n   int64
	exp time.Time
}

type Client struct {
	mu        sync.RWMutex
	snapshots map[string]item
	secrets   map[string]item
	counters  map[string]counter
}

func New() *Client {
	return &Client{
		snapshots: make(map[string]item),
		secrets:   make(map[string]item),
		counters:  make(map[string]counter),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetSnapshot(ctx context.Context, userID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.snapshots[userID] = item{val: cp, exp: time.Now().Add(snapshotTTL)}
	return nil
}

func (c *Client) GetSnapshot(ctx context.Context, userID string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.snapshots[userID]
	if !ok || time.Now().After(v.exp) {
		return nil, storage.ErrNoSnapshot
	}
	return v.val, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, userID)
	return nil
}

func (c *Client) SetSessionSecret(ctx context.Context, sessionID, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[sessionID] = item{val: []byte(secret), exp: time.Now().Add(sessionSecretTTL)}
	return nil
}

func (c *Client) GetSessionSecret(ctx context.Context, sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.secrets[sessionID]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return string(v.val), nil
}

func (c *Client) DeleteSessionSecret(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, sessionID)
	return nil
}

func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	v, ok := c.counters[key]
	if !ok || now.After(v.exp) {
		c.counters[key] = counter{n: 1, exp: now.Add(window)}
		return 1, nil
	}
	v.n++
	c.counters[key] = v
	return v.n, nil
}
