// Package snapshot кеширует пользовательские снапшоты (профиль, членства,
// собеседники, контакты) поверх keyed store. Кеш прозрачный: промах или битое
// значение ведут к пересборке из БД, недоступность стора не валит запрос.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/model"
	"github.com/conversa/internal/storage"
)

// Source пересобирает снапшот из основных таблиц.
type Source interface {
	LoadSnapshot(ctx context.Context, userID string) (*model.Snapshot, error)
}

type Cache struct {
	store  storage.SessionCacheStore
	source Source
}

func NewCache(store storage.SessionCacheStore, source Source) *Cache {
	return &Cache{store: store, source: source}
}

// Get возвращает снапшот из keyed store, при промахе собирает из БД и кладет
// обратно с TTL. Ошибка возможна только от источника: деградация стора
// означает лишь лишние обращения к БД.
func (c *Cache) Get(ctx context.Context, userID string) (*model.Snapshot, error) {
	data, err := c.store.GetSnapshot(ctx, userID)
	if err == nil {
		s := &model.Snapshot{}
		if uerr := json.Unmarshal(data, s); uerr == nil {
			return s, nil
		}
		// Битое значение: пересобираем, как при обычном промахе.
		logger.Errorf("snapshot: corrupt cache entry for %s, rebuilding", userID)
	} else if !errors.Is(err, storage.ErrNoSnapshot) {
		logger.Errorf("snapshot: store get for %s: %v", userID, err)
	}

	s, err := c.source.LoadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, merr := json.Marshal(s); merr == nil {
		if serr := c.store.SetSnapshot(ctx, userID, data); serr != nil {
			logger.Errorf("snapshot: store set for %s: %v", userID, serr)
		}
	}
	return s, nil
}

// Invalidate удаляет кеш целиком; следующий Get пересоберет снапшот.
// Частичных обновлений нет: любое изменение профиля, членства или контактов
// инвалидирует весь срез.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if err := c.store.DeleteSnapshot(ctx, userID); err != nil {
		logger.Errorf("snapshot: invalidate %s: %v", userID, err)
	}
}

// InvalidateMany — для операций, задевающих сразу нескольких пользователей
// (создание группы, смена состава).
func (c *Cache) InvalidateMany(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		c.Invalidate(ctx, id)
	}
}
