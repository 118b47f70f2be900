package chat

import (
	"context"
	"strings"
	"time"

	"github.com/conversa/internal/model"
	"github.com/conversa/internal/pagination"
)

// AddContact рисует направленное ребро owner→contact. Симметрии нет:
// обратное ребро появляется только когда второй пользователь добавит сам.
func (s *Service) AddContact(ctx context.Context, ownerID, contactID string) error {
	if contactID == "" {
		return Invalid("user_id is required")
	}
	if contactID == ownerID {
		return Invalid("cannot add yourself as a contact")
	}
	if _, err := s.users.GetByID(ctx, contactID); err != nil {
		return asNotFound(err, "user not found", "load user")
	}

	persistCtx, cancel := s.persistCtx(ctx)
	added, err := s.contacts.Add(persistCtx, ownerID, contactID, time.Now().UTC())
	cancel()
	if err != nil {
		return Upstream("add contact", err)
	}
	if added {
		// Контакты входят в снапшот владельца; у добавленного снапшот не
		// задет — ребро направленное.
		s.snapshots.Invalidate(ctx, ownerID)
	}
	return nil
}

func (s *Service) RemoveContact(ctx context.Context, ownerID, contactID string) error {
	persistCtx, cancel := s.persistCtx(ctx)
	removed, err := s.contacts.Remove(persistCtx, ownerID, contactID)
	cancel()
	if err != nil {
		return Upstream("remove contact", err)
	}
	if !removed {
		return NotFound("contact not found")
	}
	s.snapshots.Invalidate(ctx, ownerID)
	return nil
}

// ListContacts — страница контактов владельца, батч 10, по username.
func (s *Service) ListContacts(ctx context.Context, ownerID, prefix string, offset int) (pagination.Page[model.UserSummary], error) {
	var empty pagination.Page[model.UserSummary]
	offset = pagination.ClampOffset(offset)
	users, err := s.contacts.ListContacts(ctx, ownerID, prefix, pagination.FetchLimit(pagination.UserBatch), offset)
	if err != nil {
		return empty, Internal("list contacts", err)
	}
	return pagination.Build(summaries(users), offset, pagination.UserBatch), nil
}

// SearchUsers — префиксный поиск по username, батч 10.
func (s *Service) SearchUsers(ctx context.Context, prefix string, offset int) (pagination.Page[model.UserSummary], error) {
	var empty pagination.Page[model.UserSummary]
	offset = pagination.ClampOffset(offset)
	users, err := s.users.SearchByUsername(ctx, prefix, pagination.FetchLimit(pagination.UserBatch), offset)
	if err != nil {
		return empty, Internal("search users", err)
	}
	return pagination.Build(summaries(users), offset, pagination.UserBatch), nil
}

// GetProfile — собственный профиль.
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, asNotFound(err, "user not found", "load user")
	}
	return u, nil
}

// UpdateProfile меняет редактируемые поля профиля. Username кеширован в
// снапшоте, поэтому правка инвалидирует его до ответа.
func (s *Service) UpdateProfile(ctx context.Context, userID, username, avatarURL string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, Invalid("username is required")
	}
	if len(username) > 64 {
		return nil, Invalid("username too long")
	}

	persistCtx, cancel := s.persistCtx(ctx)
	err := s.users.UpdateProfile(persistCtx, userID, username, strings.TrimSpace(avatarURL))
	cancel()
	if err != nil {
		return nil, asNotFound(err, "user not found", "update profile")
	}
	s.snapshots.Invalidate(ctx, userID)
	return s.GetProfile(ctx, userID)
}

func summaries(users []model.User) []model.UserSummary {
	out := make([]model.UserSummary, 0, len(users))
	for i := range users {
		out = append(out, users[i].Summary())
	}
	return out
}
