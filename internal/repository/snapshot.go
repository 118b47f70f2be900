package repository

import (
	"context"
	"time"

	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/model"
)

// SnapshotRepository собирает снапшот пользователя из основных таблиц.
// Это единственный источник для кеша снапшотов: все поля перечитываются
// целиком, частичных пересборок нет.
type SnapshotRepository struct {
	users         *UserRepository
	conversations *ConversationRepository
	contacts      *ContactRepository
}

func NewSnapshotRepository(users *UserRepository, conversations *ConversationRepository, contacts *ContactRepository) *SnapshotRepository {
	return &SnapshotRepository{users: users, conversations: conversations, contacts: contacts}
}

func (r *SnapshotRepository) LoadSnapshot(ctx context.Context, userID string) (*model.Snapshot, error) {
	defer logger.DeferLogDuration("snapshot.LoadSnapshot", time.Now())()

	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	conversationIDs, err := r.conversations.MemberConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	partnerIDs, err := r.conversations.DirectPartnerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	contactIDs, err := r.contacts.ContactIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &model.Snapshot{
		UserID:          u.ID,
		Username:        u.Username,
		Email:           u.Email,
		AvatarURL:       u.AvatarURL,
		Verified:        u.Verified,
		CreatedAt:       u.CreatedAt,
		ConversationIDs: conversationIDs,
		PartnerIDs:      partnerIDs,
		ContactIDs:      contactIDs,
	}, nil
}
