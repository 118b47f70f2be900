package model

import "time"

// Snapshot — кешируемый срез пользователя: профиль, id его бесед,
// собеседники в личных беседах и контакты. Хранится в keyed store
// по ключу user_data:<userId>; инвалидация — удаление целиком.
type Snapshot struct {
	UserID          string    `json:"userId"`
	Username        string    `json:"username"`
	Email           string    `json:"email"`
	AvatarURL       string    `json:"avatarUrl"`
	Verified        bool      `json:"verified"`
	CreatedAt       time.Time `json:"createdAt"`
	ConversationIDs []string  `json:"conversationIds"`
	PartnerIDs      []string  `json:"partnerIds"`
	ContactIDs      []string  `json:"contactIds"`
}
