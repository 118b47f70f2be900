package model

import "time"

type Conversation struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	IsGroup       bool       `json:"isGroup"`
	CreatedBy     string     `json:"createdBy"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type Member struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsAdmin        bool      `json:"isAdmin"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// ConversationView — карточка беседы для клиента: имя для отображения
// (для личной беседы — username собеседника), последнее сообщение,
// количество непрочитанных.
type ConversationView struct {
	Conversation
	DisplayName string        `json:"displayName"`
	Members     []UserSummary `json:"members"`
	LastMessage *MessageView  `json:"lastMessage,omitempty"`
	UnreadCount int           `json:"unreadCount"`
}
