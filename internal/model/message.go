package model

import "time"

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	FileURL        string     `json:"fileUrl,omitempty"`
	SentAt         time.Time  `json:"sentAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// MessageView is a message with the denormalized sender card attached.
type MessageView struct {
	Message
	Sender *UserSummary `json:"sender,omitempty"`
}

type StatusKind string

const (
	StatusDelivered StatusKind = "delivered"
	StatusSeen      StatusKind = "seen"
)

// MessageStatus — строка получателя. Обе отметки NULL = sent;
// seen_at никогда не раньше deliver_at.
type MessageStatus struct {
	UserID    string     `json:"userId"`
	MessageID string     `json:"messageId"`
	DeliverAt *time.Time `json:"deliverAt,omitempty"`
	SeenAt    *time.Time `json:"seenAt,omitempty"`
}

// Receipts — сводка отметок по одному сообщению для его страницы деталей.
type Receipts struct {
	MessageID   string   `json:"messageId"`
	DeliveredTo []string `json:"deliveredTo"`
	SeenBy      []string `json:"seenBy"`
}
