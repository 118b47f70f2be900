package ws

import (
	"encoding/json"
	"time"

	"github.com/conversa/internal/model"
)

type EventType string

const (
	// Клиент → сервер.
	EventSendMessage   EventType = "send_message"
	EventUpdateStatus  EventType = "update_status"
	EventEditMessage   EventType = "edit_message"
	EventDeleteMessage EventType = "delete_message"

	// Сервер → клиент.
	EventConnected           EventType = "connected"
	EventNewMessage          EventType = "new_message"
	EventUpdateMessage       EventType = "update_message"
	EventRemoveMessage       EventType = "remove_message"
	EventSetStatus           EventType = "set_status"
	EventUndeliveredMessages EventType = "undelivered_messages"
	EventUpdateConversation  EventType = "update_conversation"
	EventNewGroupChat        EventType = "new_group_chat"
	EventAck                 EventType = "ack"
	EventError               EventType = "error"
)

// IncomingEvent — конверт клиентского события. Payload разбирается по Type
// в соответствующую структуру уже на семантическом слое.
type IncomingEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event — конверт серверного события.
// Payload — типизированные структуры, без map[string]any.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// --- Входящие payload ---

// AttachmentPayload — вложение целиком внутри события (base64 в JSON).
type AttachmentPayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// SendMessagePayload. MessageID генерирует клиент, он же ключ идемпотентности
// ретраев. Клиентские sentAt и initialStatusMap принимаются, но авторитетны
// серверные часы и состав участников из БД.
type SendMessagePayload struct {
	MessageID        string             `json:"messageId"`
	ConversationID   string             `json:"conversationId"`
	Content          string             `json:"content,omitempty"`
	SentAt           *time.Time         `json:"sentAt,omitempty"`
	Attachment       *AttachmentPayload `json:"attachment,omitempty"`
	InitialStatusMap map[string]string  `json:"initialStatusMap,omitempty"`
}

// StatusRef — элемент пакетного отчета о статусах.
type StatusRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
}

// UpdateStatusPayload поддерживает обе формы отчета получателя: одиночную
// (messageId + senderId) и пакетную (messages) при открытии диалога со
// скопившимися сообщениями.
type UpdateStatusPayload struct {
	Type           model.StatusKind `json:"type"`
	MessageID      string           `json:"messageId,omitempty"`
	SenderID       string           `json:"senderId,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Messages       []StatusRef      `json:"messages,omitempty"`
	Timestamp      *time.Time       `json:"timestamp,omitempty"`
}

// Refs приводит обе формы к одной.
func (p *UpdateStatusPayload) Refs() []StatusRef {
	if len(p.Messages) > 0 {
		return p.Messages
	}
	if p.MessageID == "" {
		return nil
	}
	return []StatusRef{{
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		SenderID:       p.SenderID,
	}}
}

type EditMessagePayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

type DeleteMessagePayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// --- Исходящие payload ---

// ConnectedPayload — презенс для личных диалогов. Подключившийся получает
// список собеседников онлайн; каждому из них уходит [userId] подключившегося.
type ConnectedPayload struct {
	IsOnline bool     `json:"isOnline"`
	UserIDs  []string `json:"userIds"`
}

// SetStatusPayload уходит только в комнату автора сообщения, не в комнату диалога.
type SetStatusPayload struct {
	ConversationID string           `json:"conversationId"`
	MessageID      string           `json:"messageId"`
	Type           model.StatusKind `json:"type"`
	DeliverAt      *time.Time       `json:"deliverAt,omitempty"`
	SeenAt         *time.Time       `json:"seenAt,omitempty"`
	ReporterUserID string           `json:"reporterUserId"`
}

type UpdateMessagePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type RemoveMessagePayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

// AckPayload подтверждает операцию клиента строго после коммита.
// Error и FileURL взаимоисключающие.
type AckPayload struct {
	MessageID string `json:"messageId"`
	FileURL   string `json:"fileUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload — ошибка без корреляции с операцией (битый конверт и т.п.).
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// UpdateConversationPayload несет обновленную карточку диалога.
type UpdateConversationPayload struct {
	ConversationID string                  `json:"conversationId"`
	Data           *model.ConversationView `json:"data"`
}

// NewGroupChatPayload уведомляет участника о включении в новую группу.
type NewGroupChatPayload struct {
	Conversation *model.ConversationView `json:"conversation"`
}
