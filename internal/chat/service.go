// Package chat — семантическое ядро: конвейер доставки сообщений, машина
// статусов, презенс и операции над беседами и контактами. Хаб, хранилища и
// внешние коллабораторы внедряются интерфейсами, глобального состояния нет.
package chat

import (
	"context"
	"time"

	"github.com/conversa/internal/model"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/ws"
)

// Broadcaster — комнатный примитив рассылки. Реализация в проде — ws.Hub,
// в тестах — запоминающая подделка.
type Broadcaster interface {
	JoinConversation(c *ws.Client, conversationID string)
	JoinUserConversation(userID, conversationID string)
	LeaveUserConversation(userID, conversationID string)
	BroadcastConversation(conversationID string, ev ws.Event)
	BroadcastConversationExcept(conversationID string, ev ws.Event, except *ws.Client)
	SendToUser(userID string, ev ws.Event)
	SendToClient(c *ws.Client, ev ws.Event)
	IsOnline(userID string) bool
	OnlineAmong(userIDs []string) []string
}

// ConversationStore — операции над беседами и составом участников.
type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation, members []model.Member) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	UpdateName(ctx context.Context, id, name string) error
	AddMember(ctx context.Context, m *model.Member) error
	RemoveMember(ctx context.Context, conversationID, userID string) (bool, error)
	GetMembers(ctx context.Context, conversationID string) ([]model.UserSummary, error)
	GetMemberIDs(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	IsAdmin(ctx context.Context, conversationID, userID string) (bool, error)
	GetUserConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	FindDirect(ctx context.Context, userID1, userID2 string) (*model.Conversation, error)
	CreateDirect(ctx context.Context, c *model.Conversation, userID1, userID2 string) (*model.Conversation, bool, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// MessageStore — хранение сообщений; Send транзакционен и идемпотентен по id.
type MessageStore interface {
	Send(ctx context.Context, m *model.Message, recipientIDs []string) (*model.MessageView, bool, error)
	GetByID(ctx context.Context, id string) (*model.MessageView, error)
	History(ctx context.Context, conversationID string, limit, offset int) ([]model.MessageView, error)
	GetLastMessage(ctx context.Context, conversationID string) (*model.MessageView, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Undelivered(ctx context.Context, userID string) ([]model.MessageView, error)
}

// StatusStore — отметки доставки/прочтения; возвращаются только реально
// изменившиеся строки.
type StatusStore interface {
	MarkDelivered(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]repository.StatusChange, error)
	MarkSeen(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]repository.StatusChange, error)
	GetReceipts(ctx context.Context, messageID string) (delivered, seen []string, err error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID, username, avatarURL string) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
	SearchByUsername(ctx context.Context, prefix string, limit, offset int) ([]model.User, error)
}

type ContactStore interface {
	Add(ctx context.Context, ownerID, contactID string, at time.Time) (bool, error)
	Remove(ctx context.Context, ownerID, contactID string) (bool, error)
	ListContacts(ctx context.Context, ownerID, prefix string, limit, offset int) ([]model.User, error)
}

// SnapshotCache — кеш снапшотов; инвалидация обязана завершиться до ответа
// клиенту на любую мутацию членства.
type SnapshotCache interface {
	Get(ctx context.Context, userID string) (*model.Snapshot, error)
	Invalidate(ctx context.Context, userID string)
	InvalidateMany(ctx context.Context, userIDs []string)
}

// Uploader загружает вложение во внешнее blob-хранилище. nil — вложения
// отключены.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// Notifier шлет пуш оффлайн-получателям. nil — пуши отключены.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Service реализует ws.EventSink и операции REST-слоя.
type Service struct {
	hub           Broadcaster
	conversations ConversationStore
	messages      MessageStore
	statuses      StatusStore
	users         UserStore
	contacts      ContactStore
	snapshots     SnapshotCache
	blob          Uploader
	notifier      Notifier

	// persistTimeout ограничивает транзакции, отвязанные от жизни соединения.
	persistTimeout time.Duration
}

func NewService(
	hub Broadcaster,
	conversations ConversationStore,
	messages MessageStore,
	statuses StatusStore,
	users UserStore,
	contacts ContactStore,
	snapshots SnapshotCache,
	blob Uploader,
	notifier Notifier,
) *Service {
	return &Service{
		hub:            hub,
		conversations:  conversations,
		messages:       messages,
		statuses:       statuses,
		users:          users,
		contacts:       contacts,
		snapshots:      snapshots,
		blob:           blob,
		notifier:       notifier,
		persistTimeout: 15 * time.Second,
	}
}

// persistCtx отвязывает персистентность от сокета: обрыв соединения не
// откатывает начатую транзакцию.
func (s *Service) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
}
