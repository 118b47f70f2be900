package chat

import (
	"context"
	"time"

	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/metrics"
	"github.com/conversa/internal/model"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/ws"
)

// handleUpdateStatus принимает отчет получателя в одиночной или пакетной
// форме. Обновление в БД идет одним батчем от имени отчитавшегося; set_status
// уходит только в комнату автора каждого сообщения, не в комнату беседы.
//
// Повторные и перепутанные по порядку отчеты безвредны: UPDATE меняет только
// пустые отметки, а seen без доставки дотягивает deliver_at тем же временем.
func (s *Service) handleUpdateStatus(ctx context.Context, c *ws.Client, p *ws.UpdateStatusPayload) {
	userID := c.UserID()
	refs := p.Refs()
	if len(refs) == 0 {
		s.sendError(c, Invalid("messageId or messages is required"))
		return
	}
	if p.Type != model.StatusDelivered && p.Type != model.StatusSeen {
		s.sendError(c, Invalid("type must be delivered or seen"))
		return
	}

	at := time.Now().UTC()
	if p.Timestamp != nil && !p.Timestamp.After(at) {
		at = p.Timestamp.UTC()
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.MessageID != "" {
			ids = append(ids, ref.MessageID)
		}
	}

	persistCtx, cancel := s.persistCtx(ctx)
	defer cancel()

	var changes []repository.StatusChange
	var err error
	switch p.Type {
	case model.StatusDelivered:
		changes, err = s.statuses.MarkDelivered(persistCtx, userID, ids, at)
	case model.StatusSeen:
		changes, err = s.statuses.MarkSeen(persistCtx, userID, ids, at)
	}
	if err != nil {
		logger.Errorf("chat: mark %s user=%s: %v", p.Type, userID, err)
		s.sendError(c, Upstream("status update failed", err))
		return
	}
	if len(changes) > 0 {
		metrics.StatusTransitions.WithLabelValues(string(p.Type)).Add(float64(len(changes)))
	}

	for _, change := range changes {
		payload := ws.SetStatusPayload{
			ConversationID: change.ConversationID,
			MessageID:      change.MessageID,
			Type:           p.Type,
			ReporterUserID: userID,
		}
		switch p.Type {
		case model.StatusDelivered:
			payload.DeliverAt = &at
		case model.StatusSeen:
			payload.SeenAt = &at
		}
		s.hub.SendToUser(change.SenderID, ws.Event{Type: ws.EventSetStatus, Payload: payload})
	}
}

// MessageReceipts собирает отметки всех получателей сообщения для любого
// участника беседы. Прочитавшие входят и в deliveredTo: seen подразумевает
// доставку.
func (s *Service) MessageReceipts(ctx context.Context, userID, messageID string) (*model.Receipts, error) {
	if messageID == "" {
		return nil, Invalid("message id is required")
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, asNotFound(err, "message not found", "load message")
	}
	ok, err := s.conversations.IsMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, Internal("membership check", err)
	}
	if !ok {
		return nil, Forbidden("not a conversation member")
	}
	delivered, seen, err := s.statuses.GetReceipts(ctx, messageID)
	if err != nil {
		return nil, Internal("load receipts", err)
	}
	if delivered == nil {
		delivered = []string{}
	}
	if seen == nil {
		seen = []string{}
	}
	return &model.Receipts{MessageID: messageID, DeliveredTo: delivered, SeenBy: seen}, nil
}

func (s *Service) sendError(c *ws.Client, err error) {
	s.hub.SendToClient(c, ws.Event{Type: ws.EventError, Payload: ws.ErrorPayload{
		Kind:    string(KindOf(err)),
		Message: Message(err),
	}})
}
