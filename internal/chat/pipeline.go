package chat

import (
	"context"
	"errors"
	"time"

	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/metrics"
	"github.com/conversa/internal/model"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/ws"
)

const maxMessageContent = 64 * 1024

// handleSendMessage — конвейер доставки: вложение в blob → транзакция
// (сообщение + статусы получателей + отметка активности) → рассылка в комнату
// без отправителя → ack. Ack уходит строго после коммита: галочка «отправлено»
// означает надежную запись, не оптимистичную рассылку.
func (s *Service) handleSendMessage(ctx context.Context, c *ws.Client, p *ws.SendMessagePayload) {
	senderID := c.UserID()
	if err := validateSend(p); err != nil {
		s.ackError(c, p.MessageID, err)
		return
	}

	ok, err := s.conversations.IsMember(ctx, p.ConversationID, senderID)
	if err != nil {
		s.ackError(c, p.MessageID, Internal("membership check", err))
		return
	}
	if !ok {
		s.ackError(c, p.MessageID, Forbidden("not a conversation member"))
		return
	}

	// Вложение — до транзакции: упавшая загрузка валит отправку целиком,
	// сообщение с битой ссылкой не сохраняется.
	var fileURL string
	if p.Attachment != nil {
		if s.blob == nil {
			s.ackError(c, p.MessageID, Invalid("attachments are disabled"))
			return
		}
		fileURL, err = s.blob.Upload(ctx, p.Attachment.Name, p.Attachment.Data)
		if err != nil {
			s.ackError(c, p.MessageID, Upstream("attachment upload failed", err))
			return
		}
	}

	// initialStatusMap с клиента не авторитетен: состав получателей всегда
	// из conversation_members.
	recipients, err := s.conversations.GetMemberIDs(ctx, p.ConversationID)
	if err != nil {
		s.ackError(c, p.MessageID, Internal("load members", err))
		return
	}
	recipients = exclude(recipients, senderID)

	msg := &model.Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		SenderID:       senderID,
		Content:        p.Content,
		FileURL:        fileURL,
		SentAt:         time.Now().UTC(),
	}

	start := time.Now()
	persistCtx, cancel := s.persistCtx(ctx)
	stored, duplicated, err := s.messages.Send(persistCtx, msg, recipients)
	cancel()
	if errors.Is(err, repository.ErrMessageIDConflict) {
		s.ackError(c, p.MessageID, Invalid("messageId is already used by another message"))
		return
	}
	if err != nil {
		s.ackError(c, p.MessageID, Upstream("message persist failed", err))
		return
	}
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	s.hub.SendToClient(c, ws.Event{Type: ws.EventAck, Payload: ws.AckPayload{
		MessageID: stored.ID,
		FileURL:   stored.FileURL,
	}})

	// Ретрай с тем же id уже разошелся при первой отправке.
	if duplicated {
		metrics.MessagesDuplicated.Inc()
		logger.Debugf("chat: duplicate send message=%s user=%s", stored.ID, senderID)
		return
	}
	metrics.MessagesSent.Inc()

	s.hub.BroadcastConversationExcept(stored.ConversationID, ws.Event{
		Type:    ws.EventNewMessage,
		Payload: stored,
	}, c)

	s.notifyOffline(ctx, stored, recipients)
}

// notifyOffline шлет пуш только тем получателям, у кого нет живого сокета.
func (s *Service) notifyOffline(ctx context.Context, m *model.MessageView, recipients []string) {
	if s.notifier == nil {
		return
	}
	body := m.Content
	if body == "" && m.FileURL != "" {
		body = "attachment"
	}
	title := "New message"
	if m.Sender != nil && m.Sender.Username != "" {
		title = m.Sender.Username
	}
	for _, id := range recipients {
		if s.hub.IsOnline(id) {
			continue
		}
		s.notifier.Notify(ctx, id, title, body, map[string]string{
			"conversationId": m.ConversationID,
			"messageId":      m.ID,
		})
	}
}

// handleEditMessage правит содержимое своего сообщения и рассылает
// update_message в комнату беседы.
func (s *Service) handleEditMessage(ctx context.Context, c *ws.Client, p *ws.EditMessagePayload) {
	if p.MessageID == "" || p.Content == "" {
		s.ackError(c, p.MessageID, Invalid("messageId and content are required"))
		return
	}
	if len(p.Content) > maxMessageContent {
		s.ackError(c, p.MessageID, Invalid("content too long"))
		return
	}

	m, err := s.messages.GetByID(ctx, p.MessageID)
	if err != nil {
		s.ackError(c, p.MessageID, asNotFound(err, "message not found", "load message"))
		return
	}
	if m.SenderID != c.UserID() {
		s.ackError(c, p.MessageID, Forbidden("only the sender can edit a message"))
		return
	}
	if m.DeletedAt != nil {
		s.ackError(c, p.MessageID, NotFound("message is deleted"))
		return
	}

	at := time.Now().UTC()
	persistCtx, cancel := s.persistCtx(ctx)
	err = s.messages.UpdateContent(persistCtx, p.MessageID, p.Content, at)
	cancel()
	if err != nil {
		s.ackError(c, p.MessageID, Upstream("message update failed", err))
		return
	}

	s.hub.SendToClient(c, ws.Event{Type: ws.EventAck, Payload: ws.AckPayload{MessageID: p.MessageID}})
	s.hub.BroadcastConversationExcept(m.ConversationID, ws.Event{
		Type: ws.EventUpdateMessage,
		Payload: ws.UpdateMessagePayload{
			MessageID:      p.MessageID,
			ConversationID: m.ConversationID,
			Content:        p.Content,
			UpdatedAt:      at,
		},
	}, c)
}

// handleDeleteMessage — мягкое удаление своего сообщения с рассылкой
// remove_message.
func (s *Service) handleDeleteMessage(ctx context.Context, c *ws.Client, p *ws.DeleteMessagePayload) {
	if p.MessageID == "" {
		s.ackError(c, p.MessageID, Invalid("messageId is required"))
		return
	}

	m, err := s.messages.GetByID(ctx, p.MessageID)
	if err != nil {
		s.ackError(c, p.MessageID, asNotFound(err, "message not found", "load message"))
		return
	}
	if m.SenderID != c.UserID() {
		s.ackError(c, p.MessageID, Forbidden("only the sender can delete a message"))
		return
	}

	at := time.Now().UTC()
	persistCtx, cancel := s.persistCtx(ctx)
	err = s.messages.SoftDelete(persistCtx, p.MessageID, at)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Уже удалено — повторный запрос подтверждаем без рассылки.
			s.hub.SendToClient(c, ws.Event{Type: ws.EventAck, Payload: ws.AckPayload{MessageID: p.MessageID}})
			return
		}
		s.ackError(c, p.MessageID, Upstream("message delete failed", err))
		return
	}

	s.hub.SendToClient(c, ws.Event{Type: ws.EventAck, Payload: ws.AckPayload{MessageID: p.MessageID}})
	s.hub.BroadcastConversationExcept(m.ConversationID, ws.Event{
		Type: ws.EventRemoveMessage,
		Payload: ws.RemoveMessagePayload{
			MessageID:      p.MessageID,
			ConversationID: m.ConversationID,
			DeletedAt:      at,
		},
	}, c)
}

func (s *Service) ackError(c *ws.Client, messageID string, err error) {
	if KindOf(err) == KindInternal || KindOf(err) == KindUpstream {
		logger.Errorf("chat: %v", err)
	}
	s.hub.SendToClient(c, ws.Event{Type: ws.EventAck, Payload: ws.AckPayload{
		MessageID: messageID,
		Error:     Message(err),
	}})
}

func validateSend(p *ws.SendMessagePayload) error {
	if p.MessageID == "" {
		return Invalid("messageId is required")
	}
	if p.ConversationID == "" {
		return Invalid("conversationId is required")
	}
	if p.Content == "" && p.Attachment == nil {
		return Invalid("content or attachment is required")
	}
	if len(p.Content) > maxMessageContent {
		return Invalid("content too long")
	}
	if p.Attachment != nil && (p.Attachment.Name == "" || len(p.Attachment.Data) == 0) {
		return Invalid("attachment name and data are required")
	}
	return nil
}

func asNotFound(err error, notFoundMsg, internalMsg string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return NotFound(notFoundMsg)
	}
	return Internal(internalMsg, err)
}

func exclude(ids []string, skip string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
