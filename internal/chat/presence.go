package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/metrics"
	"github.com/conversa/internal/ws"
)

// ClientRegistered поднимает соединение: снапшот, комнаты всех бесед,
// презенс для собеседников и бёрст недоставленного. Ошибки здесь best-effort:
// ack-канала нет, логируем и продолжаем.
func (s *Service) ClientRegistered(ctx context.Context, c *ws.Client, first bool) {
	metrics.WSConnections.Inc()
	userID := c.UserID()

	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	snap, err := s.snapshots.Get(ctx, userID)
	if err != nil {
		logger.Errorf("chat: snapshot on connect user=%s: %v", userID, err)
		return
	}
	for _, convID := range snap.ConversationIDs {
		s.hub.JoinConversation(c, convID)
	}

	// Презенс определен только для личных бесед; групповые собеседники
	// в connected не попадают.
	onlinePartners := s.hub.OnlineAmong(snap.PartnerIDs)
	s.hub.SendToClient(c, ws.Event{Type: ws.EventConnected, Payload: ws.ConnectedPayload{
		IsOnline: true,
		UserIDs:  onlinePartners,
	}})
	// Несколько сокетов — один логический презенс: собеседников поднимаем
	// только на первом соединении.
	if first {
		for _, partnerID := range onlinePartners {
			s.hub.SendToUser(partnerID, ws.Event{Type: ws.EventConnected, Payload: ws.ConnectedPayload{
				IsOnline: true,
				UserIDs:  []string{userID},
			}})
		}
	}

	s.flushUndelivered(ctx, c)
}

// flushUndelivered отдает скопившееся без поллинга. Отметку доставки ставит
// клиент отчетом update_status, не сервер: бёрст мог и не дойти.
func (s *Service) flushUndelivered(ctx context.Context, c *ws.Client) {
	pending, err := s.messages.Undelivered(ctx, c.UserID())
	if err != nil {
		logger.Errorf("chat: undelivered for user=%s: %v", c.UserID(), err)
		return
	}
	if len(pending) == 0 {
		return
	}
	s.hub.SendToClient(c, ws.Event{Type: ws.EventUndeliveredMessages, Payload: pending})
	metrics.UndeliveredFlushed.Add(float64(len(pending)))
}

// ClientUnregistered спускает презенс после закрытия последнего соединения
// пользователя.
func (s *Service) ClientUnregistered(ctx context.Context, c *ws.Client, last bool) {
	metrics.WSConnections.Dec()
	if !last {
		return
	}
	userID := c.UserID()

	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	if err := s.users.TouchLastSeen(ctx, userID, time.Now().UTC()); err != nil {
		logger.Errorf("chat: touch last seen user=%s: %v", userID, err)
	}

	snap, err := s.snapshots.Get(ctx, userID)
	if err != nil {
		logger.Errorf("chat: snapshot on disconnect user=%s: %v", userID, err)
		return
	}
	for _, partnerID := range s.hub.OnlineAmong(snap.PartnerIDs) {
		s.hub.SendToUser(partnerID, ws.Event{Type: ws.EventConnected, Payload: ws.ConnectedPayload{
			IsOnline: false,
			UserIDs:  []string{userID},
		}})
	}
}

// HandleEvent разбирает конверт клиентского события и ведет его к обработчику.
// Битый payload отвечается ошибкой в то же соединение и дальше не идет.
func (s *Service) HandleEvent(ctx context.Context, c *ws.Client, ev ws.IncomingEvent) {
	metrics.EventsIn.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case ws.EventSendMessage:
		var p ws.SendMessagePayload
		if !s.decode(c, ev.Payload, &p) {
			return
		}
		s.handleSendMessage(ctx, c, &p)
	case ws.EventUpdateStatus:
		var p ws.UpdateStatusPayload
		if !s.decode(c, ev.Payload, &p) {
			return
		}
		s.handleUpdateStatus(ctx, c, &p)
	case ws.EventEditMessage:
		var p ws.EditMessagePayload
		if !s.decode(c, ev.Payload, &p) {
			return
		}
		s.handleEditMessage(ctx, c, &p)
	case ws.EventDeleteMessage:
		var p ws.DeleteMessagePayload
		if !s.decode(c, ev.Payload, &p) {
			return
		}
		s.handleDeleteMessage(ctx, c, &p)
	default:
		logger.Debugf("chat: unknown event type %q from user=%s", ev.Type, c.UserID())
		s.hub.SendToClient(c, ws.Event{Type: ws.EventError, Payload: ws.ErrorPayload{
			Kind:    string(KindInvalid),
			Message: "unknown event type",
		}})
	}
}

func (s *Service) decode(c *ws.Client, raw json.RawMessage, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		s.hub.SendToClient(c, ws.Event{Type: ws.EventError, Payload: ws.ErrorPayload{
			Kind:    string(KindInvalid),
			Message: "malformed event payload",
		}})
		return false
	}
	return true
}
