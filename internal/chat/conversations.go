package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/model"
	"github.com/conversa/internal/pagination"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/ws"
)

const maxGroupName = 128

// CreateDirect находит или создает личную беседу с другим пользователем.
// Существующая беседа возвращается без побочных эффектов; новая инвалидирует
// снапшоты обоих, включает живые сокеты в комнату и уведомляет собеседника.
func (s *Service) CreateDirect(ctx context.Context, userID, otherID string) (*model.ConversationView, error) {
	if otherID == "" {
		return nil, Invalid("user_id is required")
	}
	if otherID == userID {
		return nil, Invalid("cannot start a conversation with yourself")
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		return nil, asNotFound(err, "user not found", "load user")
	}

	existing, err := s.conversations.FindDirect(ctx, userID, otherID)
	if err == nil {
		return s.buildView(ctx, existing, userID)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, Internal("find direct conversation", err)
	}

	conv := &model.Conversation{
		ID:        uuid.New().String(),
		IsGroup:   false,
		CreatedBy: userID,
		CreatedAt: time.Now().UTC(),
	}
	persistCtx, cancel := s.persistCtx(ctx)
	created, existed, err := s.conversations.CreateDirect(persistCtx, conv, userID, otherID)
	cancel()
	if err != nil {
		return nil, Upstream("create conversation", err)
	}
	if existed {
		// Параллельный запрос успел первым: его диалог возвращаем как свой,
		// без повторной инвалидации и уведомлений.
		return s.buildView(ctx, created, userID)
	}
	conv = created

	// Инвалидация до ответа: следующий Get обязан увидеть новую беседу.
	s.snapshots.InvalidateMany(ctx, []string{userID, otherID})
	s.hub.JoinUserConversation(userID, conv.ID)
	s.hub.JoinUserConversation(otherID, conv.ID)

	view, err := s.buildView(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	if otherView, verr := s.buildView(ctx, conv, otherID); verr == nil {
		s.hub.SendToUser(otherID, ws.Event{Type: ws.EventUpdateConversation, Payload: ws.UpdateConversationPayload{
			ConversationID: conv.ID,
			Data:           otherView,
		}})
	} else {
		logger.Errorf("chat: direct view for partner %s: %v", otherID, verr)
	}
	return view, nil
}

// CreateGroup создает групповую беседу; создатель — админ. Все участники
// инвалидируются, их живые сокеты входят в комнату, после чего туда уходит
// new_group_chat.
func (s *Service) CreateGroup(ctx context.Context, userID, name string, memberIDs []string) (*model.ConversationView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Invalid("name is required")
	}
	if len(name) > maxGroupName {
		return nil, Invalid("name too long")
	}
	memberIDs = dedupe(exclude(memberIDs, userID))
	if len(memberIDs) == 0 {
		return nil, Invalid("member_ids must include at least one other user")
	}
	for _, id := range memberIDs {
		if _, err := s.users.GetByID(ctx, id); err != nil {
			return nil, asNotFound(err, "member not found: "+id, "load member")
		}
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		Name:      name,
		IsGroup:   true,
		CreatedBy: userID,
		CreatedAt: now,
	}
	members := make([]model.Member, 0, len(memberIDs)+1)
	members = append(members, model.Member{ConversationID: conv.ID, UserID: userID, IsAdmin: true, JoinedAt: now})
	for _, id := range memberIDs {
		members = append(members, model.Member{ConversationID: conv.ID, UserID: id, JoinedAt: now})
	}

	persistCtx, cancel := s.persistCtx(ctx)
	err := s.conversations.Create(persistCtx, conv, members)
	cancel()
	if err != nil {
		return nil, Upstream("create group", err)
	}

	affected := append([]string{userID}, memberIDs...)
	s.snapshots.InvalidateMany(ctx, affected)
	for _, id := range affected {
		s.hub.JoinUserConversation(id, conv.ID)
	}

	view, err := s.buildView(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	s.hub.BroadcastConversation(conv.ID, ws.Event{Type: ws.EventNewGroupChat, Payload: ws.NewGroupChatPayload{
		Conversation: view,
	}})
	return view, nil
}

// ListConversations отдает карточки бесед пользователя в порядке активности.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]model.ConversationView, error) {
	convs, err := s.conversations.GetUserConversations(ctx, userID)
	if err != nil {
		return nil, Internal("list conversations", err)
	}
	views := make([]model.ConversationView, 0, len(convs))
	for i := range convs {
		view, err := s.buildView(ctx, &convs[i], userID)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// GetConversation — карточка одной беседы; доступна только участнику.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*model.ConversationView, error) {
	conv, err := s.memberConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, conv, userID)
}

// RenameGroup меняет имя группы (только админ) и рассылает
// update_conversation в комнату.
func (s *Service) RenameGroup(ctx context.Context, userID, conversationID, name string) (*model.ConversationView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Invalid("name is required")
	}
	if len(name) > maxGroupName {
		return nil, Invalid("name too long")
	}
	conv, err := s.adminConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	persistCtx, cancel := s.persistCtx(ctx)
	err = s.conversations.UpdateName(persistCtx, conversationID, name)
	cancel()
	if err != nil {
		return nil, Upstream("rename group", err)
	}
	conv.Name = name

	view, err := s.buildView(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	s.broadcastConversationUpdate(ctx, conv)
	return view, nil
}

// AddMembers включает новых участников в группу: строки членства, инвалидация
// снапшотов, живые сокеты — в комнату, самим добавленным — new_group_chat.
func (s *Service) AddMembers(ctx context.Context, userID, conversationID string, memberIDs []string) (*model.ConversationView, error) {
	conv, err := s.adminConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	memberIDs = dedupe(memberIDs)
	if len(memberIDs) == 0 {
		return nil, Invalid("member_ids is required")
	}

	now := time.Now().UTC()
	added := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if _, err := s.users.GetByID(ctx, id); err != nil {
			return nil, asNotFound(err, "member not found: "+id, "load member")
		}
		already, err := s.conversations.IsMember(ctx, conversationID, id)
		if err != nil {
			return nil, Internal("membership check", err)
		}
		if already {
			continue
		}
		persistCtx, cancel := s.persistCtx(ctx)
		err = s.conversations.AddMember(persistCtx, &model.Member{
			ConversationID: conversationID,
			UserID:         id,
			JoinedAt:       now,
		})
		cancel()
		if err != nil {
			return nil, Upstream("add member", err)
		}
		added = append(added, id)
	}

	s.snapshots.InvalidateMany(ctx, added)
	view, err := s.buildView(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range added {
		s.hub.JoinUserConversation(id, conversationID)
		s.hub.SendToUser(id, ws.Event{Type: ws.EventNewGroupChat, Payload: ws.NewGroupChatPayload{
			Conversation: view,
		}})
	}
	if len(added) > 0 {
		s.broadcastConversationUpdate(ctx, conv)
	}
	return view, nil
}

// RemoveMember исключает участника (только админ; себя — через Leave).
func (s *Service) RemoveMember(ctx context.Context, userID, conversationID, memberID string) error {
	if memberID == userID {
		return Invalid("use leave to remove yourself")
	}
	conv, err := s.adminConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	return s.dropMember(ctx, conv, memberID)
}

// Leave — самостоятельный выход участника из группы.
func (s *Service) Leave(ctx context.Context, userID, conversationID string) error {
	conv, err := s.memberConversation(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return Invalid("cannot leave a direct conversation")
	}
	return s.dropMember(ctx, conv, userID)
}

func (s *Service) dropMember(ctx context.Context, conv *model.Conversation, memberID string) error {
	persistCtx, cancel := s.persistCtx(ctx)
	removed, err := s.conversations.RemoveMember(persistCtx, conv.ID, memberID)
	cancel()
	if err != nil {
		return Upstream("remove member", err)
	}
	if !removed {
		return NotFound("not a conversation member")
	}

	s.snapshots.Invalidate(ctx, memberID)
	s.hub.LeaveUserConversation(memberID, conv.ID)
	s.broadcastConversationUpdate(ctx, conv)
	return nil
}

// History — страница истории беседы, батч 20, от новых к старым.
// page — смещение; следующая страница запрашивается со смещения из NextPage.
func (s *Service) History(ctx context.Context, userID, conversationID string, offset int) (pagination.Page[model.MessageView], error) {
	var empty pagination.Page[model.MessageView]
	if _, err := s.memberConversation(ctx, userID, conversationID); err != nil {
		return empty, err
	}
	offset = pagination.ClampOffset(offset)
	items, err := s.messages.History(ctx, conversationID, pagination.FetchLimit(pagination.MessageBatch), offset)
	if err != nil {
		return empty, Internal("load history", err)
	}
	return pagination.Build(items, offset, pagination.MessageBatch), nil
}

// broadcastConversationUpdate шлет обновленную карточку в комнату беседы.
// Карточка собирается без привязки к получателю: DisplayName личных бесед
// клиент выводит сам, для групп имя общее.
func (s *Service) broadcastConversationUpdate(ctx context.Context, conv *model.Conversation) {
	view, err := s.buildView(ctx, conv, "")
	if err != nil {
		logger.Errorf("chat: conversation update view %s: %v", conv.ID, err)
		return
	}
	s.hub.BroadcastConversation(conv.ID, ws.Event{Type: ws.EventUpdateConversation, Payload: ws.UpdateConversationPayload{
		ConversationID: conv.ID,
		Data:           view,
	}})
}

// buildView собирает карточку: участники, производное имя (для личной беседы —
// username собеседника), последнее сообщение, непрочитанное.
func (s *Service) buildView(ctx context.Context, conv *model.Conversation, forUserID string) (*model.ConversationView, error) {
	members, err := s.conversations.GetMembers(ctx, conv.ID)
	if err != nil {
		return nil, Internal("load members", err)
	}

	view := &model.ConversationView{
		Conversation: *conv,
		DisplayName:  conv.Name,
		Members:      members,
	}
	if !conv.IsGroup && forUserID != "" {
		for _, m := range members {
			if m.ID != forUserID {
				view.DisplayName = m.Username
				break
			}
		}
	}

	last, err := s.messages.GetLastMessage(ctx, conv.ID)
	if err == nil {
		view.LastMessage = last
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, Internal("load last message", err)
	}

	if forUserID != "" {
		unread, err := s.conversations.UnreadCount(ctx, conv.ID, forUserID)
		if err != nil {
			return nil, Internal("count unread", err)
		}
		view.UnreadCount = unread
	}
	return view, nil
}

func (s *Service) memberConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, asNotFound(err, "conversation not found", "load conversation")
	}
	ok, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, Internal("membership check", err)
	}
	if !ok {
		return nil, Forbidden("not a conversation member")
	}
	return conv, nil
}

func (s *Service) adminConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, asNotFound(err, "conversation not found", "load conversation")
	}
	if !conv.IsGroup {
		return nil, Invalid("not a group conversation")
	}
	isAdmin, err := s.conversations.IsAdmin(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Forbidden("not a conversation member")
		}
		return nil, Internal("admin check", err)
	}
	if !isAdmin {
		return nil, Forbidden("admin rights required")
	}
	return conv, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
