package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/conversa/internal/model"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/ws"
)

// --- подделки ---

type sentEvent struct {
	room   string // "user:<id>", "conv:<id>", "client:<userId>"
	except string // userID исключенного соединения, если было
	event  ws.Event
}

type fakeHub struct {
	mu     sync.Mutex
	events []sentEvent
	joins  map[string][]string // userID -> conversationIDs
	online map[string]bool
}

func newFakeHub(online ...string) *fakeHub {
	h := &fakeHub{joins: make(map[string][]string), online: make(map[string]bool)}
	for _, id := range online {
		h.online[id] = true
	}
	return h
}

func (h *fakeHub) JoinConversation(c *ws.Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins[c.UserID()] = append(h.joins[c.UserID()], conversationID)
}

func (h *fakeHub) JoinUserConversation(userID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins[userID] = append(h.joins[userID], conversationID)
}

func (h *fakeHub) LeaveUserConversation(userID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.joins[userID][:0]
	for _, id := range h.joins[userID] {
		if id != conversationID {
			kept = append(kept, id)
		}
	}
	h.joins[userID] = kept
}

func (h *fakeHub) BroadcastConversation(conversationID string, ev ws.Event) {
	h.record(sentEvent{room: "conv:" + conversationID, event: ev})
}

func (h *fakeHub) BroadcastConversationExcept(conversationID string, ev ws.Event, except *ws.Client) {
	e := sentEvent{room: "conv:" + conversationID, event: ev}
	if except != nil {
		e.except = except.UserID()
	}
	h.record(e)
}

func (h *fakeHub) SendToUser(userID string, ev ws.Event) {
	h.record(sentEvent{room: "user:" + userID, event: ev})
}

func (h *fakeHub) SendToClient(c *ws.Client, ev ws.Event) {
	h.record(sentEvent{room: "client:" + c.UserID(), event: ev})
}

func (h *fakeHub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[userID]
}

func (h *fakeHub) OnlineAmong(userIDs []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []string{}
	for _, id := range userIDs {
		if h.online[id] {
			out = append(out, id)
		}
	}
	return out
}

func (h *fakeHub) record(e sentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *fakeHub) byType(t ws.EventType) []sentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sentEvent
	for _, e := range h.events {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeConversations struct {
	convs   map[string]*model.Conversation
	members map[string][]model.Member
	users   map[string]model.UserSummary

	// Вызывается один раз в начале CreateDirect: имитация соседнего запроса,
	// успевшего создать диалог между первичной проверкой и вставкой.
	beforeCreateDirect func()
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		convs:   make(map[string]*model.Conversation),
		members: make(map[string][]model.Member),
		users:   make(map[string]model.UserSummary),
	}
}

func (f *fakeConversations) addConv(id string, isGroup bool, memberIDs ...string) {
	f.convs[id] = &model.Conversation{ID: id, IsGroup: isGroup, CreatedBy: memberIDs[0], CreatedAt: time.Now()}
	for i, uid := range memberIDs {
		f.members[id] = append(f.members[id], model.Member{ConversationID: id, UserID: uid, IsAdmin: i == 0})
		if _, ok := f.users[uid]; !ok {
			f.users[uid] = model.UserSummary{ID: uid, Username: uid}
		}
	}
}

func (f *fakeConversations) Create(_ context.Context, c *model.Conversation, members []model.Member) error {
	cp := *c
	f.convs[c.ID] = &cp
	f.members[c.ID] = members
	for _, m := range members {
		if _, ok := f.users[m.UserID]; !ok {
			f.users[m.UserID] = model.UserSummary{ID: m.UserID, Username: m.UserID}
		}
	}
	return nil
}

func (f *fakeConversations) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConversations) UpdateName(_ context.Context, id, name string) error {
	c, ok := f.convs[id]
	if !ok || !c.IsGroup {
		return repository.ErrNotFound
	}
	c.Name = name
	return nil
}

func (f *fakeConversations) AddMember(_ context.Context, m *model.Member) error {
	f.members[m.ConversationID] = append(f.members[m.ConversationID], *m)
	if _, ok := f.users[m.UserID]; !ok {
		f.users[m.UserID] = model.UserSummary{ID: m.UserID, Username: m.UserID}
	}
	return nil
}

func (f *fakeConversations) RemoveMember(_ context.Context, conversationID, userID string) (bool, error) {
	list := f.members[conversationID]
	kept := list[:0]
	removed := false
	for _, m := range list {
		if m.UserID == userID {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	f.members[conversationID] = kept
	return removed, nil
}

func (f *fakeConversations) GetMembers(_ context.Context, conversationID string) ([]model.UserSummary, error) {
	var out []model.UserSummary
	for _, m := range f.members[conversationID] {
		out = append(out, f.users[m.UserID])
	}
	return out, nil
}

func (f *fakeConversations) GetMemberIDs(_ context.Context, conversationID string) ([]string, error) {
	var out []string
	for _, m := range f.members[conversationID] {
		out = append(out, m.UserID)
	}
	return out, nil
}

func (f *fakeConversations) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	for _, m := range f.members[conversationID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeConversations) IsAdmin(_ context.Context, conversationID, userID string) (bool, error) {
	for _, m := range f.members[conversationID] {
		if m.UserID == userID {
			return m.IsAdmin, nil
		}
	}
	return false, repository.ErrNotFound
}

func (f *fakeConversations) GetUserConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	var out []model.Conversation
	for id, c := range f.convs {
		for _, m := range f.members[id] {
			if m.UserID == userID {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeConversations) FindDirect(_ context.Context, a, b string) (*model.Conversation, error) {
	for id, c := range f.convs {
		if c.IsGroup {
			continue
		}
		var hasA, hasB bool
		for _, m := range f.members[id] {
			hasA = hasA || m.UserID == a
			hasB = hasB || m.UserID == b
		}
		if hasA && hasB {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeConversations) CreateDirect(ctx context.Context, c *model.Conversation, a, b string) (*model.Conversation, bool, error) {
	if f.beforeCreateDirect != nil {
		hook := f.beforeCreateDirect
		f.beforeCreateDirect = nil
		hook()
	}
	if existing, err := f.FindDirect(ctx, a, b); err == nil {
		return existing, true, nil
	}
	cp := *c
	f.convs[c.ID] = &cp
	for _, uid := range []string{a, b} {
		f.members[c.ID] = append(f.members[c.ID], model.Member{ConversationID: c.ID, UserID: uid, JoinedAt: c.CreatedAt})
		if _, ok := f.users[uid]; !ok {
			f.users[uid] = model.UserSummary{ID: uid, Username: uid}
		}
	}
	return &cp, false, nil
}

func (f *fakeConversations) UnreadCount(context.Context, string, string) (int, error) { return 0, nil }

type storedStatus struct {
	deliverAt *time.Time
	seenAt    *time.Time
}

type fakeMessages struct {
	mu       sync.Mutex
	messages map[string]*model.MessageView
	statuses map[string]map[string]*storedStatus // messageID -> userID -> status
	sendErr  error
	sends    int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		messages: make(map[string]*model.MessageView),
		statuses: make(map[string]map[string]*storedStatus),
	}
}

func (f *fakeMessages) Send(_ context.Context, m *model.Message, recipientIDs []string) (*model.MessageView, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, false, f.sendErr
	}
	f.sends++
	if existing, ok := f.messages[m.ID]; ok {
		if existing.ConversationID != m.ConversationID || existing.SenderID != m.SenderID {
			return nil, false, repository.ErrMessageIDConflict
		}
		return existing, true, nil
	}
	v := &model.MessageView{Message: *m, Sender: &model.UserSummary{ID: m.SenderID, Username: m.SenderID}}
	f.messages[m.ID] = v
	f.statuses[m.ID] = make(map[string]*storedStatus)
	for _, id := range recipientIDs {
		f.statuses[m.ID][id] = &storedStatus{}
	}
	return v, false, nil
}

func (f *fakeMessages) GetByID(_ context.Context, id string) (*model.MessageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return v, nil
}

func (f *fakeMessages) History(_ context.Context, conversationID string, limit, offset int) ([]model.MessageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []model.MessageView
	for _, v := range f.messages {
		if v.ConversationID == conversationID {
			all = append(all, *v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SentAt.After(all[j].SentAt) })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeMessages) GetLastMessage(_ context.Context, conversationID string) (*model.MessageView, error) {
	all, _ := f.History(context.Background(), conversationID, 1, 0)
	if len(all) == 0 {
		return nil, repository.ErrNotFound
	}
	return &all[0], nil
}

func (f *fakeMessages) UpdateContent(_ context.Context, id, content string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.messages[id]
	if !ok || v.DeletedAt != nil {
		return repository.ErrNotFound
	}
	v.Content = content
	v.UpdatedAt = &at
	return nil
}

func (f *fakeMessages) SoftDelete(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.messages[id]
	if !ok || v.DeletedAt != nil {
		return repository.ErrNotFound
	}
	v.Content = ""
	v.DeletedAt = &at
	return nil
}

func (f *fakeMessages) Undelivered(_ context.Context, userID string) ([]model.MessageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MessageView
	for id, byUser := range f.statuses {
		if st, ok := byUser[userID]; ok && st.deliverAt == nil {
			out = append(out, *f.messages[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// fakeStatuses работает поверх статусов fakeMessages, семантика повторяет
// guarded UPDATE репозитория: меняются только пустые отметки, seen дотягивает
// доставку.
type fakeStatuses struct {
	msgs *fakeMessages
}

func (f *fakeStatuses) MarkDelivered(_ context.Context, userID string, messageIDs []string, at time.Time) ([]repository.StatusChange, error) {
	f.msgs.mu.Lock()
	defer f.msgs.mu.Unlock()
	var changes []repository.StatusChange
	for _, id := range messageIDs {
		st, ok := f.msgs.statuses[id][userID]
		if !ok || st.deliverAt != nil {
			continue
		}
		t := at
		st.deliverAt = &t
		m := f.msgs.messages[id]
		changes = append(changes, repository.StatusChange{MessageID: id, ConversationID: m.ConversationID, SenderID: m.SenderID})
	}
	return changes, nil
}

func (f *fakeStatuses) MarkSeen(_ context.Context, userID string, messageIDs []string, at time.Time) ([]repository.StatusChange, error) {
	f.msgs.mu.Lock()
	defer f.msgs.mu.Unlock()
	var changes []repository.StatusChange
	for _, id := range messageIDs {
		st, ok := f.msgs.statuses[id][userID]
		if !ok || st.seenAt != nil {
			continue
		}
		t := at
		st.seenAt = &t
		if st.deliverAt == nil {
			st.deliverAt = &t
		}
		m := f.msgs.messages[id]
		changes = append(changes, repository.StatusChange{MessageID: id, ConversationID: m.ConversationID, SenderID: m.SenderID})
	}
	return changes, nil
}

func (f *fakeStatuses) GetReceipts(_ context.Context, messageID string) (delivered, seen []string, err error) {
	f.msgs.mu.Lock()
	defer f.msgs.mu.Unlock()
	for userID, st := range f.msgs.statuses[messageID] {
		if st.deliverAt != nil {
			delivered = append(delivered, userID)
		}
		if st.seenAt != nil {
			seen = append(seen, userID)
		}
	}
	return delivered, seen, nil
}

type fakeUsers struct {
	byID map[string]*model.User
}

func newFakeUsers(ids ...string) *fakeUsers {
	f := &fakeUsers{byID: make(map[string]*model.User)}
	for _, id := range ids {
		f.byID[id] = &model.User{ID: id, Username: id}
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpdateProfile(_ context.Context, userID, username, avatarURL string) error {
	u, ok := f.byID[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.Username = username
	u.AvatarURL = avatarURL
	return nil
}

func (f *fakeUsers) TouchLastSeen(_ context.Context, userID string, at time.Time) error {
	if u, ok := f.byID[userID]; ok {
		u.LastSeenAt = at
	}
	return nil
}

func (f *fakeUsers) SearchByUsername(_ context.Context, prefix string, limit, offset int) ([]model.User, error) {
	var all []model.User
	for _, u := range f.byID {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Username < all[j].Username })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

type fakeContacts struct {
	edges map[string]map[string]bool
}

func newFakeContacts() *fakeContacts { return &fakeContacts{edges: make(map[string]map[string]bool)} }

func (f *fakeContacts) Add(_ context.Context, ownerID, contactID string, _ time.Time) (bool, error) {
	if f.edges[ownerID] == nil {
		f.edges[ownerID] = make(map[string]bool)
	}
	if f.edges[ownerID][contactID] {
		return false, nil
	}
	f.edges[ownerID][contactID] = true
	return true, nil
}

func (f *fakeContacts) Remove(_ context.Context, ownerID, contactID string) (bool, error) {
	if !f.edges[ownerID][contactID] {
		return false, nil
	}
	delete(f.edges[ownerID], contactID)
	return true, nil
}

func (f *fakeContacts) ListContacts(context.Context, string, string, int, int) ([]model.User, error) {
	return nil, nil
}

type fakeSnapshots struct {
	mu          sync.Mutex
	snaps       map[string]*model.Snapshot
	invalidated []string
}

func newFakeSnapshots() *fakeSnapshots { return &fakeSnapshots{snaps: make(map[string]*model.Snapshot)} }

func (f *fakeSnapshots) Get(_ context.Context, userID string) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[userID]
	if !ok {
		return &model.Snapshot{UserID: userID, Username: userID}, nil
	}
	return s, nil
}

func (f *fakeSnapshots) Invalidate(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
}

func (f *fakeSnapshots) InvalidateMany(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		f.Invalidate(ctx, id)
	}
}

type fakeBlob struct {
	url string
	err error
}

func (f *fakeBlob) Upload(context.Context, string, []byte) (string, error) {
	return f.url, f.err
}

type notifyCall struct {
	userID string
	title  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (f *fakeNotifier) Notify(_ context.Context, userID, title, _ string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{userID: userID, title: title})
}

// --- сборка ---

type fixture struct {
	svc      *Service
	hub      *fakeHub
	convs    *fakeConversations
	msgs     *fakeMessages
	users    *fakeUsers
	contacts *fakeContacts
	snaps    *fakeSnapshots
	blob     *fakeBlob
	notifier *fakeNotifier
}

func newFixture(onlineUsers ...string) *fixture {
	f := &fixture{
		hub:      newFakeHub(onlineUsers...),
		convs:    newFakeConversations(),
		msgs:     newFakeMessages(),
		users:    newFakeUsers("alice", "bob", "carol", "dave"),
		contacts: newFakeContacts(),
		snaps:    newFakeSnapshots(),
		blob:     &fakeBlob{url: "/api/blobs/x"},
		notifier: &fakeNotifier{},
	}
	f.svc = NewService(f.hub, f.convs, f.msgs, &fakeStatuses{msgs: f.msgs}, f.users, f.contacts, f.snaps, f.blob, f.notifier)
	return f
}

func client(userID string) *ws.Client {
	return ws.NewClient(nil, nil, userID, nil, ws.Limits{})
}

func sendPayload(t *testing.T, f *fixture, c *ws.Client, p ws.SendMessagePayload) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.svc.HandleEvent(context.Background(), c, ws.IncomingEvent{Type: ws.EventSendMessage, Payload: raw})
}

// --- конвейер доставки ---

func TestSendCreatesStatusRowsAndBroadcasts(t *testing.T) {
	f := newFixture("alice")
	f.convs.addConv("conv1", true, "alice", "bob", "carol")
	a := client("alice")

	sendPayload(t, f, a, ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	acks := f.hub.byType(ws.EventAck)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := acks[0].event.Payload.(ws.AckPayload)
	if ack.Error != "" {
		t.Fatalf("unexpected ack error: %s", ack.Error)
	}

	// По строке статуса на каждого получателя кроме отправителя, обе отметки пустые.
	st := f.msgs.statuses["m1"]
	if len(st) != 2 {
		t.Fatalf("status rows = %d, want 2", len(st))
	}
	for _, uid := range []string{"bob", "carol"} {
		row, ok := st[uid]
		if !ok {
			t.Fatalf("no status row for %s", uid)
		}
		if row.deliverAt != nil || row.seenAt != nil {
			t.Fatalf("fresh status row for %s must have both timestamps nil", uid)
		}
	}
	if _, ok := st["alice"]; ok {
		t.Fatal("sender must not get a status row")
	}

	// new_message в комнату беседы без соединения отправителя.
	broadcasts := f.hub.byType(ws.EventNewMessage)
	if len(broadcasts) != 1 {
		t.Fatalf("new_message broadcasts = %d, want 1", len(broadcasts))
	}
	if broadcasts[0].room != "conv:conv1" || broadcasts[0].except != "alice" {
		t.Fatalf("broadcast went to %s except %q", broadcasts[0].room, broadcasts[0].except)
	}
	view := broadcasts[0].event.Payload.(*model.MessageView)
	if view.Sender == nil || view.Sender.ID != "alice" {
		t.Fatal("broadcast must carry the denormalized sender card")
	}
}

func TestSendDuplicateDoesNotRebroadcast(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	a := client("alice")

	p := ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"}
	sendPayload(t, f, a, p)
	sendPayload(t, f, a, p)

	if got := len(f.hub.byType(ws.EventAck)); got != 2 {
		t.Fatalf("acks = %d, want 2 (retry is re-acked)", got)
	}
	if got := len(f.hub.byType(ws.EventNewMessage)); got != 1 {
		t.Fatalf("new_message broadcasts = %d, want 1 (no re-broadcast on retry)", got)
	}
	if len(f.msgs.messages) != 1 {
		t.Fatalf("stored messages = %d, want 1", len(f.msgs.messages))
	}
}

func TestSendForeignMessageIDRejected(t *testing.T) {
	f := newFixture()
	f.convs.addConv("convA", false, "alice", "bob")
	f.convs.addConv("convB", false, "mallory", "bob")
	a := client("alice")
	m := client("mallory")

	sendPayload(t, f, a, ws.SendMessagePayload{MessageID: "m1", ConversationID: "convA", Content: "hi"})
	// Чужой id в другом диалоге — конфликт, а не идемпотентный ретрай:
	// успех здесь замаскировал бы потерю сообщения.
	sendPayload(t, f, m, ws.SendMessagePayload{MessageID: "m1", ConversationID: "convB", Content: "stolen"})

	acks := f.hub.byType(ws.EventAck)
	if len(acks) != 2 {
		t.Fatalf("acks = %d, want 2", len(acks))
	}
	if acks[1].event.Payload.(ws.AckPayload).Error == "" {
		t.Fatal("replay of a foreign message id must be answered with an error ack")
	}
	if len(f.msgs.messages) != 1 {
		t.Fatalf("stored messages = %d, want 1 (nothing persisted for convB)", len(f.msgs.messages))
	}
	if got := len(f.hub.byType(ws.EventNewMessage)); got != 1 {
		t.Fatalf("new_message broadcasts = %d, want 1", got)
	}
}

func TestSendNonMemberForbidden(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	outsider := client("carol")

	sendPayload(t, f, outsider, ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	acks := f.hub.byType(ws.EventAck)
	if len(acks) != 1 || acks[0].event.Payload.(ws.AckPayload).Error == "" {
		t.Fatal("non-member send must be rejected via ack error")
	}
	if len(f.msgs.messages) != 0 {
		t.Fatal("nothing must be persisted for a rejected send")
	}
}

func TestSendBlobFailureAbortsWholeSend(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	f.blob.err = errors.New("blob down")
	a := client("alice")

	sendPayload(t, f, a, ws.SendMessagePayload{
		MessageID:      "m1",
		ConversationID: "conv1",
		Attachment:     &ws.AttachmentPayload{Name: "pic.png", Data: []byte{1, 2, 3}},
	})

	acks := f.hub.byType(ws.EventAck)
	if len(acks) != 1 || acks[0].event.Payload.(ws.AckPayload).Error == "" {
		t.Fatal("blob failure must surface as ack error")
	}
	if len(f.msgs.messages) != 0 {
		t.Fatal("message must not be persisted when the upload fails")
	}
	if len(f.hub.byType(ws.EventNewMessage)) != 0 {
		t.Fatal("nothing must be broadcast on a failed send")
	}
}

func TestSendPersistFailureNoBroadcast(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	f.msgs.sendErr = errors.New("db down")
	a := client("alice")

	sendPayload(t, f, a, ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	acks := f.hub.byType(ws.EventAck)
	if len(acks) != 1 || acks[0].event.Payload.(ws.AckPayload).Error == "" {
		t.Fatal("persist failure must surface as ack error")
	}
	if len(f.hub.byType(ws.EventNewMessage)) != 0 {
		t.Fatal("no broadcast without a committed transaction")
	}
}

func TestSendNotifiesOfflineRecipientsOnly(t *testing.T) {
	f := newFixture("alice", "bob") // carol оффлайн
	f.convs.addConv("conv1", true, "alice", "bob", "carol")
	a := client("alice")

	sendPayload(t, f, a, ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.calls) != 1 || f.notifier.calls[0].userID != "carol" {
		t.Fatalf("notify calls = %+v, want exactly carol", f.notifier.calls)
	}
}

// --- машина статусов ---

func statusPayload(t *testing.T, f *fixture, c *ws.Client, p ws.UpdateStatusPayload) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.svc.HandleEvent(context.Background(), c, ws.IncomingEvent{Type: ws.EventUpdateStatus, Payload: raw})
}

func TestStatusFanOutGoesToSenderOnly(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", true, "alice", "bob", "carol")
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	statusPayload(t, f, client("bob"), ws.UpdateStatusPayload{
		Type:           model.StatusDelivered,
		MessageID:      "m1",
		SenderID:       "alice",
		ConversationID: "conv1",
	})

	fanouts := f.hub.byType(ws.EventSetStatus)
	if len(fanouts) != 1 {
		t.Fatalf("set_status events = %d, want 1", len(fanouts))
	}
	if fanouts[0].room != "user:alice" {
		t.Fatalf("set_status went to %s, want the sender's user room", fanouts[0].room)
	}
	p := fanouts[0].event.Payload.(ws.SetStatusPayload)
	if p.ReporterUserID != "bob" || p.MessageID != "m1" || p.DeliverAt == nil {
		t.Fatalf("unexpected set_status payload: %+v", p)
	}
}

func TestStatusSeenAutoPromotesDelivered(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	// seen без предшествующего delivered.
	statusPayload(t, f, client("bob"), ws.UpdateStatusPayload{
		Type:      model.StatusSeen,
		MessageID: "m1",
		SenderID:  "alice",
	})

	st := f.msgs.statuses["m1"]["bob"]
	if st.seenAt == nil {
		t.Fatal("seenAt not set")
	}
	if st.deliverAt == nil {
		t.Fatal("seen must auto-promote deliverAt, invariant seenAt => deliverAt")
	}
}

func TestMessageReceipts(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", true, "alice", "bob", "carol")
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	statusPayload(t, f, client("bob"), ws.UpdateStatusPayload{Type: model.StatusDelivered, MessageID: "m1", SenderID: "alice"})
	statusPayload(t, f, client("carol"), ws.UpdateStatusPayload{Type: model.StatusSeen, MessageID: "m1", SenderID: "alice"})

	receipts, err := f.svc.MessageReceipts(context.Background(), "alice", "m1")
	if err != nil {
		t.Fatalf("MessageReceipts: %v", err)
	}
	if len(receipts.DeliveredTo) != 2 {
		t.Fatalf("deliveredTo = %v, ожидались bob и carol (seen дотягивает доставку)", receipts.DeliveredTo)
	}
	if len(receipts.SeenBy) != 1 || receipts.SeenBy[0] != "carol" {
		t.Fatalf("seenBy = %v, ожидалась carol", receipts.SeenBy)
	}
}

func TestMessageReceiptsNonMemberForbidden(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	if _, err := f.svc.MessageReceipts(context.Background(), "mallory", "m1"); KindOf(err) != KindForbidden {
		t.Fatalf("kind = %v, ожидался forbidden", KindOf(err))
	}
}

func TestStatusDuplicateReportIsNoop(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	b := client("bob")
	p := ws.UpdateStatusPayload{Type: model.StatusDelivered, MessageID: "m1", SenderID: "alice"}
	statusPayload(t, f, b, p)
	first := *f.msgs.statuses["m1"]["bob"].deliverAt
	statusPayload(t, f, b, p)

	if got := len(f.hub.byType(ws.EventSetStatus)); got != 1 {
		t.Fatalf("set_status events = %d, want 1 (duplicate report must not fan out)", got)
	}
	if !f.msgs.statuses["m1"]["bob"].deliverAt.Equal(first) {
		t.Fatal("duplicate report must not move the timestamp")
	}
}

func TestStatusBatchForm(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", true, "alice", "bob", "carol")
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "one"})
	sendPayload(t, f, client("carol"), ws.SendMessagePayload{MessageID: "m2", ConversationID: "conv1", Content: "two"})

	statusPayload(t, f, client("bob"), ws.UpdateStatusPayload{
		Type: model.StatusSeen,
		Messages: []ws.StatusRef{
			{ConversationID: "conv1", MessageID: "m1", SenderID: "alice"},
			{ConversationID: "conv1", MessageID: "m2", SenderID: "carol"},
		},
	})

	fanouts := f.hub.byType(ws.EventSetStatus)
	if len(fanouts) != 2 {
		t.Fatalf("set_status events = %d, want 2", len(fanouts))
	}
	rooms := map[string]bool{}
	for _, e := range fanouts {
		rooms[e.room] = true
	}
	if !rooms["user:alice"] || !rooms["user:carol"] {
		t.Fatalf("fan-out rooms = %v, want each original sender", rooms)
	}
}

// --- презенс и подключение ---

func TestClientRegisteredJoinsRoomsAndRaisesPresence(t *testing.T) {
	f := newFixture("alice", "bob")
	f.snaps.snaps["alice"] = &model.Snapshot{
		UserID:          "alice",
		ConversationIDs: []string{"conv1", "conv2"},
		PartnerIDs:      []string{"bob", "carol"},
	}
	a := client("alice")

	f.svc.ClientRegistered(context.Background(), a, true)

	if got := f.hub.joins["alice"]; len(got) != 2 {
		t.Fatalf("alice joined %v, want both conversation rooms", got)
	}

	connected := f.hub.byType(ws.EventConnected)
	if len(connected) != 2 {
		t.Fatalf("connected events = %d, want 2 (self + one online partner)", len(connected))
	}
	self := connected[0]
	if self.room != "client:alice" {
		t.Fatalf("first connected event to %s, want the new connection", self.room)
	}
	selfPayload := self.event.Payload.(ws.ConnectedPayload)
	if !selfPayload.IsOnline || len(selfPayload.UserIDs) != 1 || selfPayload.UserIDs[0] != "bob" {
		t.Fatalf("self connected payload = %+v, want online partners [bob]", selfPayload)
	}
	partner := connected[1]
	if partner.room != "user:bob" {
		t.Fatalf("partner event to %s, want user:bob", partner.room)
	}
	partnerPayload := partner.event.Payload.(ws.ConnectedPayload)
	if !partnerPayload.IsOnline || len(partnerPayload.UserIDs) != 1 || partnerPayload.UserIDs[0] != "alice" {
		t.Fatalf("partner connected payload = %+v", partnerPayload)
	}
}

func TestSecondConnectionDoesNotReRaisePresence(t *testing.T) {
	f := newFixture("alice", "bob")
	f.snaps.snaps["alice"] = &model.Snapshot{UserID: "alice", PartnerIDs: []string{"bob"}}

	f.svc.ClientRegistered(context.Background(), client("alice"), false)

	for _, e := range f.hub.byType(ws.EventConnected) {
		if e.room == "user:bob" {
			t.Fatal("partners must not be re-notified on a second connection")
		}
	}
}

func TestClientUnregisteredLowersPresenceOnLastOnly(t *testing.T) {
	f := newFixture("bob")
	f.snaps.snaps["alice"] = &model.Snapshot{UserID: "alice", PartnerIDs: []string{"bob"}}
	a := client("alice")

	f.svc.ClientUnregistered(context.Background(), a, false)
	if got := len(f.hub.byType(ws.EventConnected)); got != 0 {
		t.Fatalf("connected events = %d after non-last close, want 0", got)
	}

	f.svc.ClientUnregistered(context.Background(), a, true)
	connected := f.hub.byType(ws.EventConnected)
	if len(connected) != 1 || connected[0].room != "user:bob" {
		t.Fatalf("offline presence events = %+v, want one to user:bob", connected)
	}
	p := connected[0].event.Payload.(ws.ConnectedPayload)
	if p.IsOnline || len(p.UserIDs) != 1 || p.UserIDs[0] != "alice" {
		t.Fatalf("offline payload = %+v", p)
	}
}

func TestUndeliveredBurstOnConnect(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	// bob оффлайн в момент отправки.
	sendPayload(t, f, client("alice"), ws.SendMessagePayload{MessageID: "m1", ConversationID: "conv1", Content: "hi"})

	f.snaps.snaps["bob"] = &model.Snapshot{UserID: "bob", ConversationIDs: []string{"conv1"}, PartnerIDs: []string{"alice"}}
	b := client("bob")
	f.svc.ClientRegistered(context.Background(), b, true)

	bursts := f.hub.byType(ws.EventUndeliveredMessages)
	if len(bursts) != 1 {
		t.Fatalf("undelivered bursts = %d, want 1", len(bursts))
	}
	msgs := bursts[0].event.Payload.([]model.MessageView)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("burst = %+v, want [m1]", msgs)
	}
}

// --- беседы и инвалидация ---

func TestCreateDirectInvalidatesBothAndNotifiesPartner(t *testing.T) {
	f := newFixture("alice", "bob")
	view, err := f.svc.CreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	if view.IsGroup {
		t.Fatal("direct conversation marked as group")
	}
	if view.DisplayName != "bob" {
		t.Fatalf("displayName = %q, want the partner username", view.DisplayName)
	}

	f.snaps.mu.Lock()
	invalidated := append([]string(nil), f.snaps.invalidated...)
	f.snaps.mu.Unlock()
	if len(invalidated) != 2 {
		t.Fatalf("invalidated = %v, want both participants", invalidated)
	}

	updates := f.hub.byType(ws.EventUpdateConversation)
	if len(updates) != 1 || updates[0].room != "user:bob" {
		t.Fatalf("partner notification = %+v, want update_conversation to user:bob", updates)
	}
}

func TestCreateDirectExistingIsIdempotent(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")

	view, err := f.svc.CreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	if view.ID != "conv1" {
		t.Fatalf("returned conversation %s, want the existing conv1", view.ID)
	}
	if len(f.snaps.invalidated) != 0 {
		t.Fatal("finding an existing conversation must not invalidate snapshots")
	}
}

func TestCreateDirectLosingRaceReturnsExisting(t *testing.T) {
	f := newFixture("alice", "bob")
	// Собеседник успевает создать диалог между первичной проверкой и вставкой.
	f.convs.beforeCreateDirect = func() {
		f.convs.addConv("conv1", false, "bob", "alice")
	}

	view, err := f.svc.CreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("CreateDirect: %v", err)
	}
	if view.ID != "conv1" {
		t.Fatalf("returned conversation %s, want the winner's conv1", view.ID)
	}

	directs := 0
	for _, c := range f.convs.convs {
		if !c.IsGroup {
			directs++
		}
	}
	if directs != 1 {
		t.Fatalf("direct conversations = %d, want exactly one", directs)
	}
	if len(f.snaps.invalidated) != 0 {
		t.Fatal("losing the race must not invalidate snapshots")
	}
	if updates := f.hub.byType(ws.EventUpdateConversation); len(updates) != 0 {
		t.Fatalf("losing the race must not notify the partner, got %+v", updates)
	}
}

func TestCreateGroupBroadcastsAndJoins(t *testing.T) {
	f := newFixture("alice", "bob")
	view, err := f.svc.CreateGroup(context.Background(), "alice", "team", []string{"bob", "carol", "bob"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if !view.IsGroup || view.DisplayName != "team" {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Members) != 3 {
		t.Fatalf("members = %d, want 3 (duplicates collapsed)", len(view.Members))
	}

	groupEvents := f.hub.byType(ws.EventNewGroupChat)
	if len(groupEvents) != 1 || groupEvents[0].room != "conv:"+view.ID {
		t.Fatalf("new_group_chat = %+v, want one broadcast to the room", groupEvents)
	}
	for _, uid := range []string{"alice", "bob", "carol"} {
		if got := f.hub.joins[uid]; len(got) != 1 || got[0] != view.ID {
			t.Fatalf("%s joins = %v, want the new room", uid, got)
		}
	}
}

func TestAddMembersInvalidatesAndAnnounces(t *testing.T) {
	f := newFixture("dave")
	f.convs.addConv("g1", true, "alice", "bob")
	f.convs.convs["g1"].Name = "team"

	if _, err := f.svc.AddMembers(context.Background(), "alice", "g1", []string{"dave"}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}

	if got := f.snaps.invalidated; len(got) != 1 || got[0] != "dave" {
		t.Fatalf("invalidated = %v, want [dave]", got)
	}
	if got := f.hub.joins["dave"]; len(got) != 1 || got[0] != "g1" {
		t.Fatalf("dave joins = %v", got)
	}
	announce := f.hub.byType(ws.EventNewGroupChat)
	if len(announce) != 1 || announce[0].room != "user:dave" {
		t.Fatalf("new_group_chat = %+v, want directed at dave", announce)
	}
}

func TestAddMembersRequiresAdmin(t *testing.T) {
	f := newFixture()
	f.convs.addConv("g1", true, "alice", "bob")

	_, err := f.svc.AddMembers(context.Background(), "bob", "g1", []string{"carol"})
	if KindOf(err) != KindForbidden {
		t.Fatalf("err kind = %v, want forbidden", KindOf(err))
	}
}

func TestLeaveRemovesMembershipAndRoom(t *testing.T) {
	f := newFixture()
	f.convs.addConv("g1", true, "alice", "bob")
	f.hub.joins["bob"] = []string{"g1"}

	if err := f.svc.Leave(context.Background(), "bob", "g1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if ok, _ := f.convs.IsMember(context.Background(), "g1", "bob"); ok {
		t.Fatal("bob still a member after leave")
	}
	if got := f.hub.joins["bob"]; len(got) != 0 {
		t.Fatalf("bob rooms = %v, want none", got)
	}
	if got := f.snaps.invalidated; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("invalidated = %v, want [bob]", got)
	}
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture()
	f.convs.addConv("conv1", false, "alice", "bob")
	base := time.Now()
	for i := 0; i < 25; i++ {
		f.msgs.messages[msgID(i)] = &model.MessageView{Message: model.Message{
			ID:             msgID(i),
			ConversationID: "conv1",
			SenderID:       "alice",
			SentAt:         base.Add(time.Duration(i) * time.Second),
		}}
	}

	page, err := f.svc.History(context.Background(), "alice", "conv1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Items) != 20 {
		t.Fatalf("page 0 items = %d, want 20", len(page.Items))
	}
	if page.NextPage == nil || *page.NextPage != 20 {
		t.Fatalf("page 0 nextPage = %v, want 20", page.NextPage)
	}

	tail, err := f.svc.History(context.Background(), "alice", "conv1", *page.NextPage)
	if err != nil {
		t.Fatalf("History tail: %v", err)
	}
	if len(tail.Items) != 5 || tail.NextPage != nil {
		t.Fatalf("tail = %d items nextPage=%v, want 5 and nil", len(tail.Items), tail.NextPage)
	}
}

func msgID(i int) string {
	return string(rune('a'+i/10)) + string(rune('0'+i%10))
}

// --- контакты и профиль ---

func TestAddContactInvalidatesOwnerOnly(t *testing.T) {
	f := newFixture()
	if err := f.svc.AddContact(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if got := f.snaps.invalidated; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("invalidated = %v, want [alice] (directed edge)", got)
	}

	// Повтор — no-op без лишней инвалидации.
	if err := f.svc.AddContact(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("AddContact repeat: %v", err)
	}
	if got := len(f.snaps.invalidated); got != 1 {
		t.Fatalf("invalidations after repeat = %d, want 1", got)
	}
}

func TestAddContactSelfRejected(t *testing.T) {
	f := newFixture()
	err := f.svc.AddContact(context.Background(), "alice", "alice")
	if KindOf(err) != KindInvalid {
		t.Fatalf("err kind = %v, want invalid", KindOf(err))
	}
}

func TestUpdateProfileInvalidatesSnapshot(t *testing.T) {
	f := newFixture()
	u, err := f.svc.UpdateProfile(context.Background(), "alice", "alina", "")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if u.Username != "alina" {
		t.Fatalf("username = %q", u.Username)
	}
	if got := f.snaps.invalidated; len(got) != 1 || got[0] != "alice" {
		t.Fatalf("invalidated = %v, want [alice]", got)
	}
}

// --- разбор событий ---

func TestHandleEventMalformedPayload(t *testing.T) {
	f := newFixture()
	a := client("alice")
	f.svc.HandleEvent(context.Background(), a, ws.IncomingEvent{Type: ws.EventSendMessage, Payload: []byte("{broken")})

	errs := f.hub.byType(ws.EventError)
	if len(errs) != 1 || errs[0].room != "client:alice" {
		t.Fatalf("errors = %+v, want one directed at the sender", errs)
	}
}

func TestHandleEventUnknownType(t *testing.T) {
	f := newFixture()
	a := client("alice")
	f.svc.HandleEvent(context.Background(), a, ws.IncomingEvent{Type: "no_such_event", Payload: []byte("{}")})

	errs := f.hub.byType(ws.EventError)
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(errs))
	}
}
