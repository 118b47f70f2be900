package ws

import (
	"context"
	"sync"

	"github.com/conversa/internal/logger"
)

// EventSink — семантический слой над сокетами: разбор входящих событий и
// реакция на подключение/отключение. Хаб и клиент знают только этот
// интерфейс, реализацию внедряет сборка сервиса.
type EventSink interface {
	HandleEvent(ctx context.Context, c *Client, ev IncomingEvent)
	// ClientRegistered вызывается после добавления соединения в комнату
	// пользователя; first=true для первого соединения (подъем презенса).
	ClientRegistered(ctx context.Context, c *Client, first bool)
	// ClientUnregistered вызывается после снятия с учета; last=true, когда
	// соединений у пользователя не осталось (спад презенса).
	ClientUnregistered(ctx context.Context, c *Client, last bool)
}

func userRoom(userID string) string                 { return "user:" + userID }
func conversationRoom(conversationID string) string { return "conv:" + conversationID }

// Hub держит комнаты соединений: user:<id> для адресной доставки и презенса,
// conv:<id> для рассылки по диалогу. Семантики событий хаб не знает, этим
// занимается EventSink клиентов.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	byClient map[*Client]map[string]struct{}
	total    int
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		byClient:   make(map[*Client]map[string]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// Run обрабатывает регистрации последовательно: first/last вычисляются без
// гонок между подключением и отключением одного пользователя.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// done закрывается до разбора буферов: новые Register видят
			// остановку, а успевшее лечь в буфер закрывается в shutdown.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Буферы каналов могли принять клиентов, пока select выбирал ctx.Done.
	for {
		select {
		case c := <-h.register:
			c.Close()
			continue
		case <-h.unregister:
			continue
		default:
		}
		break
	}

	// Клиенты собираются под локом, но I/O под мьютексом не выполняется.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for c := range h.byClient {
		allClients = append(allClients, c)
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.byClient = make(map[*Client]map[string]struct{})
	h.total = 0
	h.mu.Unlock()

	// Соединения закрываются вне лока (сетевой I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// joinLocked/leaveLocked вызываются только под h.mu.
func (h *Hub) joinLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.byClient[c][room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.byClient[c]; ok {
		delete(rooms, room)
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	room := userRoom(c.userID)
	first := len(h.rooms[room]) == 0
	h.byClient[c] = make(map[string]struct{}, 8)
	h.joinLocked(c, room)
	h.total++
	h.mu.Unlock()

	if c.sink != nil {
		c.sink.ClientRegistered(context.Background(), c, first)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	rooms, ok := h.byClient[c]
	if !ok {
		h.mu.Unlock()
		return
	}
	for room := range rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.byClient, c)
	h.total--
	last := len(h.rooms[userRoom(c.userID)]) == 0
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if c.sink != nil {
		c.sink.ClientUnregistered(context.Background(), c, last)
	}
}

// JoinConversation включает соединение в комнату диалога. Соединение, уже
// снятое с учета, молча пропускается.
func (h *Hub) JoinConversation(c *Client, conversationID string) {
	h.mu.Lock()
	if _, ok := h.byClient[c]; ok {
		h.joinLocked(c, conversationRoom(conversationID))
	}
	h.mu.Unlock()
}

// JoinUserConversation включает все текущие соединения пользователя в комнату
// диалога (добавление в группу на лету).
func (h *Hub) JoinUserConversation(userID, conversationID string) {
	h.mu.Lock()
	for c := range h.rooms[userRoom(userID)] {
		h.joinLocked(c, conversationRoom(conversationID))
	}
	h.mu.Unlock()
}

// LeaveUserConversation выводит все соединения пользователя из комнаты диалога
// (выход из группы, исключение).
func (h *Hub) LeaveUserConversation(userID, conversationID string) {
	h.mu.Lock()
	for c := range h.rooms[userRoom(userID)] {
		h.leaveLocked(c, conversationRoom(conversationID))
	}
	h.mu.Unlock()
}

// BroadcastConversation шлет событие всем соединениям комнаты диалога.
func (h *Hub) BroadcastConversation(conversationID string, ev Event) {
	h.broadcast(conversationRoom(conversationID), ev, nil)
}

// BroadcastConversationExcept — то же, минуя исходное соединение: отправитель
// получает ack, а не эхо собственного события.
func (h *Hub) BroadcastConversationExcept(conversationID string, ev Event, except *Client) {
	h.broadcast(conversationRoom(conversationID), ev, except)
}

// SendToUser шлет событие всем соединениям пользователя.
func (h *Hub) SendToUser(userID string, ev Event) {
	h.broadcast(userRoom(userID), ev, nil)
}

// SendToClient шлет событие одному соединению (снапшот при подключении,
// адресные ошибки).
func (h *Hub) SendToClient(c *Client, ev Event) {
	h.sendToClient(c, ev)
}

func (h *Hub) broadcast(room string, ev Event, except *Client) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

// IsOnline: пользователь онлайн, пока его комната непуста. Никакого
// персистентного флага нет, истина живет только здесь.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	online := len(h.rooms[userRoom(userID)]) > 0
	h.mu.RUnlock()
	return online
}

// OnlineAmong фильтрует онлайн-подмножество за один проход под локом.
func (h *Hub) OnlineAmong(userIDs []string) []string {
	online := make([]string, 0, len(userIDs))
	h.mu.RLock()
	for _, id := range userIDs {
		if len(h.rooms[userRoom(id)]) > 0 {
			online = append(online, id)
		}
	}
	h.mu.RUnlock()
	return online
}

func (h *Hub) sendToClient(c *Client, ev Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	// Приоритетная проверка: при закрытом done буферизованный send в select
	// ниже мог бы выиграть и оставить клиента в канале без читателя.
	select {
	case <-h.done:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
