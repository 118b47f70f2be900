package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/conversa/internal/chat"
	"github.com/conversa/internal/middleware"
)

// ConversationHandler — REST-операции над беседами: создание, состав, история.
// Доставка сообщений идет по WebSocket, здесь только управление и чтение.
type ConversationHandler struct {
	svc *chat.Service
}

func NewConversationHandler(svc *chat.Service) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	views, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	view, err := h.svc.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type CreateDirectRequest struct {
	UserID string `json:"userId"`
}

// CreateDirect находит или создает личную беседу. Повторный запрос с тем же
// собеседником возвращает существующую беседу со статусом 200.
func (h *ConversationHandler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	view, err := h.svc.CreateDirect(r.Context(), userID, req.UserID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	view, err := h.svc.CreateGroup(r.Context(), userID, req.Name, req.MemberIDs)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

type RenameGroupRequest struct {
	Name string `json:"name"`
}

func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	view, err := h.svc.RenameGroup(r.Context(), userID, chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type AddMembersRequest struct {
	MemberIDs []string `json:"memberIds"`
}

func (h *ConversationHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	view, err := h.svc.AddMembers(r.Context(), userID, chi.URLParam(r, "id"), req.MemberIDs)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	err := h.svc.RemoveMember(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.Leave(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History отдает страницу истории от новых к старым. page — смещение;
// следующая страница запрашивается со значения nextPage из ответа.
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	page, err := h.svc.History(r.Context(), userID, chi.URLParam(r, "id"), queryInt(r, "page", 0))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Receipts отдает отметки доставки/прочтения одного сообщения.
func (h *ConversationHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	receipts, err := h.svc.MessageReceipts(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}
