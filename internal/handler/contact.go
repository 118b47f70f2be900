package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/conversa/internal/chat"
	"github.com/conversa/internal/middleware"
)

// ContactHandler — направленный список контактов владельца.
type ContactHandler struct {
	svc *chat.Service
}

func NewContactHandler(svc *chat.Service) *ContactHandler {
	return &ContactHandler{svc: svc}
}

// List отдает страницу контактов; q — фильтр по префиксу username.
func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	page, err := h.svc.ListContacts(r.Context(), userID, r.URL.Query().Get("q"), queryInt(r, "page", 0))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type AddContactRequest struct {
	UserID string `json:"userId"`
}

func (h *ContactHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.svc.AddContact(r.Context(), userID, req.UserID); err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ContactHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	contactID := chi.URLParam(r, "id")
	if err := h.svc.RemoveContact(r.Context(), userID, contactID); err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
