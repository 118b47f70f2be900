package handler

import (
	"encoding/json"
	"net/http"

	"github.com/conversa/internal/chat"
	"github.com/conversa/internal/middleware"
)

// UserHandler — собственный профиль и поиск пользователей.
type UserHandler struct {
	svc *chat.Service
}

func NewUserHandler(svc *chat.Service) *UserHandler {
	return &UserHandler{svc: svc}
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	user, err := h.svc.GetProfile(r.Context(), userID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type UpdateProfileRequest struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	user, err := h.svc.UpdateProfile(r.Context(), userID, req.Username, req.AvatarURL)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// SearchUsers — префиксный поиск по username. page — смещение, следующая
// страница запрашивается со значения nextPage из ответа.
func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("q")
	page, err := h.svc.SearchUsers(r.Context(), prefix, queryInt(r, "page", 0))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
