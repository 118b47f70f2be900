package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/conversa/internal/logger"
	"github.com/conversa/internal/middleware"
	"github.com/conversa/internal/model"
	"github.com/conversa/internal/repository"
	"github.com/conversa/internal/storage"
)

// SessionHandler — устройства пользователя: список активных сессий и отзыв.
// Выпуск сессий живет во внешнем сервисе авторизации, здесь только управление
// уже выданными.
type SessionHandler struct {
	repo  *repository.SessionRepository
	store storage.SessionCacheStore
}

func NewSessionHandler(repo *repository.SessionRepository, store storage.SessionCacheStore) *SessionHandler {
	return &SessionHandler{repo: repo, store: store}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessions, err := h.repo.ListByUserID(r.Context(), userID)
	if err != nil {
		logger.Errorf("session list user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Revoke отзывает одну сессию пользователя и удаляет ее секрет из store:
// запросы, подписанные этим секретом, перестают проходить сразу.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	sessionID := chi.URLParam(r, "id")
	revoked, err := h.repo.RevokeByUserIDAndSessionID(r.Context(), userID, sessionID)
	if err != nil {
		logger.Errorf("session revoke user=%s session_id=%s: %v", userID, middleware.MaskSessionID(sessionID), err)
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.store.DeleteSessionSecret(r.Context(), sessionID); err != nil {
		logger.Errorf("session revoke secret cleanup session_id=%s: %v", middleware.MaskSessionID(sessionID), err)
	}
	w.WriteHeader(http.StatusNoContent)
}
