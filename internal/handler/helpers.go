package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/conversa/internal/chat"
	"github.com/conversa/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeChatError переводит класс ошибки чата в HTTP-статус. Текст берется из
// chat.Message: детали внутренних ошибок клиенту не уходят.
func writeChatError(w http.ResponseWriter, err error) {
	switch chat.KindOf(err) {
	case chat.KindInvalid:
		writeError(w, http.StatusBadRequest, chat.Message(err))
	case chat.KindNotFound:
		writeError(w, http.StatusNotFound, chat.Message(err))
	case chat.KindForbidden:
		writeError(w, http.StatusForbidden, chat.Message(err))
	case chat.KindUpstream:
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusBadGateway, chat.Message(err))
	default:
		logger.Errorf("handler: %v", err)
		writeError(w, http.StatusInternalServerError, chat.Message(err))
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
