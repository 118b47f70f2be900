package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conversa/internal/middleware"
)

func pushRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/api/push/subscribe", strings.NewReader(body))
	return req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, "alice"))
}

func TestPushSubscribeUnavailableWithoutClient(t *testing.T) {
	h := NewPushHandler(nil)

	rec := httptest.NewRecorder()
	h.Subscribe(rec, pushRequest(http.MethodPost, `{"subscription":{"endpoint":"https://push.example/ep","keys":{"p256dh":"k","auth":"a"}}}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("subscribe: status %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Unsubscribe(rec, pushRequest(http.MethodDelete, `{"endpoint":"https://push.example/ep"}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unsubscribe: status %d, want 503", rec.Code)
	}
}
