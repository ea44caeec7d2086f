package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bot100:AAA/sendMessage") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("chat_id") != "42" || r.Form.Get("parse_mode") != "HTML" {
			t.Errorf("form = %v", r.Form)
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	if err := c.SendMessage(context.Background(), "100:AAA", "42", "<b>hi</b>"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestGetBotInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad-token") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok": true, "result": {"id": 7, "username": "alice_bot"}}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}

	info, err := c.GetBotInfo(context.Background(), "100:AAA")
	if err != nil {
		t.Fatalf("getMe: %v", err)
	}
	if info.Username != "alice_bot" || info.ID != 7 {
		t.Fatalf("info = %+v", info)
	}

	if _, err := c.GetBotInfo(context.Background(), "bad-token"); !errors.Is(err, ErrInvalidBotToken) {
		t.Fatalf("expected ErrInvalidBotToken, got %v", err)
	}
}
