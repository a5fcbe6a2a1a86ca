package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pricewatch/internal/transport"
)

func TestSendPostsHTMLMessage(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		got  map[string]any
		path string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		got = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer ts.Close()

	a, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 5, APIURL: ts.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Send(context.Background(), transport.Message{
		Title:    "Price Alert",
		Body:     "The <Flaxby> price is now £1399.00",
		Priority: transport.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path=%s", path)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "<b>Price Alert</b>") || !strings.Contains(text, "&lt;Flaxby&gt;") {
		t.Fatalf("text=%q", text)
	}
	if got["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode=%v", got["parse_mode"])
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := New(Config{Token: "x"}); err == nil {
		t.Fatal("expected chat error")
	}
}

func TestSendHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", ChatID: 1, APIURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, transport.Message{Body: "x"}); err == nil {
		t.Fatal("expected context error")
	}
}
