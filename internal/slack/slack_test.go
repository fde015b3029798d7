package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vidchain/vidchain/internal/webhook"
)

func publishedEvent() webhook.Event {
	return webhook.Event{
		Name:      webhook.EventVideoPublished,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"title":  "Demo Video",
			"url":    "https://gw.example/ipfs/bafydemo",
			"txHash": "0xtx",
		},
	}
}

func TestDispatch_PostsPublishedMessage(t *testing.T) {
	var mu sync.Mutex
	var receivedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &receivedBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL)
	if err := client.Dispatch(context.Background(), "0xowner", publishedEvent()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if receivedBody == nil {
		t.Fatal("expected HTTP request to Slack webhook, got none")
	}
	blocks, ok := receivedBody["blocks"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %v", receivedBody)
	}

	section := blocks[0].(map[string]any)
	text := section["text"].(map[string]any)
	if text["type"] != "mrkdwn" {
		t.Errorf("expected mrkdwn type, got %v", text["type"])
	}
	if got := text["text"]; got != ":clapper: *New video published*\n<https://gw.example/ipfs/bafydemo|Demo Video>" {
		t.Errorf("unexpected headline: %q", got)
	}

	contextBlock := blocks[1].(map[string]any)
	if contextBlock["type"] != "context" {
		t.Errorf("expected second block type 'context', got %v", contextBlock["type"])
	}
	elem := contextBlock["elements"].([]any)[0].(map[string]any)
	if elem["text"] != "Uploaded by `0xowner` in transaction `0xtx`" {
		t.Errorf("unexpected context text: %v", elem["text"])
	}
}

func TestDispatch_IgnoresOtherEvents(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	err := New(server.URL).Dispatch(context.Background(), "0xowner", webhook.Event{Name: "webhook.test"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if called {
		t.Error("expected no request for an unrelated event")
	}
}

func TestDispatch_ReturnsErrorOnNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := New(server.URL).Dispatch(context.Background(), "0xowner", publishedEvent())
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestPublishedMessage_WithoutURL(t *testing.T) {
	p := publishedMessage("0xowner", webhook.Event{
		Name: webhook.EventVideoPublished,
		Data: map[string]any{"title": "Untitled"},
	})
	if got := p.Blocks[0].Text.Text; got != ":clapper: *New video published*\nUntitled" {
		t.Errorf("unexpected headline %q", got)
	}
	if got := p.Blocks[1].Elements[0].Text; got != "Uploaded by `0xowner`" {
		t.Errorf("unexpected details %q", got)
	}
}
