package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func TestSignPayload(t *testing.T) {
	payload := []byte(`{"event":"video.published","data":{}}`)

	sig := SignPayload("test-secret", payload)
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if sig != SignPayload("test-secret", payload) {
		t.Error("signature should be deterministic")
	}
	if sig == SignPayload("other-secret", payload) {
		t.Error("different secrets should produce different signatures")
	}
}

func newTestClient(url string, db pgxmock.PgxPoolIface) *Client {
	var c *Client
	if db == nil {
		c = New(url, "secret", nil)
	} else {
		c = New(url, "secret", db)
	}
	c.retryDelays = []time.Duration{time.Millisecond, time.Millisecond}
	return c
}

func publishedEvent() Event {
	return Event{
		Name:      EventVideoPublished,
		Timestamp: time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC),
		Data:      map[string]any{"videoId": "42", "contentHash": "bafyabc"},
	}
}

func TestDispatchSignsAndDescribesEvent(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	event := publishedEvent()
	if err := newTestClient(server.URL, nil).Dispatch(context.Background(), "0xowner", event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	want, _ := json.Marshal(event)
	if gotSig != SignPayload("secret", want) {
		t.Errorf("signature does not match body: %s", gotSig)
	}
	if gotEvent != EventVideoPublished {
		t.Errorf("expected event header %q, got %q", EventVideoPublished, gotEvent)
	}
	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Data["contentHash"] != "bafyabc" {
		t.Errorf("unexpected data %v", decoded.Data)
	}
}

func TestDispatchAttempts(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantAttempts int32
		wantErr      string
	}{
		{"first try", []int{200}, 1, ""},
		{"retry until success", []int{500, 503, 204}, 3, ""},
		{"all attempts fail", []int{502, 502, 502}, 3, "502"},
		{"rate limited is retried", []int{429, 200}, 2, ""},
		{"client error is final", []int{410}, 1, "410"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatal(err)
			}
			defer mock.Close()

			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer server.Close()

			for i := 1; i <= int(tt.wantAttempts); i++ {
				mock.ExpectExec("INSERT INTO webhook_deliveries").
					WithArgs("0xowner", EventVideoPublished, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), i).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			}

			err = newTestClient(server.URL, mock).Dispatch(context.Background(), "0xowner", publishedEvent())
			if tt.wantErr == "" && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet mock expectations: %v", err)
			}
		})
	}
}

func TestDispatchUnreachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	if err := newTestClient(url, nil).Dispatch(context.Background(), "0xowner", publishedEvent()); err == nil {
		t.Fatal("expected error for unreachable URL")
	}
}

func TestDispatchStopsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(server.URL, nil)
	c.retryDelays = []time.Duration{time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Dispatch(ctx, "0xowner", publishedEvent()); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDoPostTruncatesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4*maxResponseBodyBytes)))
	}))
	defer server.Close()

	status, body, err := newTestClient(server.URL, nil).doPost(context.Background(), EventVideoPublished, []byte("{}"), "sha256=test")
	if err != nil {
		t.Fatalf("doPost: %v", err)
	}
	if status == nil || *status != http.StatusOK {
		t.Fatalf("expected status 200, got %v", status)
	}
	if len(body) != maxResponseBodyBytes {
		t.Errorf("expected body truncated to %d bytes, got %d", maxResponseBodyBytes, len(body))
	}
}
