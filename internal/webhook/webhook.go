// Package webhook announces publish events to a configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vidchain/vidchain/internal/database"
)

const maxResponseBodyBytes = 1024

const EventVideoPublished = "video.published"

// Event represents a webhook event to dispatch.
type Event struct {
	Name      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Client dispatches webhook events with retries. When a database is
// configured every attempt is recorded in webhook_deliveries.
type Client struct {
	url         string
	secret      string
	db          database.DBTX
	http        *http.Client
	retryDelays []time.Duration
}

// New creates a webhook client. db may be nil.
func New(url, secret string, db database.DBTX) *Client {
	return &Client{
		url:         url,
		secret:      secret,
		db:          db,
		http:        &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 4 * time.Second},
	}
}

// SignPayload computes HMAC-SHA256 of the payload using the secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch sends an event to the webhook URL. Transport failures, 429 and
// 5xx responses are retried; other 4xx responses are final.
func (c *Client) Dispatch(ctx context.Context, owner string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signature := SignPayload(c.secret, body)
	maxAttempts := 1 + len(c.retryDelays)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		statusCode, respBody, err := c.doPost(ctx, event.Name, body, signature)
		c.logDelivery(ctx, owner, event.Name, body, statusCode, respBody, attempt)

		switch {
		case err != nil:
			lastErr = err
		case *statusCode >= 200 && *statusCode < 300:
			return nil
		default:
			lastErr = fmt.Errorf("webhook returned status %d", *statusCode)
			if !retryable(*statusCode) {
				return lastErr
			}
		}

		if attempt < maxAttempts {
			select {
			case <-time.After(c.retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (c *Client) doPost(ctx context.Context, eventName string, body []byte, signature string) (*int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", eventName)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err.Error(), err
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxResponseBodyBytes)+1))
	respBody := string(respBytes)
	if len(respBody) > maxResponseBodyBytes {
		respBody = respBody[:maxResponseBodyBytes]
	}

	return &resp.StatusCode, respBody, nil
}

func (c *Client) logDelivery(ctx context.Context, owner, event string, payload []byte, statusCode *int, responseBody string, attempt int) {
	if c.db == nil {
		slog.Debug("webhook: delivery attempt", "owner", owner, "event", event, "status", statusCode, "attempt", attempt)
		return
	}
	if _, err := c.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (owner, event, payload, status_code, response_body, attempt)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		owner, event, payload, statusCode, responseBody, attempt,
	); err != nil {
		slog.Error("webhook: failed to log delivery", "owner", owner, "error", err)
	}
}
