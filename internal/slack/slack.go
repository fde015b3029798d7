// Package slack announces published videos to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vidchain/vidchain/internal/webhook"
)

// Client sends Slack notifications via an incoming webhook.
type Client struct {
	url  string
	http *http.Client
}

// New creates a Slack webhook client posting to url.
func New(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type payload struct {
	Blocks []block `json:"blocks"`
}

func (c *Client) postMessage(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatch posts a message for events Slack users care about. Other events
// are ignored.
func (c *Client) Dispatch(ctx context.Context, owner string, event webhook.Event) error {
	if event.Name != webhook.EventVideoPublished {
		slog.Debug("slack: ignoring event", "event", event.Name)
		return nil
	}
	return c.postMessage(ctx, publishedMessage(owner, event))
}

func publishedMessage(owner string, event webhook.Event) payload {
	title, _ := event.Data["title"].(string)
	url, _ := event.Data["url"].(string)
	txHash, _ := event.Data["txHash"].(string)

	headline := fmt.Sprintf(":clapper: *New video published*\n<%s|%s>", url, title)
	if url == "" {
		headline = fmt.Sprintf(":clapper: *New video published*\n%s", title)
	}

	details := fmt.Sprintf("Uploaded by `%s`", owner)
	if txHash != "" {
		details += fmt.Sprintf(" in transaction `%s`", txHash)
	}

	return payload{
		Blocks: []block{
			{
				Type: "section",
				Text: &text{Type: "mrkdwn", Text: headline},
			},
			{
				Type:     "context",
				Elements: []text{{Type: "mrkdwn", Text: details}},
			},
		},
	}
}
