package notify

import (
	"context"
	"log/slog"

	"github.com/vidchain/vidchain/internal/publish"
	"github.com/vidchain/vidchain/internal/webhook"
)

var _ publish.Notifier = (*Multi)(nil)

// Multi fans out publish announcements to all registered notifiers.
type Multi struct {
	notifiers []publish.Notifier
}

// NewMulti creates a notifier that delegates to every non-nil notifier given.
func NewMulti(notifiers ...publish.Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len reports how many notifiers are registered.
func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Dispatch(ctx context.Context, owner string, event webhook.Event) error {
	for _, n := range m.notifiers {
		if err := n.Dispatch(ctx, owner, event); err != nil {
			slog.Error("multi-notifier: dispatch failed", "event", event.Name, "error", err)
		}
	}
	return nil
}
