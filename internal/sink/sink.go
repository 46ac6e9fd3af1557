// Package sink is the single ingestion point for live stream messages.
// Every message funnels through Handle, which stores it exactly once,
// announces it, and raises a desktop toast unless the subscription is
// muted. Duplicates detected by the store short-circuit before any
// side effect.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ntfydesk/ntfydesk/internal/events"
	"github.com/ntfydesk/ntfydesk/internal/models"
	"github.com/ntfydesk/ntfydesk/internal/ntfy"
	"github.com/ntfydesk/ntfydesk/internal/store"
)

// Notifier raises a desktop toast. Implementations must not block.
type Notifier interface {
	Notify(title, body string, priority int) error
}

// LogNotifier logs toasts instead of displaying them, for headless
// runs and tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(title, body string, priority int) error {
	n.Logger.Info("notification",
		slog.String("title", title),
		slog.String("body", body),
		slog.Int("priority", priority),
	)

	return nil
}

// Sink stores incoming messages and fans out their side effects.
type Sink struct {
	store    *store.Store
	emitter  events.Emitter
	notifier Notifier
	logger   *slog.Logger
}

// New creates a message sink.
func New(st *store.Store, emitter events.Emitter, notifier Notifier, logger *slog.Logger) *Sink {
	return &Sink{store: st, emitter: emitter, notifier: notifier, logger: logger}
}

// HandleMessage ingests one live stream message. Storage comes first:
// a toast for a message that was never persisted would be a lie, so any
// store failure aborts before side effects. A duplicate is a silent
// no-op.
func (s *Sink) HandleMessage(_ context.Context, sub models.Subscription, msg ntfy.Message) error {
	n := msg.ToNotification(sub.ID)

	inserted, err := s.store.InsertMessageIfAbsent(n)
	if err != nil {
		return fmt.Errorf("storing message %s: %w", msg.ID, err)
	}

	if !inserted {
		s.logger.Debug("duplicate message dropped",
			slog.String("topic", sub.Topic),
			slog.String("message_id", msg.ID),
		)

		return nil
	}

	s.emitter.MessageArrived(n)

	if sub.Muted {
		return nil
	}

	title := n.Title
	if title == "" {
		title = sub.DisplayName
	}

	if title == "" {
		title = sub.Topic
	}

	if err := s.notifier.Notify(title, StripMarkdown(n.Body), n.Priority); err != nil {
		s.logger.Warn("raising toast",
			slog.String("topic", sub.Topic),
			slog.String("error", err.Error()),
		)
	}

	return nil
}
