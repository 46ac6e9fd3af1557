// Package events defines the outbound event surface: the hooks a UI
// shell attaches to in order to hear about new messages, subscription
// changes, and sync progress. The core never blocks on an emitter.
package events

import (
	"log/slog"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

// Sync phase names reported through SyncPhaseCompleted.
const (
	PhaseAccountReconcile = "account_reconcile"
	PhaseBacklogFetch     = "backlog_fetch"
	PhaseStreamRefresh    = "stream_refresh"
)

// Emitter receives event callbacks from the core. Implementations must
// return quickly; heavy work belongs on the receiver's side.
type Emitter interface {
	// MessageArrived fires after a new notification is stored.
	// Duplicates never fire.
	MessageArrived(n models.Notification)

	// SubscriptionsChanged fires whenever the subscription set changes:
	// created, deleted, muted, or reconciled from the server account.
	SubscriptionsChanged()

	// SyncPhaseCompleted fires when a sync phase finishes, with the
	// number of items that failed in isolation.
	SyncPhaseCompleted(phase string, failures int)
}

// LogEmitter logs events instead of delivering them. It is the default
// emitter when no UI shell is attached and a useful embed for shells
// that only care about a subset of callbacks.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e *LogEmitter) MessageArrived(n models.Notification) {
	e.Logger.Info("message arrived",
		slog.String("subscription_id", n.SubscriptionID),
		slog.String("title", n.Title),
		slog.Int("priority", n.Priority),
	)
}

func (e *LogEmitter) SubscriptionsChanged() {
	e.Logger.Debug("subscriptions changed")
}

func (e *LogEmitter) SyncPhaseCompleted(phase string, failures int) {
	e.Logger.Debug("sync phase completed",
		slog.String("phase", phase),
		slog.Int("failures", failures),
	)
}
