// Package app exposes the user-facing commands a UI shell calls:
// subscription and server management, notification state changes, and
// on-demand sync. Commands return typed errors for display; only
// remote deletion failures are swallowed, since local deletion is
// authoritative.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ntfydesk/ntfydesk/internal/events"
	"github.com/ntfydesk/ntfydesk/internal/models"
	"github.com/ntfydesk/ntfydesk/internal/ntfy"
	"github.com/ntfydesk/ntfydesk/internal/secrets"
	"github.com/ntfydesk/ntfydesk/internal/store"
)

// Streams is the subset of the connection supervisor the commands
// need.
type Streams interface {
	Connect(ctx context.Context, sub models.Subscription)
	Disconnect(subscriptionID string)
	DisconnectServer(serverURL string)
}

// ServerSyncer triggers an on-demand sync of one server.
type ServerSyncer interface {
	SyncServer(ctx context.Context, serverURL string) error
}

// App wires the command surface over the core components.
type App struct {
	store   *store.Store
	creds   secrets.Store
	client  *ntfy.Client
	streams Streams
	syncer  ServerSyncer
	emitter events.Emitter
	logger  *slog.Logger
}

// New creates the command layer.
func New(st *store.Store, creds secrets.Store, client *ntfy.Client, streams Streams, syncer ServerSyncer, emitter events.Emitter, logger *slog.Logger) *App {
	return &App{
		store:   st,
		creds:   creds,
		client:  client,
		streams: streams,
		syncer:  syncer,
		emitter: emitter,
		logger:  logger,
	}
}

// AddSubscription creates a subscription and starts its live stream.
func (a *App) AddSubscription(ctx context.Context, serverURL, topic, displayName string) (models.Subscription, error) {
	sub, err := a.store.InsertSubscription(store.CreateSubscription{
		Topic:       topic,
		ServerURL:   serverURL,
		DisplayName: displayName,
	})
	if err != nil {
		return models.Subscription{}, err
	}

	a.streams.Connect(ctx, sub)
	a.emitter.SubscriptionsChanged()

	a.logger.Info("subscription added",
		slog.String("server", sub.ServerURL),
		slog.String("topic", sub.Topic),
	)

	return sub, nil
}

// RemoveSubscription stops the stream and deletes the subscription with
// its notifications.
func (a *App) RemoveSubscription(_ context.Context, subscriptionID string) error {
	a.streams.Disconnect(subscriptionID)

	if err := a.store.DeleteSubscription(subscriptionID); err != nil {
		return err
	}

	a.emitter.SubscriptionsChanged()

	return nil
}

// ToggleMute flips a subscription's mute flag and restarts its stream
// so the running task picks up the new state.
func (a *App) ToggleMute(ctx context.Context, subscriptionID string) (models.Subscription, error) {
	sub, err := a.store.ToggleMute(subscriptionID)
	if err != nil {
		return models.Subscription{}, err
	}

	a.streams.Connect(ctx, sub)
	a.emitter.SubscriptionsChanged()

	return sub, nil
}

// ListSubscriptions returns all subscriptions.
func (a *App) ListSubscriptions() ([]models.Subscription, error) {
	return a.store.ListSubscriptions()
}

// AddServer stores a server and, when credentials are supplied, saves
// them in the keychain and runs an immediate sync so the account's
// subscriptions appear right away.
func (a *App) AddServer(ctx context.Context, url, username, password string, isDefault bool) error {
	if err := a.store.AddServer(models.Server{URL: url, Username: username, IsDefault: isDefault}); err != nil {
		return err
	}

	if username == "" {
		return nil
	}

	if err := a.creds.Set(url, username, password); err != nil {
		return err
	}

	if err := a.syncer.SyncServer(ctx, url); err != nil {
		a.logger.Warn("initial server sync failed",
			slog.String("server", url),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// RemoveServer disconnects every stream on the server, deletes the
// server with its subscriptions and notifications, drops the keychain
// entry, and sweeps any cached credentials for the server.
func (a *App) RemoveServer(_ context.Context, url string) error {
	server, err := a.store.GetServer(url)
	if err != nil {
		return err
	}

	a.streams.DisconnectServer(url)

	if err := a.store.RemoveServer(url); err != nil {
		return err
	}

	if server.Username != "" {
		if err := a.creds.Delete(url, server.Username); err != nil {
			a.logger.Warn("removing keychain entry",
				slog.String("server", url),
				slog.String("error", err.Error()),
			)
		}
	}

	if sweeper, ok := a.creds.(secrets.Invalidator); ok {
		sweeper.Invalidate(url)
	}

	a.emitter.SubscriptionsChanged()

	return nil
}

// SetDefaultServer marks a server as the default target for new
// subscriptions.
func (a *App) SetDefaultServer(url string) error {
	return a.store.SetDefaultServer(url)
}

// Servers returns all configured servers.
func (a *App) Servers() ([]models.Server, error) {
	return a.store.Servers()
}

// SyncServer runs an on-demand subscription and backlog sync for one
// server.
func (a *App) SyncServer(ctx context.Context, url string) error {
	return a.syncer.SyncServer(ctx, url)
}

// DeleteNotification removes a notification locally and asks the
// server to forget it too. The remote call is best effort: its failure
// is logged and swallowed because the local deletion already happened
// and is authoritative.
func (a *App) DeleteNotification(ctx context.Context, notificationID string) error {
	n, err := a.store.DeleteNotification(notificationID)
	if err != nil {
		return err
	}

	if n.RemoteID == "" {
		return nil
	}

	sub, err := a.store.GetSubscription(n.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("resolving subscription for remote delete: %w", err)
	}

	username, password := a.credentialsFor(sub.ServerURL)

	if err := a.client.DeleteMessage(ctx, sub.ServerURL, sub.Topic, n.RemoteID, username, password); err != nil {
		a.logger.Warn("remote delete failed, local copy already removed",
			slog.String("topic", sub.Topic),
			slog.String("message_id", n.RemoteID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// MarkRead marks a notification as read.
func (a *App) MarkRead(notificationID string) error {
	return a.store.MarkRead(notificationID)
}

// MarkAllRead marks every notification of a subscription as read.
func (a *App) MarkAllRead(subscriptionID string) error {
	return a.store.MarkAllRead(subscriptionID)
}

// SetExpanded persists a notification's expanded UI state.
func (a *App) SetExpanded(notificationID string, expanded bool) error {
	return a.store.SetExpanded(notificationID, expanded)
}

// ToggleFavorite flips a notification's favorite flag.
func (a *App) ToggleFavorite(notificationID string) (models.Notification, error) {
	return a.store.ToggleFavorite(notificationID)
}

// Notifications returns a subscription's notifications, newest first.
func (a *App) Notifications(subscriptionID string) ([]models.Notification, error) {
	return a.store.NotificationsBySubscription(subscriptionID)
}

// UnreadCount returns the unread count for one subscription.
func (a *App) UnreadCount(subscriptionID string) (int, error) {
	return a.store.UnreadCount(subscriptionID)
}

// TotalUnreadCount returns the unread count across all subscriptions.
func (a *App) TotalUnreadCount() (int, error) {
	return a.store.TotalUnreadCount()
}

func (a *App) credentialsFor(serverURL string) (username, password string) {
	server, err := a.store.GetServer(serverURL)
	if err != nil {
		return "", ""
	}

	creds, err := a.creds.Get(*server)
	if err != nil {
		return "", ""
	}

	return creds.Username, creds.Password
}
