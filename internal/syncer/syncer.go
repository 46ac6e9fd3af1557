// Package syncer is the reconciliation engine: it brings the local
// subscription set and message backlog up to date with the remote
// servers, then hands live delivery over to the connection supervisor.
// Every pass is idempotent and safe to run while streams are open,
// because both ingestion paths share the store's dedup-insert.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ntfydesk/ntfydesk/internal/events"
	"github.com/ntfydesk/ntfydesk/internal/models"
	"github.com/ntfydesk/ntfydesk/internal/ntfy"
	"github.com/ntfydesk/ntfydesk/internal/secrets"
	"github.com/ntfydesk/ntfydesk/internal/store"
)

// Connector starts live streams for subscriptions. Satisfied by
// *connection.Supervisor.
type Connector interface {
	Connect(ctx context.Context, sub models.Subscription)
	ConnectAll(ctx context.Context) error
}

// Syncer runs the three-phase reconciliation sequence.
type Syncer struct {
	store     *store.Store
	creds     secrets.Store
	client    *ntfy.Client
	connector Connector
	emitter   events.Emitter
	logger    *slog.Logger

	// now is the wall clock used for watermark advancement.
	now func() time.Time
}

// New creates a reconciliation engine.
func New(st *store.Store, creds secrets.Store, client *ntfy.Client, connector Connector, emitter events.Emitter, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:     st,
		creds:     creds,
		client:    client,
		connector: connector,
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
	}
}

// SyncAll runs the full sequence: reconcile subscriptions from every
// server's account, fetch the backlog for every local subscription,
// then connect all streams. Phases run strictly in order; within a
// phase, each item's failure is logged and contained so the rest of
// the pass proceeds.
func (s *Syncer) SyncAll(ctx context.Context) error {
	servers, err := s.store.Servers()
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	known, err := s.knownSubscriptions()
	if err != nil {
		return err
	}

	accountFailures := 0

	for _, server := range servers {
		created, err := s.reconcileServer(ctx, server, known)
		if err != nil {
			accountFailures++

			s.logger.Warn("subscription sync failed",
				slog.String("server", server.URL),
				slog.String("error", err.Error()),
			)
		}

		if created > 0 {
			s.emitter.SubscriptionsChanged()
		}
	}

	s.emitter.SyncPhaseCompleted(events.PhaseAccountReconcile, accountFailures)

	subs, err := s.store.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	backlogFailures := 0

	for _, sub := range subs {
		if err := s.backlogSubscription(ctx, sub); err != nil {
			backlogFailures++

			s.logger.Warn("backlog sync failed",
				slog.String("server", sub.ServerURL),
				slog.String("topic", sub.Topic),
				slog.String("error", err.Error()),
			)
		}
	}

	s.emitter.SyncPhaseCompleted(events.PhaseBacklogFetch, backlogFailures)

	if err := s.connector.ConnectAll(ctx); err != nil {
		return fmt.Errorf("connecting streams: %w", err)
	}

	s.emitter.SyncPhaseCompleted(events.PhaseStreamRefresh, 0)

	s.logger.Info("sync completed",
		slog.Int("subscriptions", len(subs)),
		slog.Int("account_failures", accountFailures),
		slog.Int("backlog_failures", backlogFailures),
	)

	return nil
}

// SyncServer runs subscription and backlog sync for a single server,
// the user-triggered "sync now" path. Live connections are left alone
// except for subscriptions created by this pass.
func (s *Syncer) SyncServer(ctx context.Context, serverURL string) error {
	server, err := s.store.GetServer(serverURL)
	if err != nil {
		return err
	}

	known, err := s.knownSubscriptions()
	if err != nil {
		return err
	}

	created, err := s.reconcileServer(ctx, *server, known)
	if err != nil {
		return err
	}

	if created > 0 {
		s.emitter.SubscriptionsChanged()
	}

	subs, err := s.store.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.ServerMatches(server.URL) {
			continue
		}

		if err := s.backlogSubscription(ctx, sub); err != nil {
			s.logger.Warn("backlog sync failed",
				slog.String("server", sub.ServerURL),
				slog.String("topic", sub.Topic),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// subIdentity is the local identity of a subscription for matching
// against remote lists.
func subIdentity(serverURL, topic string) string {
	return models.NormalizeURL(serverURL) + "\x00" + topic
}

// knownSubscriptions loads the full local subscription set once, keyed
// by identity. Loaded up front so a reconcile pass never re-queries the
// store per remote entry.
func (s *Syncer) knownSubscriptions() (map[string]models.Subscription, error) {
	subs, err := s.store.ListSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	known := make(map[string]models.Subscription, len(subs))
	for _, sub := range subs {
		known[subIdentity(sub.ServerURL, sub.Topic)] = sub
	}

	return known, nil
}

// reconcileServer pulls the server's account subscription list and
// creates any entries missing locally, starting their streams right
// away. Existing subscriptions are left untouched, preserving local
// display names and mute flags. Servers without stored credentials are
// skipped; there is no anonymous account sync. Returns the number of
// subscriptions created.
func (s *Syncer) reconcileServer(ctx context.Context, server models.Server, known map[string]models.Subscription) (int, error) {
	creds, err := s.creds.Get(server)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			s.logger.Debug("skipping server without credentials", slog.String("server", server.URL))
			return 0, nil
		}

		return 0, fmt.Errorf("reading credentials for %s: %w", server.URL, err)
	}

	remotes, err := s.client.GetAccount(ctx, server.URL, creds.Username, creds.Password)
	if err != nil {
		return 0, err
	}

	created := 0

	for _, remote := range remotes {
		if !models.URLsMatch(remote.BaseURL, server.URL) {
			continue
		}

		identity := subIdentity(remote.BaseURL, remote.Topic)
		if _, ok := known[identity]; ok {
			continue
		}

		sub, err := s.store.InsertSubscription(store.CreateSubscription{
			Topic:       remote.Topic,
			ServerURL:   remote.BaseURL,
			DisplayName: remote.DisplayName,
		})
		if err != nil {
			if errors.Is(err, store.ErrExists) {
				continue
			}

			s.logger.Warn("creating discovered subscription",
				slog.String("server", server.URL),
				slog.String("topic", remote.Topic),
				slog.String("error", err.Error()),
			)

			continue
		}

		known[identity] = sub
		created++

		s.logger.Info("discovered remote subscription",
			slog.String("server", server.URL),
			slog.String("topic", remote.Topic),
		)

		s.connector.Connect(ctx, sub)
	}

	return created, nil
}

// backlogSubscription fetches everything the server retained since the
// subscription's watermark and stores it through the dedup path. The
// watermark then advances to max(highest fetched time, now) + 1: the
// wall-clock floor keeps an empty window from being re-fetched forever,
// the +1 keeps a burst sharing one timestamp from being re-fetched.
func (s *Syncer) backlogSubscription(ctx context.Context, sub models.Subscription) error {
	username, password := s.credentialsFor(sub)

	msgs, err := s.client.GetMessages(ctx, sub.ServerURL, sub.Topic, sub.LastSync, username, password)
	if err != nil {
		return err
	}

	var highest int64

	for _, msg := range msgs {
		n := msg.ToNotification(sub.ID)

		inserted, err := s.store.InsertMessageIfAbsent(n)
		if err != nil {
			s.logger.Warn("storing backlog message",
				slog.String("topic", sub.Topic),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if inserted {
			s.emitter.MessageArrived(n)
		}

		if msg.Time > highest {
			highest = msg.Time
		}
	}

	watermark := s.now().Unix()
	if highest > watermark {
		watermark = highest
	}

	return s.store.AdvanceCheckpoint(sub.ID, watermark+1)
}

// credentialsFor resolves optional credentials for a subscription's
// server. Backlog polls run anonymously when none are stored.
func (s *Syncer) credentialsFor(sub models.Subscription) (username, password string) {
	server, err := s.store.GetServer(sub.ServerURL)
	if err != nil {
		return "", ""
	}

	creds, err := s.creds.Get(*server)
	if err != nil {
		return "", ""
	}

	return creds.Username, creds.Password
}
