// Package store is the durable persistence gateway: servers,
// subscriptions, notifications, and per-subscription sync checkpoints,
// all backed by a single bbolt database. bbolt serializes writes, so a
// logical operation like insert-if-absent is atomic with respect to its
// own uniqueness check by running inside one update transaction.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

const (
	// storeDirPerm is the permission mode for the database directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	// ErrNotFound is returned when a referenced server, subscription,
	// or notification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a subscription whose
	// (server, topic) pair is already present.
	ErrExists = errors.New("already exists")
)

var (
	serversBucket   = []byte("servers")
	subsBucket      = []byte("subscriptions")
	subKeysBucket   = []byte("subscription_keys")
	notifsBucket    = []byte("notifications")
	notifsBySub     = []byte("notifications_by_subscription")
	remoteIDsBucket = []byte("remote_message_ids")
)

// subKey is the uniqueness key for a subscription: normalized server
// URL and topic.
func subKey(serverURL, topic string) []byte {
	return []byte(models.NormalizeURL(serverURL) + "\x00" + topic)
}

// bySubKey indexes a notification under its subscription for listing
// and cascade deletion. UUIDs contain no NUL, so the separator is safe.
func bySubKey(subscriptionID, notificationID string) []byte {
	return []byte(subscriptionID + "\x00" + notificationID)
}

func bySubPrefix(subscriptionID string) []byte {
	return []byte(subscriptionID + "\x00")
}

// Store wraps a bbolt database holding all persistent client state.
type Store struct {
	db *bolt.DB
}

// Open opens the database at the given path, creating the file and all
// buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{serversBucket, subsBucket, subKeysBucket, notifsBucket, notifsBySub, remoteIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- servers ---

// AddServer persists a server, keyed by its normalized URL. When the
// new server is marked default, the default flag is cleared on all
// others in the same transaction, keeping exactly one default.
func (s *Store) AddServer(server models.Server) error {
	server.URL = models.NormalizeURL(server.URL)
	if server.URL == "" {
		return fmt.Errorf("server URL must not be empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)

		if server.IsDefault {
			if err := clearDefaultServer(b); err != nil {
				return err
			}
		}

		data, err := json.Marshal(server)
		if err != nil {
			return err
		}

		return b.Put([]byte(server.URL), data)
	})
}

// Servers returns all configured servers, sorted by URL.
func (s *Store) Servers() ([]models.Server, error) {
	var servers []models.Server

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(serversBucket).ForEach(func(_, v []byte) error {
			var server models.Server
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}

			servers = append(servers, server)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].URL < servers[j].URL })

	return servers, nil
}

// GetServer returns the server with the given URL (trailing-slash
// insensitive), or ErrNotFound.
func (s *Store) GetServer(url string) (*models.Server, error) {
	var server *models.Server

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(serversBucket).Get([]byte(models.NormalizeURL(url)))
		if v == nil {
			return fmt.Errorf("server %s: %w", url, ErrNotFound)
		}

		server = &models.Server{}

		return json.Unmarshal(v, server)
	})
	if err != nil {
		return nil, err
	}

	return server, nil
}

// SetDefaultServer marks the given server as default and clears the
// flag on every other server.
func (s *Store) SetDefaultServer(url string) error {
	norm := models.NormalizeURL(url)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)

		v := b.Get([]byte(norm))
		if v == nil {
			return fmt.Errorf("server %s: %w", url, ErrNotFound)
		}

		if err := clearDefaultServer(b); err != nil {
			return err
		}

		var server models.Server
		if err := json.Unmarshal(v, &server); err != nil {
			return err
		}

		server.IsDefault = true

		data, err := json.Marshal(server)
		if err != nil {
			return err
		}

		return b.Put([]byte(norm), data)
	})
}

// RemoveServer deletes a server and cascades to its subscriptions and
// their notifications in a single transaction.
func (s *Store) RemoveServer(url string) error {
	norm := models.NormalizeURL(url)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)
		if b.Get([]byte(norm)) == nil {
			return fmt.Errorf("server %s: %w", url, ErrNotFound)
		}

		subs, err := subsForServerTx(tx, norm)
		if err != nil {
			return err
		}

		for _, sub := range subs {
			if err := deleteSubscriptionTx(tx, sub.ID); err != nil {
				return err
			}
		}

		return b.Delete([]byte(norm))
	})
}

func clearDefaultServer(b *bolt.Bucket) error {
	type entry struct {
		key    []byte
		server models.Server
	}

	var dirty []entry

	err := b.ForEach(func(k, v []byte) error {
		var server models.Server
		if err := json.Unmarshal(v, &server); err != nil {
			return err
		}

		if server.IsDefault {
			server.IsDefault = false
			dirty = append(dirty, entry{key: append([]byte(nil), k...), server: server})
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range dirty {
		data, err := json.Marshal(e.server)
		if err != nil {
			return err
		}

		if err := b.Put(e.key, data); err != nil {
			return err
		}
	}

	return nil
}

// --- subscriptions ---

// CreateSubscription holds the caller-supplied fields of a new
// subscription.
type CreateSubscription struct {
	Topic       string
	ServerURL   string
	DisplayName string
}

// InsertSubscription creates a subscription with a fresh id. Returns
// ErrExists when the (normalized server, topic) pair is already
// present; the uniqueness check and the insert share one transaction.
func (s *Store) InsertSubscription(cs CreateSubscription) (models.Subscription, error) {
	if cs.Topic == "" {
		return models.Subscription{}, fmt.Errorf("topic must not be empty")
	}

	sub := models.Subscription{
		ID:          uuid.NewString(),
		Topic:       cs.Topic,
		ServerURL:   models.NormalizeURL(cs.ServerURL),
		DisplayName: cs.DisplayName,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(subKeysBucket)

		key := subKey(sub.ServerURL, sub.Topic)
		if keys.Get(key) != nil {
			return fmt.Errorf("subscription %s on %s: %w", sub.Topic, sub.ServerURL, ErrExists)
		}

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}

		if err := tx.Bucket(subsBucket).Put([]byte(sub.ID), data); err != nil {
			return err
		}

		return keys.Put(key, []byte(sub.ID))
	})
	if err != nil {
		return models.Subscription{}, err
	}

	return sub, nil
}

// ListSubscriptions returns all subscriptions, sorted by server URL
// then topic.
func (s *Store) ListSubscriptions() ([]models.Subscription, error) {
	var subs []models.Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(subsBucket).ForEach(func(_, v []byte) error {
			var sub models.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}

			subs = append(subs, sub)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].ServerURL != subs[j].ServerURL {
			return subs[i].ServerURL < subs[j].ServerURL
		}

		return subs[i].Topic < subs[j].Topic
	})

	return subs, nil
}

// GetSubscription returns a subscription by id, or ErrNotFound.
func (s *Store) GetSubscription(id string) (*models.Subscription, error) {
	var sub *models.Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(subsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}

		sub = &models.Subscription{}

		return json.Unmarshal(v, sub)
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// DeleteSubscription removes a subscription and cascades to its
// notifications and their dedup index entries.
func (s *Store) DeleteSubscription(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteSubscriptionTx(tx, id)
	})
}

// ToggleMute flips the mute flag and returns the updated subscription.
func (s *Store) ToggleMute(id string) (models.Subscription, error) {
	var sub models.Subscription

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}

		if err := json.Unmarshal(v, &sub); err != nil {
			return err
		}

		sub.Muted = !sub.Muted

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
	if err != nil {
		return models.Subscription{}, err
	}

	return sub, nil
}

// Checkpoint returns the backlog watermark for a subscription. Nil
// means the subscription has never completed a backlog sync.
func (s *Store) Checkpoint(id string) (*int64, error) {
	sub, err := s.GetSubscription(id)
	if err != nil {
		return nil, err
	}

	return sub.LastSync, nil
}

// AdvanceCheckpoint moves a subscription's watermark forward. A
// timestamp at or below the current watermark is ignored, so the
// checkpoint never goes backwards even when syncs race.
func (s *Store) AdvanceCheckpoint(id string, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}

		var sub models.Subscription
		if err := json.Unmarshal(v, &sub); err != nil {
			return err
		}

		if sub.LastSync != nil && *sub.LastSync >= ts {
			return nil
		}

		sub.LastSync = &ts

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

func subsForServerTx(tx *bolt.Tx, normURL string) ([]models.Subscription, error) {
	var subs []models.Subscription

	err := tx.Bucket(subsBucket).ForEach(func(_, v []byte) error {
		var sub models.Subscription
		if err := json.Unmarshal(v, &sub); err != nil {
			return err
		}

		if models.URLsMatch(sub.ServerURL, normURL) {
			subs = append(subs, sub)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return subs, nil
}

func deleteSubscriptionTx(tx *bolt.Tx, id string) error {
	subs := tx.Bucket(subsBucket)

	v := subs.Get([]byte(id))
	if v == nil {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}

	var sub models.Subscription
	if err := json.Unmarshal(v, &sub); err != nil {
		return err
	}

	notifs := tx.Bucket(notifsBucket)
	index := tx.Bucket(notifsBySub)
	remotes := tx.Bucket(remoteIDsBucket)

	// Collect keys first: deleting while cursoring invalidates the cursor.
	var indexKeys [][]byte

	c := index.Cursor()
	prefix := bySubPrefix(id)

	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		indexKeys = append(indexKeys, append([]byte(nil), k...))
	}

	for _, k := range indexKeys {
		notifID := k[len(prefix):]

		if nv := notifs.Get(notifID); nv != nil {
			var n models.Notification
			if err := json.Unmarshal(nv, &n); err != nil {
				return err
			}

			if n.RemoteID != "" {
				if err := remotes.Delete([]byte(n.RemoteID)); err != nil {
					return err
				}
			}

			if err := notifs.Delete(notifID); err != nil {
				return err
			}
		}

		if err := index.Delete(k); err != nil {
			return err
		}
	}

	if err := tx.Bucket(subKeysBucket).Delete(subKey(sub.ServerURL, sub.Topic)); err != nil {
		return err
	}

	return subs.Delete([]byte(id))
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}

	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}

	return true
}

// --- notifications ---

// InsertMessageIfAbsent stores a notification idempotently. When the
// notification carries a remote message id that is already indexed, the
// insert is a silent no-op and inserted is false. Notifications without
// a remote id are never deduplicated. The existence check, the insert,
// and the index write share one transaction, so two concurrent inserts
// of the same remote id store exactly one notification.
func (s *Store) InsertMessageIfAbsent(n models.Notification) (inserted bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(subsBucket).Get([]byte(n.SubscriptionID)) == nil {
			return fmt.Errorf("subscription %s: %w", n.SubscriptionID, ErrNotFound)
		}

		remotes := tx.Bucket(remoteIDsBucket)

		if n.RemoteID != "" && remotes.Get([]byte(n.RemoteID)) != nil {
			return nil
		}

		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		if err := tx.Bucket(notifsBucket).Put([]byte(n.ID), data); err != nil {
			return err
		}

		if err := tx.Bucket(notifsBySub).Put(bySubKey(n.SubscriptionID, n.ID), nil); err != nil {
			return err
		}

		if n.RemoteID != "" {
			if err := remotes.Put([]byte(n.RemoteID), []byte(n.ID)); err != nil {
				return err
			}
		}

		inserted = true

		return nil
	})

	return inserted, err
}

// MessageExists reports whether a notification with the given remote
// message id is already stored.
func (s *Store) MessageExists(remoteID string) (bool, error) {
	if remoteID == "" {
		return false, nil
	}

	var exists bool

	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(remoteIDsBucket).Get([]byte(remoteID)) != nil
		return nil
	})

	return exists, err
}

// GetNotification returns a notification by id, or ErrNotFound.
func (s *Store) GetNotification(id string) (*models.Notification, error) {
	var n *models.Notification

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(notifsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}

		n = &models.Notification{}

		return json.Unmarshal(v, n)
	})
	if err != nil {
		return nil, err
	}

	return n, nil
}

// NotificationsBySubscription returns a subscription's notifications,
// newest first.
func (s *Store) NotificationsBySubscription(subscriptionID string) ([]models.Notification, error) {
	var notifs []models.Notification

	err := s.db.View(func(tx *bolt.Tx) error {
		notifsB := tx.Bucket(notifsBucket)

		c := tx.Bucket(notifsBySub).Cursor()
		prefix := bySubPrefix(subscriptionID)

		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			v := notifsB.Get(k[len(prefix):])
			if v == nil {
				continue
			}

			var n models.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			notifs = append(notifs, n)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(notifs, func(i, j int) bool { return notifs[i].Timestamp > notifs[j].Timestamp })

	return notifs, nil
}

// DeleteNotification removes a notification and its index entries,
// returning the removed record so callers can attempt remote deletion.
func (s *Store) DeleteNotification(id string) (models.Notification, error) {
	var n models.Notification

	err := s.db.Update(func(tx *bolt.Tx) error {
		notifs := tx.Bucket(notifsBucket)

		v := notifs.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}

		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}

		if n.RemoteID != "" {
			if err := tx.Bucket(remoteIDsBucket).Delete([]byte(n.RemoteID)); err != nil {
				return err
			}
		}

		if err := tx.Bucket(notifsBySub).Delete(bySubKey(n.SubscriptionID, n.ID)); err != nil {
			return err
		}

		return notifs.Delete([]byte(id))
	})
	if err != nil {
		return models.Notification{}, err
	}

	return n, nil
}

// MarkRead marks a single notification as read.
func (s *Store) MarkRead(id string) error {
	return s.updateNotification(id, func(n *models.Notification) { n.Read = true })
}

// MarkAllRead marks every notification of a subscription as read.
func (s *Store) MarkAllRead(subscriptionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		notifs := tx.Bucket(notifsBucket)

		c := tx.Bucket(notifsBySub).Cursor()
		prefix := bySubPrefix(subscriptionID)

		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			notifID := k[len(prefix):]

			v := notifs.Get(notifID)
			if v == nil {
				continue
			}

			var n models.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			if n.Read {
				continue
			}

			n.Read = true

			data, err := json.Marshal(n)
			if err != nil {
				return err
			}

			if err := notifs.Put(notifID, data); err != nil {
				return err
			}
		}

		return nil
	})
}

// SetExpanded persists the expanded UI state of a notification.
func (s *Store) SetExpanded(id string, expanded bool) error {
	return s.updateNotification(id, func(n *models.Notification) { n.Expanded = expanded })
}

// ToggleFavorite flips the favorite flag and returns the updated
// notification.
func (s *Store) ToggleFavorite(id string) (models.Notification, error) {
	var out models.Notification

	err := s.updateNotification(id, func(n *models.Notification) {
		n.Favorite = !n.Favorite
		out = *n
	})
	if err != nil {
		return models.Notification{}, err
	}

	return out, nil
}

// UnreadCount returns the number of unread notifications for a
// subscription.
func (s *Store) UnreadCount(subscriptionID string) (int, error) {
	notifs, err := s.NotificationsBySubscription(subscriptionID)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, n := range notifs {
		if !n.Read {
			count++
		}
	}

	return count, nil
}

// TotalUnreadCount returns the number of unread notifications across
// all subscriptions.
func (s *Store) TotalUnreadCount() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(notifsBucket).ForEach(func(_, v []byte) error {
			var n models.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			if !n.Read {
				count++
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (s *Store) updateNotification(id string, mutate func(*models.Notification)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(notifsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}

		var n models.Notification
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}

		mutate(&n)

		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}
