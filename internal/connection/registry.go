// Package connection supervises one live WebSocket stream per
// subscription. Each stream task holds a token from the registry and
// keeps running only while its token is current; replacing or removing
// an entry makes the old task exit on its next check even if its cancel
// signal is lost. Cancellation is the fast path, the token check is the
// correctness guarantee.
package connection

import (
	"context"
	"sync"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

// entry tracks the live stream task for one subscription.
type entry struct {
	token     uint64
	serverURL string
	cancel    context.CancelFunc
}

// registry maps subscription ids to their current stream task. Tokens
// increase monotonically across all subscriptions; a task compares its
// own token against the registry before every reconnect attempt.
type registry struct {
	mu      sync.Mutex
	nextTok uint64
	entries map[string]entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]entry)}
}

// publish registers a new task for a subscription, cancelling any
// previous one, and returns the task's token.
func (r *registry) publish(subscriptionID, serverURL string, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[subscriptionID]; ok {
		prev.cancel()
	}

	r.nextTok++
	r.entries[subscriptionID] = entry{token: r.nextTok, serverURL: serverURL, cancel: cancel}

	return r.nextTok
}

// isCurrent reports whether token still owns the subscription's stream.
func (r *registry) isCurrent(subscriptionID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[subscriptionID]

	return ok && e.token == token
}

// take removes and cancels the subscription's entry, if any.
func (r *registry) take(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[subscriptionID]; ok {
		e.cancel()
		delete(r.entries, subscriptionID)
	}
}

// takeServer removes and cancels every entry belonging to a server.
func (r *registry) takeServer(serverURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if models.URLsMatch(e.serverURL, serverURL) {
			e.cancel()
			delete(r.entries, id)
		}
	}
}

// takeAll removes and cancels every entry.
func (r *registry) takeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		e.cancel()
		delete(r.entries, id)
	}
}

// drop removes the entry only if token still owns it. A task calls this
// on the way out so a successor's registration is never clobbered.
func (r *registry) drop(subscriptionID string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[subscriptionID]; ok && e.token == token {
		delete(r.entries, subscriptionID)
	}
}
