package secrets

import (
	"sync"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

// Cache wraps a Store and memoizes lookups. Keychain access can prompt
// the user or hit D-Bus on every call; the sync loop reads credentials
// for every server on every pass, so successful lookups are cached
// until the credential changes. Negative results are not cached: a
// credential added out of band becomes visible on the next lookup.
type Cache struct {
	inner Store

	mu      sync.Mutex
	entries map[string]Credentials
}

// NewCache wraps a credential store with an in-memory cache.
func NewCache(inner Store) *Cache {
	return &Cache{
		inner:   inner,
		entries: make(map[string]Credentials),
	}
}

// Get implements Store.
func (c *Cache) Get(server models.Server) (Credentials, error) {
	key := credentialKey(server.URL, server.Username)

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()

	if ok {
		return cached, nil
	}

	creds, err := c.inner.Get(server)
	if err != nil {
		return Credentials{}, err
	}

	c.mu.Lock()
	c.entries[key] = creds
	c.mu.Unlock()

	return creds, nil
}

// Set implements Store, writing through and refreshing the cache.
func (c *Cache) Set(serverURL, username, password string) error {
	if err := c.inner.Set(serverURL, username, password); err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[credentialKey(serverURL, username)] = Credentials{Username: username, Password: password}
	c.mu.Unlock()

	return nil
}

// Delete implements Store, writing through and evicting the cache
// entry.
func (c *Cache) Delete(serverURL, username string) error {
	if err := c.inner.Delete(serverURL, username); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.entries, credentialKey(serverURL, username))
	c.mu.Unlock()

	return nil
}

// Invalidate drops every cached entry for a server, regardless of
// username. Removing a server goes through here so entries cached
// under a different username do not outlive it.
func (c *Cache) Invalidate(serverURL string) {
	suffix := "_" + models.NormalizeURL(serverURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(c.entries, key)
		}
	}
}
