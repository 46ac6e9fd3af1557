// Package secrets stores server credentials in the operating system
// keychain. Passwords never touch the database; the store only keeps
// the username so the keychain entry can be found again.
package secrets

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

const serviceName = "ntfydesk"

// ErrNotFound is returned when no credential is stored for a server.
var ErrNotFound = errors.New("credential not found")

// Credentials is a username/password pair for one server.
type Credentials struct {
	Username string
	Password string
}

// Store reads and writes per-server credentials.
type Store interface {
	// Get returns the stored credentials for a server. Returns
	// ErrNotFound when the server has no username on record or the
	// keychain entry is missing.
	Get(server models.Server) (Credentials, error)

	// Set stores a password for a server and username, replacing any
	// previous entry.
	Set(serverURL, username, password string) error

	// Delete removes the credential for a server and username. Deleting
	// an absent entry is not an error.
	Delete(serverURL, username string) error
}

// Invalidator is implemented by credential stores that memoize lookups
// and can drop every entry for a server at once.
type Invalidator interface {
	Invalidate(serverURL string)
}

// credentialKey derives the keychain entry name. The username is part
// of the key so that switching accounts on a server leaves the old
// entry intact until explicitly deleted.
func credentialKey(serverURL, username string) string {
	return username + "_" + models.NormalizeURL(serverURL)
}

// Keyring is the system-keychain backed credential store.
type Keyring struct {
	ring keyring.Keyring
}

// Open opens the system keychain. A non-empty backend restricts the
// allowed backend types, which is how headless setups force the
// encrypted file backend; fileDir is only used by that backend.
func Open(backend, fileDir string) (*Keyring, error) {
	cfg := keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	}

	if backend != "" {
		cfg.AllowedBackends = []keyring.BackendType{keyring.BackendType(backend)}
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return &Keyring{ring: ring}, nil
}

// Get implements Store.
func (k *Keyring) Get(server models.Server) (Credentials, error) {
	if server.Username == "" {
		return Credentials{}, fmt.Errorf("server %s: %w", server.URL, ErrNotFound)
	}

	item, err := k.ring.Get(credentialKey(server.URL, server.Username))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Credentials{}, fmt.Errorf("server %s: %w", server.URL, ErrNotFound)
		}

		return Credentials{}, fmt.Errorf("getting credential for %s: %w", server.URL, err)
	}

	return Credentials{Username: server.Username, Password: string(item.Data)}, nil
}

// Set implements Store.
func (k *Keyring) Set(serverURL, username, password string) error {
	err := k.ring.Set(keyring.Item{
		Key:  credentialKey(serverURL, username),
		Data: []byte(password),
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", serverURL, err)
	}

	return nil
}

// Delete implements Store.
func (k *Keyring) Delete(serverURL, username string) error {
	err := k.ring.Remove(credentialKey(serverURL, username))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential for %s: %w", serverURL, err)
	}

	return nil
}
