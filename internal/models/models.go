// Package models defines the core data types shared across the client:
// servers, subscriptions, and stored notifications.
package models

import "strings"

// Priority levels for notifications, matching ntfy's 1-5 scale.
const (
	PriorityMin     = 1
	PriorityLow     = 2
	PriorityDefault = 3
	PriorityHigh    = 4
	PriorityMax     = 5
)

// ClampPriority maps an arbitrary wire priority into the valid 1-5
// range. Out-of-range values fall back to the default priority.
func ClampPriority(p int) int {
	if p < PriorityMin || p > PriorityMax {
		return PriorityDefault
	}

	return p
}

// NormalizeURL strips trailing slashes so "https://ntfy.sh" and
// "https://ntfy.sh/" compare equal everywhere server identity is checked.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// URLsMatch reports whether two server URLs refer to the same server,
// ignoring trailing slashes.
func URLsMatch(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}

// Server is a configured ntfy server. Identity is the normalized URL.
// Credentials live in the secret store keyed by (username, normalized
// URL); only the username is recorded here.
type Server struct {
	URL       string `json:"url"`
	Username  string `json:"username,omitempty"`
	IsDefault bool   `json:"isDefault"`
}

// NormalizedURL returns the server URL without trailing slashes.
func (s *Server) NormalizedURL() string {
	return NormalizeURL(s.URL)
}

// Matches reports whether this server's URL matches another URL,
// ignoring trailing slashes.
func (s *Server) Matches(other string) bool {
	return URLsMatch(s.URL, other)
}

// HasCredentials reports whether the server has a username configured.
// A server without one never participates in authenticated sync.
func (s *Server) HasCredentials() bool {
	return s.Username != ""
}

// Subscription pairs a server with a topic the client follows.
// Uniqueness is (normalized ServerURL, Topic).
type Subscription struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	ServerURL   string `json:"serverUrl"`
	DisplayName string `json:"displayName,omitempty"`
	Muted       bool   `json:"muted"`

	// LastSync is the backlog watermark in unix seconds: the highest
	// message time already asked for, plus one. Nil means never synced.
	LastSync *int64 `json:"lastSync,omitempty"`
}

// NormalizedServerURL returns the subscription's server URL without
// trailing slashes.
func (s *Subscription) NormalizedServerURL() string {
	return NormalizeURL(s.ServerURL)
}

// ServerMatches reports whether this subscription belongs to the given
// server URL, ignoring trailing slashes.
func (s *Subscription) ServerMatches(url string) bool {
	return URLsMatch(s.ServerURL, url)
}

// Action is a button attached to a notification.
type Action struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	Clear  bool   `json:"clear"`
}

// Attachment is a file attached to a notification.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// Notification is a received message stored locally.
//
// RemoteID is the server's own message identifier and exists only for
// deduplication: a notification with a given RemoteID is stored at most
// once. Locally authored notifications have an empty RemoteID and are
// never deduplicated.
type Notification struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscriptionId"`
	RemoteID       string `json:"remoteId,omitempty"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Priority       int    `json:"priority"`

	Tags        []string     `json:"tags,omitempty"`
	Actions     []Action     `json:"actions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Timestamp is unix milliseconds. Wire timestamps are seconds;
	// the conversion happens once, at ingestion.
	Timestamp int64 `json:"timestamp"`

	Read     bool `json:"read"`
	Expanded bool `json:"expanded"`
	Favorite bool `json:"favorite"`
}
