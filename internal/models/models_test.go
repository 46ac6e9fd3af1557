package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no trailing slash", "https://ntfy.sh", "https://ntfy.sh"},
		{"single trailing slash", "https://ntfy.sh/", "https://ntfy.sh"},
		{"multiple trailing slashes", "https://ntfy.sh///", "https://ntfy.sh"},
		{"plain http", "http://10.0.0.5:8080/", "http://10.0.0.5:8080"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestURLsMatch(t *testing.T) {
	assert.True(t, URLsMatch("https://x.com", "https://x.com/"))
	assert.True(t, URLsMatch("https://x.com/", "https://x.com"))
	assert.False(t, URLsMatch("https://x.com", "https://y.com"))
}

func TestServerMatches(t *testing.T) {
	s := Server{URL: "https://ntfy.sh/"}
	assert.True(t, s.Matches("https://ntfy.sh"))
	assert.False(t, s.Matches("https://ntfy.example.org"))
}

func TestServerHasCredentials(t *testing.T) {
	assert.False(t, (&Server{URL: "https://ntfy.sh"}).HasCredentials())
	assert.True(t, (&Server{URL: "https://ntfy.sh", Username: "alice"}).HasCredentials())
}

func TestSubscriptionServerMatches(t *testing.T) {
	sub := Subscription{Topic: "alerts", ServerURL: "https://ntfy.sh"}
	assert.True(t, sub.ServerMatches("https://ntfy.sh/"))
	assert.Equal(t, "https://ntfy.sh", sub.NormalizedServerURL())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, PriorityDefault, ClampPriority(0))
	assert.Equal(t, PriorityDefault, ClampPriority(9))
	assert.Equal(t, PriorityDefault, ClampPriority(-1))
	assert.Equal(t, PriorityMin, ClampPriority(1))
	assert.Equal(t, PriorityMax, ClampPriority(5))
	assert.Equal(t, PriorityHigh, ClampPriority(4))
}
