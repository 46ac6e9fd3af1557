package ntfy

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

// EventMessage is the event kind denoting a user message. Every other
// kind (open, keepalive, poll_request) is a control frame and carries
// no payload worth storing.
const EventMessage = "message"

const defaultAttachmentType = "application/octet-stream"

// Message is the wire envelope used by ntfy servers, shared by the
// polling endpoint and the live stream: one JSON object per line or
// frame. Time is unix seconds.
type Message struct {
	ID       string      `json:"id"`
	Time     int64       `json:"time"`
	Event    string      `json:"event"`
	Topic    string      `json:"topic"`
	Body     string      `json:"message,omitempty"`
	Title    string      `json:"title,omitempty"`
	Priority int         `json:"priority,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Click    string      `json:"click,omitempty"`
	Actions  []Action    `json:"actions,omitempty"`
	Attach   *Attachment `json:"attachment,omitempty"`
}

// Action is an action button in the wire format.
type Action struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Label  string `json:"label"`
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"`
	Clear  bool   `json:"clear,omitempty"`
}

// Attachment is a file attachment in the wire format. The server sends
// at most one per message.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// RemoteSubscription is one entry of the account endpoint's
// subscription list.
type RemoteSubscription struct {
	BaseURL     string `json:"base_url"`
	Topic       string `json:"topic"`
	DisplayName string `json:"display_name,omitempty"`
}

// ToNotification converts a wire message into the stored notification
// format. Wire timestamps are seconds; the stored timestamp is
// milliseconds, converted here and nowhere else. A fresh local id is
// minted; the server's id is kept only as the dedup key.
func (m *Message) ToNotification(subscriptionID string) models.Notification {
	actions := make([]models.Action, 0, len(m.Actions))
	for _, a := range m.Actions {
		actions = append(actions, models.Action{
			ID:     a.ID,
			Label:  a.Label,
			URL:    a.URL,
			Method: a.Method,
			Clear:  a.Clear,
		})
	}

	var attachments []models.Attachment
	if m.Attach != nil {
		typ := m.Attach.Type
		if typ == "" {
			typ = defaultAttachmentType
		}

		attachments = []models.Attachment{{
			ID:   uuid.NewString(),
			Name: m.Attach.Name,
			Type: typ,
			URL:  m.Attach.URL,
			Size: m.Attach.Size,
		}}
	}

	return models.Notification{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		RemoteID:       m.ID,
		Title:          m.Title,
		Body:           m.Body,
		Priority:       models.ClampPriority(m.Priority),
		Tags:           m.Tags,
		Timestamp:      m.Time * 1000,
		Actions:        actions,
		Attachments:    attachments,
	}
}

// StreamURL derives the live-stream address for a topic from the
// server's base URL: https becomes wss, http becomes ws, a bare host
// defaults to wss, and the fixed /ws path segment is appended. Pure and
// independent of connection state.
func StreamURL(serverURL, topic string) string {
	base := models.NormalizeURL(serverURL)

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		base = "wss://" + base
	}

	return base + "/" + topic + "/ws"
}
