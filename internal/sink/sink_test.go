package sink

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfydesk/ntfydesk/internal/models"
	"github.com/ntfydesk/ntfydesk/internal/ntfy"
	"github.com/ntfydesk/ntfydesk/internal/store"
)

type recordingEmitter struct {
	arrived []models.Notification
	changed int
}

func (e *recordingEmitter) MessageArrived(n models.Notification) { e.arrived = append(e.arrived, n) }
func (e *recordingEmitter) SubscriptionsChanged()                { e.changed++ }

func (e *recordingEmitter) SyncPhaseCompleted(string, int) {}

type toast struct {
	title    string
	body     string
	priority int
}

type recordingNotifier struct {
	toasts []toast
	err    error
}

func (n *recordingNotifier) Notify(title, body string, priority int) error {
	n.toasts = append(n.toasts, toast{title: title, body: body, priority: priority})
	return n.err
}

func testSink(t *testing.T) (*Sink, *store.Store, *recordingEmitter, *recordingNotifier) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emitter := &recordingEmitter{}
	notifier := &recordingNotifier{}
	s := New(st, emitter, notifier, slog.New(slog.DiscardHandler))

	return s, st, emitter, notifier
}

func subscribe(t *testing.T, st *store.Store) models.Subscription {
	t.Helper()

	sub, err := st.InsertSubscription(store.CreateSubscription{Topic: "alerts", ServerURL: "https://ntfy.sh"})
	require.NoError(t, err)

	return sub
}

func TestHandleMessage_StoresEmitsAndToasts(t *testing.T) {
	s, st, emitter, notifier := testSink(t)
	sub := subscribe(t, st)

	msg := ntfy.Message{ID: "m1", Time: 100, Event: ntfy.EventMessage, Topic: "alerts", Title: "Disk", Body: "almost full", Priority: 4}

	require.NoError(t, s.HandleMessage(context.Background(), sub, msg))

	notifs, err := st.NotificationsBySubscription(sub.ID)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, "m1", notifs[0].RemoteID)

	require.Len(t, emitter.arrived, 1)
	assert.Equal(t, notifs[0].ID, emitter.arrived[0].ID)

	require.Len(t, notifier.toasts, 1)
	assert.Equal(t, "Disk", notifier.toasts[0].title)
	assert.Equal(t, "almost full", notifier.toasts[0].body)
	assert.Equal(t, 4, notifier.toasts[0].priority)
}

func TestHandleMessage_DuplicateShortCircuits(t *testing.T) {
	s, st, emitter, notifier := testSink(t)
	sub := subscribe(t, st)

	msg := ntfy.Message{ID: "m1", Time: 100, Event: ntfy.EventMessage, Body: "hello"}

	require.NoError(t, s.HandleMessage(context.Background(), sub, msg))
	require.NoError(t, s.HandleMessage(context.Background(), sub, msg))

	notifs, err := st.NotificationsBySubscription(sub.ID)
	require.NoError(t, err)
	assert.Len(t, notifs, 1)
	assert.Len(t, emitter.arrived, 1, "duplicate must not re-announce")
	assert.Len(t, notifier.toasts, 1, "duplicate must not re-toast")
}

func TestHandleMessage_MutedSubscriptionStoresWithoutToast(t *testing.T) {
	s, st, emitter, notifier := testSink(t)
	sub := subscribe(t, st)

	muted, err := st.ToggleMute(sub.ID)
	require.NoError(t, err)

	msg := ntfy.Message{ID: "m1", Time: 100, Event: ntfy.EventMessage, Body: "quiet"}

	require.NoError(t, s.HandleMessage(context.Background(), muted, msg))

	notifs, err := st.NotificationsBySubscription(sub.ID)
	require.NoError(t, err)
	assert.Len(t, notifs, 1, "muted subscriptions still store messages")
	assert.Len(t, emitter.arrived, 1, "muted subscriptions still announce to the UI")
	assert.Empty(t, notifier.toasts)
}

func TestHandleMessage_TitleFallsBackToDisplayNameThenTopic(t *testing.T) {
	s, st, _, notifier := testSink(t)

	named, err := st.InsertSubscription(store.CreateSubscription{
		Topic: "alerts", ServerURL: "https://ntfy.sh", DisplayName: "Prod Alerts",
	})
	require.NoError(t, err)

	bare, err := st.InsertSubscription(store.CreateSubscription{Topic: "builds", ServerURL: "https://ntfy.sh"})
	require.NoError(t, err)

	require.NoError(t, s.HandleMessage(context.Background(), named, ntfy.Message{ID: "m1", Time: 1, Body: "x"}))
	require.NoError(t, s.HandleMessage(context.Background(), bare, ntfy.Message{ID: "m2", Time: 1, Body: "y"}))

	require.Len(t, notifier.toasts, 2)
	assert.Equal(t, "Prod Alerts", notifier.toasts[0].title)
	assert.Equal(t, "builds", notifier.toasts[1].title)
}

func TestHandleMessage_ToastFailureIsNotFatal(t *testing.T) {
	s, st, emitter, notifier := testSink(t)
	notifier.err = assert.AnError

	sub := subscribe(t, st)

	err := s.HandleMessage(context.Background(), sub, ntfy.Message{ID: "m1", Time: 1, Body: "x"})
	assert.NoError(t, err, "a failed toast never loses the message")
	assert.Len(t, emitter.arrived, 1)
}

func TestHandleMessage_UnknownSubscriptionFails(t *testing.T) {
	s, _, _, _ := testSink(t)

	ghost := models.Subscription{ID: "ghost", Topic: "alerts", ServerURL: "https://ntfy.sh"}

	err := s.HandleMessage(context.Background(), ghost, ntfy.Message{ID: "m1", Time: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"bold", "**urgent** issue", "urgent issue"},
		{"italic", "a *very* bad _day_", "a very bad day"},
		{"link keeps text", "see [the docs](https://example.com) now", "see the docs now"},
		{"image dropped", "before ![chart](https://x/y.png) after", "before  after"},
		{"inline code", "run `systemctl restart` please", "run systemctl restart please"},
		{"heading", "# Alert\nserver down", "Alert\nserver down"},
		{"list markers", "- one\n- two\n1. three", "one\ntwo\nthree"},
		{"strikethrough", "~~old~~ new", "old new"},
		{"blockquote", "> quoted line", "quoted line"},
		{"fenced code removed", "before\n```\nsecret code\n```\nafter", "before\n\nafter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripMarkdown(tt.in))
		})
	}
}
