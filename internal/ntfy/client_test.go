package ntfy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestGetAccount_ReturnsSubscriptions(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"username":"alice","subscriptions":[
			{"base_url":"https://ntfy.sh","topic":"alerts","display_name":"Alerts"},
			{"base_url":"https://ntfy.sh","topic":"builds"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	subs, err := c.GetAccount(context.Background(), srv.URL, "alice", "secret")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "alerts", subs[0].Topic)
	assert.Equal(t, "Alerts", subs[0].DisplayName)
	assert.Equal(t, BasicAuth("alice", "secret"), gotAuth)
}

func TestGetAccount_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	_, err := c.GetAccount(context.Background(), srv.URL, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, IsAuthError(err), "401 should map to AuthError, got %v", err)
}

func TestGetAccount_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	_, err := c.GetAccount(context.Background(), srv.URL, "alice", "secret")
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
}

func TestGetAccount_TrailingSlashServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account", r.URL.Path)
		w.Write([]byte(`{"username":"alice","subscriptions":[]}`))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	subs, err := c.GetAccount(context.Background(), srv.URL+"/", "alice", "secret")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestGetMessages_ParsesStreamAndSkipsControlFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/alerts/json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("poll"))
		assert.Equal(t, "all", r.URL.Query().Get("since"))
		assert.Empty(t, r.Header.Get("Authorization"))

		w.Write([]byte(`{"id":"open1","time":100,"event":"open","topic":"alerts"}
{"id":"m1","time":101,"event":"message","topic":"alerts","message":"first","priority":4}
this line is not json at all
{"id":"keep1","time":102,"event":"keepalive","topic":"alerts"}

{"id":"m2","time":103,"event":"message","topic":"alerts","title":"hi","message":"second"}
`))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	msgs, err := c.GetMessages(context.Background(), srv.URL, "alerts", nil, "", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, 4, msgs[0].Priority)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "hi", msgs[1].Title)
}

func TestGetMessages_SinceTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1699999999", r.URL.Query().Get("since"))
		w.Write([]byte(""))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	since := int64(1699999999)
	msgs, err := c.GetMessages(context.Background(), srv.URL, "alerts", &since, "", "")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetMessages_SendsCredentialsWhenGiven(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, BasicAuth("bob", "pw"), r.Header.Get("Authorization"))
		w.Write([]byte(""))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	_, err := c.GetMessages(context.Background(), srv.URL, "alerts", nil, "bob", "pw")
	require.NoError(t, err)
}

func TestGetMessages_MalformedMessageLineSkipped(t *testing.T) {
	// A line that claims event=message but fails full decode must be
	// skipped without aborting the fetch.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"bad","time":"not-a-number","event":"message"}
{"id":"m1","time":50,"event":"message","topic":"t","message":"ok"}
`))
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	msgs, err := c.GetMessages(context.Background(), srv.URL, "t", nil, "", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestDeleteMessage_SendsDelete(t *testing.T) {
	var gotMethod, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	err := c.DeleteMessage(context.Background(), srv.URL, "alerts", "m1", "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/alerts/m1", gotPath)
}

func TestDeleteMessage_FailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil, testLogger())

	err := c.DeleteMessage(context.Background(), srv.URL, "alerts", "m1", "", "")
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestBasicAuth(t *testing.T) {
	// echo -n 'alice:secret' | base64
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", BasicAuth("alice", "secret"))
}
