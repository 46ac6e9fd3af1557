package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/ntfydesk/ntfydesk/internal/models"
	"github.com/ntfydesk/ntfydesk/internal/ntfy"
	"github.com/ntfydesk/ntfydesk/internal/secrets"
	"github.com/ntfydesk/ntfydesk/internal/store"
)

const (
	// maxFrameBytes caps a single WebSocket frame. Stream frames carry
	// one JSON message each; ntfy bodies are limited to 4KB.
	maxFrameBytes = 1024 * 1024

	// jitterMax is the upper bound of the uniform jitter added to every
	// reconnect delay, spreading out reconnect storms after a server
	// restart.
	jitterMax = 3 * time.Second
)

// backoffSchedule holds the reconnect delays for consecutive failures.
// Attempts beyond the last entry reuse it, so the worst-case delay is
// bounded at 30 seconds plus jitter.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

// StreamConn abstracts the WebSocket connection so the stream loop can
// be tested without a real server. *websocket.Conn satisfies it.
type StreamConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a stream connection. The default dials a real WebSocket;
// tests substitute a scripted connection.
type Dialer func(ctx context.Context, url string, header http.Header) (StreamConn, error)

func defaultDialer(ctx context.Context, url string, header http.Header) (StreamConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	conn.SetReadLimit(maxFrameBytes)

	return conn, nil
}

// Handler receives each user message read off a live stream.
type Handler interface {
	HandleMessage(ctx context.Context, sub models.Subscription, msg ntfy.Message) error
}

// Supervisor owns the live stream tasks, one per subscription. Connect,
// Disconnect, and their bulk variants may be called concurrently from
// any goroutine; the registry serializes ownership changes.
type Supervisor struct {
	store   *store.Store
	creds   secrets.Store
	handler Handler
	dial    Dialer
	logger  *slog.Logger

	reg *registry
	wg  sync.WaitGroup
}

// NewSupervisor creates a stream supervisor. A nil dialer means real
// WebSocket connections.
func NewSupervisor(st *store.Store, creds secrets.Store, handler Handler, dial Dialer, logger *slog.Logger) *Supervisor {
	if dial == nil {
		dial = defaultDialer
	}

	return &Supervisor{
		store:   st,
		creds:   creds,
		handler: handler,
		dial:    dial,
		logger:  logger,
		reg:     newRegistry(),
	}
}

// Connect starts a stream task for a subscription, replacing any
// existing task for the same subscription. The old task is cancelled
// and, independently of that signal, invalidated by the token bump.
func (s *Supervisor) Connect(ctx context.Context, sub models.Subscription) {
	streamCtx, cancel := context.WithCancel(ctx)
	token := s.reg.publish(sub.ID, sub.ServerURL, cancel)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.reg.drop(sub.ID, token)

		s.run(streamCtx, sub, token)
	}()
}

// ConnectAll starts a stream task for every stored subscription.
func (s *Supervisor) ConnectAll(ctx context.Context) error {
	subs, err := s.store.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	for _, sub := range subs {
		s.Connect(ctx, sub)
	}

	return nil
}

// Disconnect stops the stream task for a subscription, if any.
func (s *Supervisor) Disconnect(subscriptionID string) {
	s.reg.take(subscriptionID)
}

// DisconnectServer stops every stream task belonging to a server.
func (s *Supervisor) DisconnectServer(serverURL string) {
	s.reg.takeServer(serverURL)
}

// Shutdown stops all stream tasks and waits for them to exit.
func (s *Supervisor) Shutdown() {
	s.reg.takeAll()
	s.wg.Wait()
}

// run is the per-subscription reconnect loop. The token is re-checked
// before every attempt: a task whose cancel signal was lost still exits
// here the moment a successor has been published, so two tasks never
// stream the same subscription.
func (s *Supervisor) run(ctx context.Context, sub models.Subscription, token uint64) {
	attempt := 0

	for {
		if ctx.Err() != nil || !s.reg.isCurrent(sub.ID, token) {
			return
		}

		err := s.streamOnce(ctx, sub, &attempt)
		if ctx.Err() != nil || !s.reg.isCurrent(sub.ID, token) {
			return
		}

		delay := backoffDelay(attempt)
		attempt++

		s.logger.Warn("stream lost, reconnecting",
			slog.String("topic", sub.Topic),
			slog.String("server", sub.ServerURL),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// streamOnce dials the topic's stream and reads frames until the
// connection drops. The attempt counter resets once the handshake
// succeeds; only consecutive dial failures escalate the backoff.
func (s *Supervisor) streamOnce(ctx context.Context, sub models.Subscription, attempt *int) error {
	url := ntfy.StreamURL(sub.ServerURL, sub.Topic)

	conn, err := s.dial(ctx, url, s.authHeader(sub))
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	*attempt = 0

	s.logger.Info("stream connected",
		slog.String("topic", sub.Topic),
		slog.String("server", sub.ServerURL),
	)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		if gjson.GetBytes(data, "event").Str != ntfy.EventMessage {
			continue
		}

		var msg ntfy.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("skipping malformed stream frame",
				slog.String("topic", sub.Topic),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := s.handler.HandleMessage(ctx, sub, msg); err != nil {
			s.logger.Warn("handling stream message",
				slog.String("topic", sub.Topic),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// authHeader builds the dial header. Missing server records or
// credentials mean an anonymous connection, which public topics accept.
func (s *Supervisor) authHeader(sub models.Subscription) http.Header {
	header := http.Header{}

	server, err := s.store.GetServer(sub.ServerURL)
	if err != nil {
		return header
	}

	creds, err := s.creds.Get(*server)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			s.logger.Warn("reading credentials for stream",
				slog.String("server", sub.ServerURL),
				slog.String("error", err.Error()),
			)
		}

		return header
	}

	header.Set("Authorization", ntfy.BasicAuth(creds.Username, creds.Password))

	return header
}

// backoffDelay returns the delay before the given reconnect attempt,
// with uniform jitter in [0, jitterMax).
func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		attempt = len(backoffSchedule) - 1
	}

	return backoffSchedule[attempt] + time.Duration(rand.Int64N(int64(jitterMax))) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
}
