// Package ntfy implements the stateless request/response client for the
// ntfy wire protocol: account fetch, historical message polling, and
// best-effort remote deletion. The live stream shares this package's
// message envelope but is driven by the connection supervisor.
package ntfy

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"

	"github.com/ntfydesk/ntfydesk/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAccountResponseBytes caps account response reads. The account
	// payload is a small JSON object.
	maxAccountResponseBytes = 1024 * 1024

	// maxScanLineBytes caps a single NDJSON line when scanning a
	// polling response. ntfy messages are limited to 4KB of body;
	// 1MB leaves room for large attachments metadata.
	maxScanLineBytes = 1024 * 1024

	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
	retryMaxDelay = 5 * time.Second
)

// TransportError wraps a connect/read/write failure. Transport errors
// are always retried by the supervisor and never surfaced as fatal.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError indicates the server rejected the supplied credentials.
type AuthError struct {
	Server string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected by %s (status %d)", e.Server, e.Status)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// BasicAuth builds an HTTP Basic Authorization header value from a
// username and password.
func BasicAuth(username, password string) string {
	credentials := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the Authorization
// header from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// Client talks to ntfy servers over HTTP. It is stateless: one instance
// can serve any number of servers and topics concurrently.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a protocol client with the given http.Client.
// If httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{httpClient: httpClient, logger: logger}
}

type accountResponse struct {
	Username      string               `json:"username"`
	Subscriptions []RemoteSubscription `json:"subscriptions"`
}

// GetAccount fetches the authenticated account's subscription list.
func (c *Client) GetAccount(ctx context.Context, serverURL, username, password string) ([]RemoteSubscription, error) {
	url := normalizeBase(serverURL) + "/v1/account"

	var account accountResponse

	err := c.withRetry(ctx, "account fetch", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("Authorization", BasicAuth(username, password))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &TransportError{Err: fmt.Errorf("fetching account from %s: %w", serverURL, err)}
		}
		defer resp.Body.Close()

		if err := checkStatus(resp, serverURL); err != nil {
			return err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAccountResponseBytes))
		if err != nil {
			return &TransportError{Err: fmt.Errorf("reading account response: %w", err)}
		}

		account = accountResponse{}
		if err := json.Unmarshal(body, &account); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decoding account response from %s: %w", serverURL, err))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return account.Subscriptions, nil
}

// GetMessages polls a topic's retained backlog. A nil since requests
// everything the server kept; otherwise messages at or after the given
// unix-seconds timestamp. Credentials are optional. The response is a
// newline-delimited stream of JSON records; malformed lines and control
// events are skipped, never fatal.
func (c *Client) GetMessages(ctx context.Context, serverURL, topic string, since *int64, username, password string) ([]Message, error) {
	base := normalizeBase(serverURL)

	url := base + "/" + topic + "/json?poll=1&since=all"
	if since != nil {
		url = base + "/" + topic + "/json?poll=1&since=" + strconv.FormatInt(*since, 10)
	}

	var messages []Message

	err := c.withRetry(ctx, "message poll", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("creating request: %w", err))
		}

		if username != "" {
			req.Header.Set("Authorization", BasicAuth(username, password))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &TransportError{Err: fmt.Errorf("polling %s/%s: %w", serverURL, topic, err)}
		}
		defer resp.Body.Close()

		if err := checkStatus(resp, serverURL); err != nil {
			return err
		}

		msgs, err := c.parseMessageStream(resp.Body)
		if err != nil {
			return &TransportError{Err: fmt.Errorf("reading poll response from %s/%s: %w", serverURL, topic, err)}
		}

		messages = msgs

		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// DeleteMessage asks the server to delete a single message. Best
// effort: callers treat failure as non-fatal and local deletion always
// proceeds regardless.
func (c *Client) DeleteMessage(ctx context.Context, serverURL, topic, remoteID, username, password string) error {
	url := normalizeBase(serverURL) + "/" + topic + "/" + remoteID

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if username != "" {
		req.Header.Set("Authorization", BasicAuth(username, password))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("deleting message on %s/%s: %w", serverURL, topic, err)}
	}
	defer resp.Body.Close()

	return checkStatus(resp, serverURL)
}

// parseMessageStream decodes a newline-delimited JSON message stream,
// keeping only user messages in arrival order. A line that fails to
// parse is logged and skipped; a broken line must never abort the
// surrounding fetch.
func (c *Client) parseMessageStream(r io.Reader) ([]Message, error) {
	var messages []Message

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if gjson.GetBytes(line, "event").Str != EventMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("skipping malformed message record",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(line)),
			)

			continue
		}

		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// withRetry wraps an HTTP operation with a short bounded retry.
// Auth failures and malformed responses are not retried.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsAuthError(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying "+op,
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// checkStatus converts a non-2xx response into the right error
// category: 401/403 become AuthError, everything else TransportError.
func checkStatus(resp *http.Response, serverURL string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return retry.Unrecoverable(&AuthError{Server: serverURL, Status: resp.StatusCode})
	}

	return &TransportError{Err: fmt.Errorf("server %s returned status %d", serverURL, resp.StatusCode)}
}

func normalizeBase(serverURL string) string {
	return models.NormalizeURL(serverURL)
}
