// Package session talks to the session API: it creates sessions just in time
// for a first send and fetches message history.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/telnet2/go-practice/agentstream/internal/logging"
	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

const (
	// DefaultTitle is used for sessions created implicitly by a send.
	DefaultTitle = "New chat"

	// RetryInitialInterval is the first wait of the create backoff.
	RetryInitialInterval = 250 * time.Millisecond
	// RetryMaxInterval caps a single wait.
	RetryMaxInterval = 5 * time.Second
	// MaxRetries bounds create retries.
	MaxRetries = 4
)

// ErrNotFound is returned when the session does not exist.
var ErrNotFound = errors.New("session not found")

// APIError is a non-success response from the session API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session api: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("session api (%d): %s", e.StatusCode, e.Message)
}

// retryable reports whether a failed call may succeed when repeated.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client is a session API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger

	newBackOff func(ctx context.Context) backoff.BackOff
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithBackOff replaces the retry policy used by Create.
func WithBackOff(fn func(ctx context.Context) backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackOff = fn }
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:        logging.Component("session"),
		newBackOff: newRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newRetryBackoff is an exponential backoff with jitter, bounded in retries
// and stopped by ctx.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Create creates a session. Transient failures are retried.
func (c *Client) Create(ctx context.Context, title string) (*types.Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, err
	}

	op := func() (*types.Session, error) {
		var s types.Session
		err := c.do(ctx, http.MethodPost, "/api/sessions", body, &s)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return &s, err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("retryIn", wait).Msg("session create failed, retrying")
	}

	s, err := backoff.RetryNotifyWithData[*types.Session](op, c.newBackOff(ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.log.Debug().Str("sessionID", s.ID).Msg("session created")
	return s, nil
}

// Get fetches a session. It returns ErrNotFound on 404.
func (c *Client) Get(ctx context.Context, id string) (*types.Session, error) {
	var s types.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Messages fetches the confirmed history of a session.
func (c *Client) Messages(ctx context.Context, id string) ([]types.Message, error) {
	var msgs []*types.ConfirmedMessage
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out, nil
}

// Ensure returns the session with the given id, creating a new one when id
// is empty or unknown. created reports whether a session was created.
func (c *Client) Ensure(ctx context.Context, id, title string) (s *types.Session, created bool, err error) {
	if id != "" {
		s, err = c.Get(ctx, id)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		c.log.Info().Str("sessionID", id).Msg("session not found, creating a new one")
	}
	s, err = c.Create(ctx, title)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: protocol.ReadErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
