package stream

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/telnet2/go-practice/agentstream/internal/protocol"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// Request is what the controller asks a transport to open.
type Request struct {
	SessionID string
	TurnID    string
	Message   string
	Options   types.SendOptions
}

// Channel is an open response body and its framing.
type Channel struct {
	Body   io.ReadCloser
	Format protocol.Format
}

// Transport opens the response channel of a turn. Open must honour ctx:
// cancelling it has to unblock both Open and reads from the returned body.
type Transport interface {
	Open(ctx context.Context, req Request) (*Channel, error)
}

// StatusError is returned for a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent request failed: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("agent request failed (%d): %s", e.StatusCode, e.Message)
}

// HTTPTransport posts the turn to {BaseURL}/api/sessions/{id}/stream.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPTransport creates an HTTPTransport with an instrumented client. The
// client has no overall timeout because streams are long-lived; ctx bounds them.
func NewHTTPTransport(baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return operation + " " + r.URL.Path
			}),
		)},
	}
}

type streamRequestBody struct {
	Message     string                 `json:"message"`
	Attachments []types.AttachmentInfo `json:"attachments,omitempty"`
	AgentMode   types.AgentMode        `json:"agent_mode"`
}

// Open implements Transport.
func (t *HTTPTransport) Open(ctx context.Context, req Request) (*Channel, error) {
	body, err := json.Marshal(streamRequestBody{
		Message:     req.Message,
		Attachments: req.Options.Attachments,
		AgentMode:   req.Options.AgentMode,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := t.BaseURL + "/api/sessions/" + url.PathEscape(req.SessionID) + "/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if req.TurnID != "" {
		httpReq.Header.Set("X-Turn-ID", req.TurnID)
	}
	if t.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: protocol.ReadErrorMessage(resp.Body)}
	}

	return &Channel{Body: resp.Body, Format: protocol.DetectFormat(resp.Header.Get("Content-Type"))}, nil
}

// transportMessage turns an Open failure into the text shown to the user.
func transportMessage(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return "agent request timed out"
		}
		return "could not reach the agent: " + ue.Err.Error()
	}
	return err.Error()
}
