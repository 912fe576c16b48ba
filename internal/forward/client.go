package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"logship/internal/domain"
)

// IngestPath is the gateway endpoint every record is posted to.
const IngestPath = "/log"

type Kind int

const (
	// KindTransport means no response was received.
	KindTransport Kind = iota + 1
	// KindRejected means the gateway answered with a non-2xx status.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type ForwardError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ForwardError) Error() string {
	if e.Kind == KindRejected {
		return fmt.Sprintf("rejected by gateway (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Retryable reports whether sending the same record again could succeed.
// Auth and validation rejections never become valid on retry.
func (e *ForwardError) Retryable() bool {
	return e.Kind == KindTransport || e.StatusCode >= 500
}

type ClientConfig struct {
	URL      string
	APIToken string
	Timeout  time.Duration
}

type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient returns a client posting to <URL>/log. A nil hc gets a client
// with cfg.Timeout.
func NewClient(cfg ClientConfig, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse ingestion url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ingestion url %q must be http or https", cfg.URL)
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{endpoint: strings.TrimRight(u.String(), "/") + IngestPath, token: cfg.APIToken, http: hc}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

// Forward posts the record's original bytes to the gateway.
func (c *Client) Forward(ctx context.Context, rec domain.LogRecord) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(rec.RawPayload))
	if err != nil {
		return &ForwardError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ForwardError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &ForwardError{Kind: KindRejected, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
}
