// Package ntfy publishes notifications to an ntfy topic
// (POST {server}/{topic}, message in the body, metadata in headers).
package ntfy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pricewatch/internal/transport"
)

type ErrorKind string

const (
	Unreachable ErrorKind = "unreachable"
	HTTPError   ErrorKind = "http_error"
)

// NotifyError reports a failed publish. Status is set for HTTPError only.
type NotifyError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *NotifyError) Error() string {
	if e.Kind == HTTPError {
		return fmt.Sprintf("ntfy: http status %d", e.Status)
	}
	return fmt.Sprintf("ntfy: %s: %v", e.Kind, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

type Config struct {
	Server  string // default https://ntfy.sh
	Topic   string
	Timeout time.Duration
}

type Client struct {
	endpoint string
	http     *http.Client
}

func New(cfg Config) (*Client, error) {
	server := strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	if server == "" {
		server = "https://ntfy.sh"
	}
	topic := strings.Trim(strings.TrimSpace(cfg.Topic), "/")
	if topic == "" {
		return nil, errors.New("ntfy topic is required")
	}
	if _, err := url.ParseRequestURI(server); err != nil {
		return nil, fmt.Errorf("ntfy server: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: server + "/" + url.PathEscape(topic),
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Name() string { return "ntfy" }

func (c *Client) Send(ctx context.Context, m transport.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(m.Body))
	if err != nil {
		return &NotifyError{Kind: Unreachable, Err: err}
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if m.Title != "" {
		req.Header.Set("Title", m.Title)
	}
	if m.Priority != 0 {
		req.Header.Set("Priority", m.Priority.String())
	}
	if len(m.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.Tags, ","))
	}
	if m.Click != "" {
		req.Header.Set("Click", m.Click)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NotifyError{Kind: Unreachable, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NotifyError{Kind: HTTPError, Status: resp.StatusCode}
	}
	return nil
}
