// Package providers implements the remote model transport: a Bearer-token
// JSON POST client plus credential resolution from the vault with an env
// fallback.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Default call timeouts: the tool loop waits longer than the single-shot
// planner call.
const (
	ToolLoopTimeout = 40 * time.Second
	PlannerTimeout  = 25 * time.Second
)

// HTTPError is a non-2xx provider response with its body preserved for
// diagnostics.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, body)
}

// Client posts JSON bodies to a provider endpoint with Bearer auth.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// NewClient returns a provider client. Per-call timeouts come from the
// context deadline set in Call.
func NewClient() *Client {
	return &Client{
		http: &http.Client{},
		log:  slog.With("component", "providers"),
	}
}

// Call posts body to url and decodes the JSON response. One retry on 429 and
// 5xx, since provider hiccups there are common and cheap to absorb.
func (c *Client) Call(ctx context.Context, url, apiKey string, body map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = ToolLoopTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := c.post(ctx, url, apiKey, body)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && retryable(httpErr.Status) {
			c.log.Warn("provider call retrying", "status", httpErr.Status)
			select {
			case <-ctx.Done():
				return nil, err
			case <-time.After(time.Second):
			}
			return c.post(ctx, url, apiKey, body)
		}
		return nil, err
	}
	return payload, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (c *Client) post(ctx context.Context, url, apiKey string, body map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(data)}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return payload, nil
}
