package target

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts = 3
	defaultTimeout     = 5 * time.Second
)

// Client talks to the admin endpoints of the service under test.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
}

func NewClient(baseURL string, maxAttempts int) *Client {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: maxAttempts,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type bugState struct {
	Enabled bool `json:"enabled"`
}

// BugEnabled reads the current admin toggle. ok is false when the target
// answered with a non-200 status.
func (c *Client) BugEnabled(ctx context.Context) (enabled bool, ok bool, err error) {
	return c.do(ctx, http.MethodGet)
}

// SyncBug flips the target's admin toggle until it matches desired, making at
// most maxAttempts flips. It returns the state the target ended up in. A
// transport error is returned as-is so the caller can fall back to local
// belief; a non-200 answer stops the loop without an error.
func (c *Client) SyncBug(ctx context.Context, desired bool) (bool, error) {
	current, ok, err := c.BugEnabled(ctx)
	if err != nil {
		return desired, err
	}
	if !ok {
		current = desired
	}

	for attempt := 0; current != desired && attempt < c.maxAttempts; attempt++ {
		enabled, ok, err := c.do(ctx, http.MethodPost)
		if err != nil {
			return desired, err
		}
		if !ok {
			break
		}
		current = enabled
	}

	if current != desired {
		slog.Warn("Target bug toggle did not converge", "desired", desired, "actual", current, "attempts", c.maxAttempts)
	}
	return current, nil
}

func (c *Client) do(ctx context.Context, method string) (bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/admin/bug", nil)
	if err != nil {
		return false, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("target request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, false, nil
	}

	var state bugState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false, false, fmt.Errorf("failed to parse response: %w", err)
	}
	return state.Enabled, true, nil
}
