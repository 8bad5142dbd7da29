package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/avitran/tripsync/internal/errors"
	"github.com/avitran/tripsync/internal/logging"
)

// DefaultTimeout bounds one sync round trip.
const DefaultTimeout = 30 * time.Second

const syncPath = "/api/v1/sync"

// Client speaks the combined push+pull endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a sync client for the given server base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Get(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SyncChanges performs one combined push+pull round trip. Errors from
// this method mean no server state is known to have changed; the caller
// retries the same batch later under the idempotency keys.
func (c *Client) SyncChanges(ctx context.Context, ops []Operation, since string) (*SyncResponse, error) {
	reqBody := SyncRequest{Operations: ops, Since: since}
	if reqBody.Operations == nil {
		reqBody.Operations = []Operation{}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode sync request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+syncPath, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build sync request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the error message; servers put
		// a short reason there.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("sync endpoint returned %d", resp.StatusCode)
		if len(snippet) > 0 {
			msg += ": " + string(snippet)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout &&
			resp.StatusCode != http.StatusTooManyRequests {
			return nil, apperrors.New(apperrors.ErrSyncRejected, msg)
		}
		return nil, apperrors.New(apperrors.ErrSyncTransport, msg)
	}

	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncDecode, "decode sync response", err)
	}
	if out.SyncTimestamp == "" {
		return nil, apperrors.New(apperrors.ErrSyncDecode, "sync response missing sync_timestamp")
	}

	c.log.Debug("sync round trip complete", logging.Fields{
		"pushed":      len(ops),
		"pulled":      len(out.PullResults),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return &out, nil
}

// PullChanges performs a pull-only round trip (an empty push batch).
func (c *Client) PullChanges(ctx context.Context, since string) (*SyncResponse, error) {
	return c.SyncChanges(ctx, nil, since)
}

func classifyTransport(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.Canceled || errors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.ErrSyncCancelled, "sync cancelled", err)
	case ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "sync deadline exceeded", err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "sync request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncTransport, "sync request failed", err)
}
