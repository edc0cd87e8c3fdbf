// Package api provides the HTTP client for the remote HealthReach API.
//
// The API speaks a JSON envelope: every 2xx response body is either
// {"data": ...} or {"error": "..."}. Anything else, including transport
// failures and non-2xx statuses, is reported as an error with a code
// the caller can classify (transient vs. semantic).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
)

// TokenProvider supplies the bearer token for a request. Session
// handling lives outside the engine; a nil provider sends no auth.
type TokenProvider func(ctx context.Context) (string, error)

// Client issues requests against the remote REST API with a bounded
// per-request timeout so a hung request can never deadlock a drain.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenProvider
}

// envelope is the remote API's uniform response body.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// NewClient creates a Client for baseURL. timeout bounds every request.
func NewClient(baseURL string, timeout time.Duration, token TokenProvider) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

// Get fetches a resource collection or object. query may be nil.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	path := endpoint
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Do issues a request with a JSON body and decodes the envelope.
// Returns the envelope's data payload on success.
func (c *Client) Do(ctx context.Context, method, endpoint string, body json.RawMessage) (json.RawMessage, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrNetwork, "failed to obtain auth token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || strings.Contains(err.Error(), "Timeout") {
			return nil, errors.Wrap(errors.ErrTimeout, method+" "+endpoint+" timed out", err)
		}
		return nil, errors.Wrap(errors.ErrNetwork, method+" "+endpoint+" failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read response body", err)
	}

	logging.Debug("API request", map[string]interface{}{
		"method":   method,
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	var env envelope
	if len(raw) > 0 {
		// A malformed body on a 2xx is still a failure; on an error
		// status the status code alone classifies the error.
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return nil, errors.Wrap(errors.ErrRemote, "malformed response envelope", err)
		}
	}

	if resp.StatusCode >= 300 || env.Error != "" {
		return nil, classify(resp.StatusCode, env.Error)
	}

	return env.Data, nil
}

// classify maps a response to the engine's error taxonomy. 5xx and
// unknown statuses are transient; 4xx means the request itself is bad
// and retrying it verbatim will never succeed.
func classify(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusConflict:
		return errors.New(errors.ErrSyncConflict, message)
	case status == http.StatusNotFound:
		return errors.New(errors.ErrNotFound, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errors.New(errors.ErrValidation, message)
	default:
		// 5xx, other statuses, or a 2xx body carrying {"error": ...}
		return errors.New(errors.ErrRemote, message)
	}
}
