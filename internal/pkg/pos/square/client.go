package square

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 8 << 20

// ErrResponseTooLarge is returned for bodies above Client.MaxResponseBytes.
var ErrResponseTooLarge = errors.New("square response too large")

// APIError is a non-2xx response from Square.
type APIError struct {
	Status     int
	Endpoint   string
	Code       string
	Detail     string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("square %s failed: status=%d code=%s detail=%s", e.Endpoint, e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("square %s failed: status=%d", e.Endpoint, e.Status)
}

// HTTPStatus lets the retry policy classify the error.
func (e *APIError) HTTPStatus() int { return e.Status }

// RetryAfter is the server supplied wait, zero when absent.
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

// Client is a minimal JSON client for the Square Connect API.
type Client struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	// MaxResponseBytes caps a response body. Zero uses 8 MiB.
	MaxResponseBytes int64
}

// NewClient creates a client. A nil httpClient gets a 30s timeout client.
func NewClient(baseURL, apiVersion string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return &Client{
		BaseURL:          strings.TrimRight(baseURL, "/"),
		APIVersion:       apiVersion,
		HTTPClient:       httpClient,
		MaxResponseBytes: maxResponseBytes,
	}
}

func bearer(token string) string {
	return "Bearer " + token
}

// do sends in as JSON (when non-nil), decodes the response into out (when non-nil)
// and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path, authorization string, in, out interface{}) ([]byte, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Square-Version", c.APIVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = maxResponseBytes
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read square %s response: %w", path, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: %s returned more than %d bytes", ErrResponseTooLarge, path, limit)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Endpoint:   path,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && len(er.Errors) > 0 {
			apiErr.Code = er.Errors[0].Code
			apiErr.Detail = er.Errors[0].Detail
		}
		return raw, apiErr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode square %s response: %w", path, err)
		}
	}
	return raw, nil
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
