// Package backend holds the plumbing shared by the feed backend adapters:
// the incremental fetch cursor, a typed HTTP error, a small JSON client, and
// a retry helper with exponential backoff.
//
// The adapters themselves live in the nextcloud, miniflux, and standalone
// subpackages. Each satisfies the sync package's Backend interface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserAgent is sent with every outgoing request.
const UserAgent = "feedsync/1.0"

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 4 << 10

// Since is the cursor for an incremental fetch. Updated is the newest entry
// timestamp in the local cache; LastSync is the time of the last successful
// entry fetch and is used when the cache is empty.
type Since struct {
	Updated  time.Time
	LastSync time.Time
}

// Time returns the effective cursor: Updated when set, LastSync otherwise.
func (s Since) Time() time.Time {
	if !s.Updated.IsZero() {
		return s.Updated
	}
	return s.LastSync
}

// HTTPError is returned when a backend answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned %s", e.Status)
}

// Temporary reports whether repeating the request may succeed. Client errors
// other than 408 and 429 are permanent.
func (e *HTTPError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// CheckResponse returns an [*HTTPError] for non-2xx responses. The body is
// consumed but not closed.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     status,
		Message:    errorMessage(body),
	}
}

// errorMessage extracts a human-readable message from an error body. Both
// supported servers answer with {"message": ...} or {"error_message": ...}.
func errorMessage(body []byte) string {
	var payload struct {
		Message      string `json:"message"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.ErrorMessage != "" {
			return payload.ErrorMessage
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns an [*http.Client] with the given overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Client issues JSON requests against a REST API rooted at BaseURL.
type Client struct {
	BaseURL string
	HTTP    HTTPClient

	// Authorize decorates every request with credentials. May be nil.
	Authorize func(req *http.Request)
}

// Do sends a request with in encoded as the JSON body (when non-nil) and
// decodes a JSON response into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := CheckResponse(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
