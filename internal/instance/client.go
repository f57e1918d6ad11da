// pattern: Imperative Shell
package instance

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/registry"
)

// Client is a thin HTTP client for a running tmuxdeck server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client targeting the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Snapshot fetches the merged container list.
func (c *Client) Snapshot() (registry.Snapshot, error) {
	var snap registry.Snapshot
	body, err := c.get("/api/containers")
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return snap, fault.Wrap(fault.Internal, err, "decode container list")
	}
	return snap, nil
}

// Capture snapshots a pane. window < 0 means the session's active
// window; withAnsi keeps escape sequences.
func (c *Client) Capture(sessionID string, window int, withAnsi bool) (string, error) {
	q := url.Values{}
	if window >= 0 {
		q.Set("window", strconv.Itoa(window))
	}
	if withAnsi {
		q.Set("ansi", "1")
	}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/capture"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.get(path)
	if err != nil {
		return "", err
	}
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fault.Wrap(fault.Internal, err, "decode capture")
	}
	return out.Content, nil
}

// get performs a GET and classifies failures so callers can map them to
// exit codes.
func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, fault.Wrap(fault.SourceUnavailable, err, "connect to server")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "read response")
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	msg := extractErrorMessage(body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, fault.New(fault.Unauthorized, "%s", msg)
	case http.StatusNotFound:
		return nil, fault.New(fault.TargetMissing, "%s", msg)
	case http.StatusServiceUnavailable:
		return nil, fault.New(fault.SourceUnavailable, "%s", msg)
	case http.StatusBadRequest:
		return nil, fault.New(fault.InvalidArgument, "%s", msg)
	default:
		return nil, fault.New(fault.Internal, "server returned status %d: %s", resp.StatusCode, msg)
	}
}

// extractErrorMessage pulls the "error" field out of a JSON error body,
// falling back to the raw text.
func extractErrorMessage(body []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return string(body)
}
