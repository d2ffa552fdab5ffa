// Package mmmclient is the JSON-over-HTTP transport to the mmm-server.
//
// Paths passed to Get, Post and Put are resolved against the configured base
// URL. Absolute paths ("/rigs.json") replace any path in the base URL, which
// matches how the server hands out resource URLs.
package mmmclient

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
	"time"
)

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// ErrDecode marks a response body that did not match the expected shape.
var ErrDecode = errors.New("unexpected response payload")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// HTTPClient defines the http.Client subset required by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string // basic auth, used when non-empty
	Password string
	Timeout  time.Duration
	HTTP     HTTPClient // overrides the default http.Client
}

// Client performs JSON requests against the mmm-server.
type Client struct {
	base     *url.URL
	username string
	password string
	http     HTTPClient
}

// New constructs a Client. The base URL must be absolute.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server url %q must be absolute", opts.BaseURL)
	}

	httpClient := opts.HTTP
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:     base,
		username: opts.Username,
		password: opts.Password,
		http:     httpClient,
	}, nil
}

// BaseURL returns the server URL for human-facing messages.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Get fetches path and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON to path and decodes the response into out.
// out may be nil when the response is not needed.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Put sends body as JSON to path and decodes the response into out.
// out may be nil when the response is not needed.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

// resolve turns a server path into an absolute URL.
func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("path %q must not carry its own scheme and host", path)
	}
	if !strings.HasPrefix(ref.Path, "/") {
		return c.base.JoinPath(ref.Path).String(), nil
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	endpoint, err := c.resolve(path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrDecode, err)
	}
	return nil
}

// PathOf extracts the path component of a URL returned by the server,
// ignoring scheme, host, query and fragment.
func PathOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid url %q: %v", ErrDecode, rawURL, err)
	}
	return u.Path, nil
}
