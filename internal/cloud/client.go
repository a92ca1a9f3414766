package cloud

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

// Defaults for the request layer.
const (
	// DefaultBaseURL is the Device Cloud login host.
	DefaultBaseURL = "https://login.etherios.com"

	// defaultTimeout bounds a single HTTP attempt.
	defaultTimeout = 30 * time.Second

	// defaultRetryDelay is the pause between failed attempts.
	defaultRetryDelay = time.Second

	// maxErrorBody caps how much of a failed response is kept in HTTPError.
	maxErrorBody = 4096
)

// Credentials are the Device Cloud account credentials. They are sent as
// HTTP Basic auth to the web services and inside the push handshake.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no username was given.
func (c Credentials) Empty() bool {
	return c.Username == ""
}

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "https://login.etherios.com".
	// Default: DefaultBaseURL.
	BaseURL string

	// Credentials authenticate every request.
	Credentials Credentials

	// Timeout bounds a single HTTP attempt. Default: 30 seconds.
	Timeout time.Duration

	// Retries is the number of extra attempts after a failed one.
	Retries int

	// RetryDelay is the pause between attempts. Default: 1 second.
	RetryDelay time.Duration

	// HTTPClient overrides the transport (tests, proxies).
	HTTPClient *http.Client
}

// Response is a successful HTTP response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues authenticated requests against the Device Cloud web
// services.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	base       *url.URL
	creds      Credentials
	retries    int
	retryDelay time.Duration
	http       *http.Client
}

// New creates a Client.
//
// Parameters:
//   - cfg: Client configuration; zero values select defaults
//
// Returns:
//   - *Client: Ready-to-use client
//   - error: ErrInvalidConfig if the base URL cannot be parsed
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("%w: retries must not be negative", ErrInvalidConfig)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", ErrInvalidConfig, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url scheme %q (use http or https)", ErrInvalidConfig, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: base url has no host", ErrInvalidConfig)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		base:       base,
		creds:      cfg.Credentials,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		http:       hc,
	}, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Credentials returns the account credentials the client authenticates with.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// PushHost returns the host name of the push server, which is the login
// host of the base URL.
func (c *Client) PushHost() string {
	return c.base.Hostname()
}

// Ping fetches a single device record to check the credentials and base URL.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Get(ctx, "/ws/DeviceCore", url.Values{"size": {"1"}})
	return err
}

// HasValidCredentials reports whether a Ping succeeds.
func (c *Client) HasValidCredentials(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, params, nil, nil)
}

// GetJSON issues a GET request with Accept: application/json and decodes the
// body into v.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, v any) error {
	header := http.Header{"Accept": {"application/json"}}
	resp, err := c.Do(ctx, http.MethodGet, path, params, nil, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrInvalidResponse, path, err)
	}
	return nil
}

// Post issues a POST request with the given body. An empty contentType
// defaults to text/xml, the encoding the /ws resources accept.
func (c *Client) Post(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body, contentHeader(contentType))
}

// Put issues a PUT request with the given body.
func (c *Client) Put(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, nil, body, contentHeader(contentType))
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Do issues one request, retrying up to the configured number of extra
// attempts while the status is not 200, 201, 202 or 204. Transport errors
// are retried the same way.
//
// Returns:
//   - *Response: the successful response
//   - error: *HTTPError (wrapping ErrRequestFailed) after the final attempt,
//     or the context error if ctx ends while waiting between attempts
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body []byte, header http.Header) (*Response, error) {
	target := c.makeURL(path, params)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, target, ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}

		resp, err := c.attempt(ctx, method, target, body, header)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, header http.Header) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrRequestFailed, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if !c.creds.Empty() {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: read body: %w", ErrRequestFailed, method, target, err)
	}

	if !successful(resp.StatusCode) {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &HTTPError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) makeURL(path string, params url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

func successful(code int) bool {
	switch code {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return true
	default:
		return false
	}
}

func contentHeader(contentType string) http.Header {
	if contentType == "" {
		contentType = "text/xml"
	}
	return http.Header{"Content-Type": {contentType}}
}
