// Package httpclient is the HTTP transport used by the coordinator and the
// stream manager. It performs unary JSON exchanges, long-lived SSE reads and
// resumable uploads. It deliberately carries no retry policy and no error
// classification beyond transport failures: non-2xx responses are returned
// untouched for the caller to interpret.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

type Client struct {
	client    *http.Client
	userAgent string
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithConnectTimeout bounds connection establishment (dial + TLS).
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: d,
			}).DialContext,
			TLSHandshakeTimeout: d,
			Proxy:               http.ProxyFromEnvironment,
		}
		c.client.Transport = transport
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:    &http.Client{},
		userAgent: "gemcall-go",
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// HTTPClient exposes the underlying http.Client so other transports (the
// WebSocket dialer) can share its dial and proxy settings.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Response is a raw HTTP exchange result. Body is fully read and the
// connection released before Response is returned.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DoJSON performs a unary JSON request. body may be nil for GET/DELETE.
// Per-attempt deadlines come from ctx; the client itself never retries.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers http.Header, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, headers)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func (c *Client) setHeaders(req *http.Request, headers http.Header) {
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
