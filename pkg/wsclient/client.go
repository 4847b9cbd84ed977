// Package wsclient is the WebSocket transport: dial, framed send/receive,
// close. It is deliberately opaque to message semantics; the Live protocol
// lives a layer up.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Live server messages carry base64 audio and can run well past the
// library's default read limit.
const defaultReadLimit = 16 * 1024 * 1024

// FrameType distinguishes text from binary frames.
type FrameType int

const (
	FrameText   FrameType = FrameType(websocket.MessageText)
	FrameBinary FrameType = FrameType(websocket.MessageBinary)
)

// Frame is one received WebSocket message.
type Frame struct {
	Type FrameType
	Data []byte
}

// CloseError reports the peer's close frame. Receive returns it once the
// connection is closed; Code is -1 when the transport died without one.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("websocket closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("websocket closed: %v", e.Err)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// Conn wraps one WebSocket connection. Safe for one concurrent reader and
// one concurrent writer, which is all the session layer uses.
type Conn struct {
	ws *websocket.Conn
}

type dialConfig struct {
	httpClient   *http.Client
	readLimit    int64
	subprotocols []string
}

type DialOption func(*dialConfig)

// WithDialHTTPClient swaps the client used for the opening handshake. Tests
// point this at an httptest server.
func WithDialHTTPClient(client *http.Client) DialOption {
	return func(c *dialConfig) {
		c.httpClient = client
	}
}

// WithReadLimit bounds the size of a single inbound frame.
func WithReadLimit(n int64) DialOption {
	return func(c *dialConfig) {
		c.readLimit = n
	}
}

// WithSubprotocols advertises subprotocols during the handshake.
func WithSubprotocols(protocols ...string) DialOption {
	return func(c *dialConfig) {
		c.subprotocols = protocols
	}
}

// Dial opens a WebSocket connection to url with the given headers.
func Dial(ctx context.Context, url string, headers http.Header, opts ...DialOption) (*Conn, error) {
	cfg := dialConfig{readLimit: defaultReadLimit}
	for _, opt := range opts {
		opt(&cfg)
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   cfg.httpClient,
		HTTPHeader:   headers,
		Subprotocols: cfg.subprotocols,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(cfg.readLimit)
	return &Conn{ws: ws}, nil
}

// SendText writes one text frame.
func (c *Conn) SendText(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// SendBinary writes one binary frame.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// Receive blocks for the next inbound frame. Once the peer closes (or the
// transport fails) every subsequent call returns a *CloseError carrying the
// close code and reason when one was received.
func (c *Conn) Receive(ctx context.Context) (*Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		closeErr := &CloseError{Code: -1, Err: err}
		if status := websocket.CloseStatus(err); status != -1 {
			closeErr.Code = int(status)
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				closeErr.Reason = ce.Reason
			}
		}
		return nil, closeErr
	}
	return &Frame{Type: FrameType(typ), Data: data}, nil
}

// Ping sends a ping and waits for the pong within the timeout.
func (c *Conn) Ping(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.ws.Ping(pingCtx)
}

// Close sends a close frame with the given code and reason.
func (c *Conn) Close(code int, reason string) error {
	return c.ws.Close(websocket.StatusCode(code), reason)
}

