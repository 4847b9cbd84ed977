package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSE scanner buffer sizing: model responses routinely carry multi-hundred-KB
// inline data parts on a single event line.
const (
	sseInitialBufSize = 64 * 1024
	sseMaxBufSize     = 1024 * 1024
)

// ChunkFunc receives one decoded SSE data frame. Returning an error stops
// the read loop and DoSSE returns that error.
type ChunkFunc func(json.RawMessage) error

// SSEResult describes how an SSE exchange ended.
type SSEResult struct {
	// Chunks is the number of data frames delivered to the callback.
	Chunks int
}

// DoSSE issues the request and feeds each `data: <json>` frame to onChunk in
// receipt order. Lines that are not data frames (comments, event names,
// blank keep-alives) are ignored per the SSE grammar. A clean server close
// returns a nil error.
//
// Non-2xx responses are returned as a *Response via the error value
// (*StatusError) with the body intact, mirroring DoJSON's no-classification
// contract.
func (c *Client) DoSSE(ctx context.Context, method, url string, headers http.Header, body any, onChunk ChunkFunc) (*SSEResult, error) {
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
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Response: &Response{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       respBody,
		}}
	}

	result := &SSEResult{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, sseInitialBufSize), sseMaxBufSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return result, classifyTransportError(ctx.Err())
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		frame := json.RawMessage(data)
		if !json.Valid(frame) {
			// Skip malformed frames rather than killing a live stream.
			continue
		}

		result.Chunks++
		if err := onChunk(frame); err != nil {
			return result, err
		}
	}

	if err := scanner.Err(); err != nil {
		return result, classifyTransportError(err)
	}
	return result, nil
}

// StatusError carries a non-2xx SSE handshake response. The body is the
// server's error payload, untouched.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Response.StatusCode)
}
