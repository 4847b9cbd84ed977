package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// UploadRequest describes a resumable upload: a JSON metadata part followed
// by the raw bytes.
type UploadRequest struct {
	Metadata any
	MimeType string
	Data     []byte
}

// DoUpload performs the resumable upload protocol: a start request that
// announces content type and length, then a single upload-and-finalize PUT
// of the payload to the session URL the server handed back.
func (c *Client) DoUpload(ctx context.Context, url string, headers http.Header, upload *UploadRequest) (*Response, error) {
	metadataBody, err := json.Marshal(upload.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload metadata: %w", err)
	}

	startReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(metadataBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload start request: %w", err)
	}
	c.setHeaders(startReq, headers)
	startReq.Header.Set("Content-Type", "application/json")
	startReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	startReq.Header.Set("X-Goog-Upload-Command", "start")
	startReq.Header.Set("X-Upload-Content-Type", upload.MimeType)
	startReq.Header.Set("X-Upload-Content-Length", strconv.Itoa(len(upload.Data)))

	startResp, err := c.client.Do(startReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	startBody, _ := io.ReadAll(startResp.Body)
	startResp.Body.Close()

	if startResp.StatusCode < 200 || startResp.StatusCode >= 300 {
		return &Response{
			StatusCode: startResp.StatusCode,
			Headers:    startResp.Header,
			Body:       startBody,
		}, nil
	}

	sessionURL := startResp.Header.Get("X-Goog-Upload-URL")
	if sessionURL == "" {
		return nil, fmt.Errorf("upload start response missing X-Goog-Upload-URL header")
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(upload.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	c.setHeaders(putReq, headers)
	putReq.Header.Set("Content-Type", upload.MimeType)
	putReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	putReq.Header.Set("X-Goog-Upload-Offset", "0")

	putResp, err := c.client.Do(putReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer putResp.Body.Close()

	putBody, err := io.ReadAll(putResp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	return &Response{
		StatusCode: putResp.StatusCode,
		Headers:    putResp.Header,
		Body:       putBody,
	}, nil
}
