package genai

import (
	"context"
	"net/http"
	"strings"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/auth"
	"github.com/gemcall/gemcall/pkg/httpclient"
)

// UploadOptions names and types an upload; MIMEType falls back to magic-byte
// sniffing.
type UploadOptions struct {
	DisplayName string
	MIMEType    string
}

// UploadFile pushes raw bytes through the resumable upload protocol and
// returns the stored file's metadata. Uploads are a Gemini-API surface; the
// Vertex backend stores media in GCS instead, so the Gemini strategy is
// forced here.
func (c *Client) UploadFile(ctx context.Context, data []byte, upload UploadOptions, opts ...RequestOption) (*api.File, error) {
	if len(data) == 0 {
		return nil, &ValidationError{Field: "data", Msg: "no bytes to upload"}
	}
	options := buildOptions(opts)
	options.Auth = auth.StrategyGemini
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	mimeType := upload.MIMEType
	if mimeType == "" {
		mimeType = detectMediaType(data)
	}

	metadata := map[string]any{}
	if upload.DisplayName != "" {
		metadata["file"] = map[string]any{"displayName": upload.DisplayName}
	}

	url := c.baseURL(p) + "/upload/v1beta/files"
	resp, err := c.http.DoUpload(ctx, url, p.grant.Headers, &httpclient.UploadRequest{
		Metadata: metadata,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, httpclient.ParseAPIError(resp)
	}

	var out struct {
		File api.File `json:"file"`
	}
	if err := decodeResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out.File, nil
}

// GetFile fetches upload metadata, most usefully its processing State.
func (c *Client) GetFile(ctx context.Context, name string, opts ...RequestOption) (*api.File, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Msg: "file name is required"}
	}
	options := buildOptions(opts)
	options.Auth = auth.StrategyGemini
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	bare := strings.TrimPrefix(name, "files/")
	resp, res, err := c.doUnary(ctx, p, http.MethodGet, c.resourceURL(p, "files/"+bare), nil, 0)
	if err != nil {
		return nil, err
	}
	defer c.commit(res, nil)

	var out api.File
	if err := decodeResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFile removes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, name string, opts ...RequestOption) error {
	if name == "" {
		return &ValidationError{Field: "name", Msg: "file name is required"}
	}
	options := buildOptions(opts)
	options.Auth = auth.StrategyGemini
	p, err := c.plan(ctx, options)
	if err != nil {
		return err
	}

	bare := strings.TrimPrefix(name, "files/")
	resp, res, err := c.doUnary(ctx, p, http.MethodDelete, c.resourceURL(p, "files/"+bare), nil, 0)
	if err != nil {
		return err
	}
	c.commit(res, nil)
	if !resp.IsSuccess() {
		return httpclient.ParseAPIError(resp)
	}
	return nil
}
