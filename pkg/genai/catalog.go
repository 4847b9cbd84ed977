package genai

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gemcall/gemcall/pkg/api"
)

// ListModelsOptions pages through the model catalog.
type ListModelsOptions struct {
	PageSize  int
	PageToken string
}

// ListModels returns one page of the model catalog.
func (c *Client) ListModels(ctx context.Context, page ListModelsOptions, opts ...RequestOption) (*api.ListModelsResponse, error) {
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	target := c.resourceURL(p, "models")
	query := url.Values{}
	if page.PageSize > 0 {
		query.Set("pageSize", strconv.Itoa(page.PageSize))
	}
	if page.PageToken != "" {
		query.Set("pageToken", page.PageToken)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	resp, res, err := c.doUnary(ctx, p, http.MethodGet, target, nil, 0)
	if err != nil {
		return nil, err
	}
	defer c.commit(res, nil)

	var out api.ListModelsResponse
	if err := decodeResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetModel fetches one catalog entry. name accepts "gemini-2.0-flash" or
// "models/gemini-2.0-flash".
func (c *Client) GetModel(ctx context.Context, name string, opts ...RequestOption) (*api.Model, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Msg: "model name is required"}
	}
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	bare := strings.TrimPrefix(name, "models/")
	resp, res, err := c.doUnary(ctx, p, http.MethodGet, c.resourceURL(p, "models/"+bare), nil, 0)
	if err != nil {
		return nil, err
	}
	defer c.commit(res, nil)

	var out api.Model
	if err := decodeResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
