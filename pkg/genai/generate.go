package genai

import (
	"context"
	"net/http"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/chat"
	"github.com/gemcall/gemcall/pkg/models"
	"github.com/gemcall/gemcall/pkg/stream"
)

// Generate runs a unary generateContent call. contents accepts the flexible
// union documented on NormalizeContents.
func (c *Client) Generate(ctx context.Context, contents any, opts ...RequestOption) (*api.GenerateContentResponse, error) {
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	req, est, err := c.buildRequest(contents, &options)
	if err != nil {
		return nil, err
	}

	resp, res, err := c.doUnary(ctx, p, http.MethodPost, c.modelURL(p, "generateContent"), req, est)
	if err != nil {
		return nil, err
	}

	var out api.GenerateContentResponse
	if err := decodeResponse(resp.Body, &out); err != nil {
		c.commit(res, nil)
		return nil, err
	}
	c.commit(res, usageTotals(out.UsageMetadata))
	return &out, nil
}

// StreamChunk is one delivery from a streamed generation: a decoded chunk
// or a terminal error, never both.
type StreamChunk = chat.StreamChunk

// GenerateStream runs streamGenerateContent and returns a channel of decoded
// chunks. The channel closes after the final chunk or a terminal error. The
// stream worker holds the rate-limit permit for the stream's whole life and
// stops if ctx is canceled.
func (c *Client) GenerateStream(ctx context.Context, contents any, opts ...RequestOption) (<-chan StreamChunk, error) {
	options := buildOptions(opts)
	req, est, err := c.buildRequest(contents, &options)
	if err != nil {
		return nil, err
	}
	if options.EstimatedInputTokens <= 0 {
		opts = append(opts, WithEstimatedTokens(est, 0))
	}
	return c.GenerateRequestStream(ctx, req, opts...)
}

// StartStream opens a managed stream and returns its handle without
// subscribing. Callers use the handle (or the manager, by id) to attach any
// number of subscribers; late subscribers replay the buffered chunks.
func (c *Client) StartStream(ctx context.Context, contents any, opts ...RequestOption) (*stream.Stream, error) {
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	req, est, err := c.buildRequest(contents, &options)
	if err != nil {
		return nil, err
	}

	return c.startManagedStream(ctx, p, req, est, options)
}

// CountTokens asks the server for the exact token count of contents.
func (c *Client) CountTokens(ctx context.Context, contents any, opts ...RequestOption) (*api.CountTokensResponse, error) {
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	normalized, err := NormalizeContents(contents)
	if err != nil {
		return nil, err
	}
	req := &api.CountTokensRequest{Contents: normalized}

	resp, res, err := c.doUnary(ctx, p, http.MethodPost, c.modelURL(p, "countTokens"), req, 0)
	if err != nil {
		return nil, err
	}
	defer c.commit(res, nil)

	var out api.CountTokensResponse
	if err := decodeResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmbedContent embeds one content and returns its vector. With no model
// option the embedding alias/default applies, not the chat default.
func (c *Client) EmbedContent(ctx context.Context, content any, opts ...RequestOption) (*api.EmbedContentResponse, error) {
	options := buildOptions(opts)
	if options.Model == "" {
		options.Model = models.AliasEmbedding
	}
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	normalized, err := NormalizeContents(content)
	if err != nil {
		return nil, err
	}
	if len(normalized) != 1 {
		return nil, &ValidationError{Field: "content", Msg: "embedding takes exactly one content"}
	}
	req := &api.EmbedContentRequest{
		Model:   "models/" + p.model,
		Content: &normalized[0],
	}

	resp, res, err := c.doUnary(ctx, p, http.MethodPost, c.modelURL(p, "embedContent"), req, estimateTokens(normalized, nil))
	if err != nil {
		return nil, err
	}
	defer c.commit(res, nil)

	var out api.EmbedContentResponse
	if err := decodeResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// buildRequest normalizes inputs into the wire request and produces the
// token estimate used for the limiter reservation.
func (c *Client) buildRequest(contents any, options *RequestOptions) (*api.GenerateContentRequest, int, error) {
	normalized, err := NormalizeContents(contents)
	if err != nil {
		return nil, 0, err
	}
	system, err := normalizeSystemInstruction(options.SystemInstruction)
	if err != nil {
		return nil, 0, err
	}

	req := &api.GenerateContentRequest{
		Contents:          normalized,
		SystemInstruction: system,
		Tools:             options.Tools,
		GenerationConfig:  options.GenerationConfig,
		SafetySettings:    options.SafetySettings,
		CachedContent:     options.CachedContent,
	}

	if options.ResponseMIMEType != "" || options.ResponseSchema != nil {
		if req.GenerationConfig == nil {
			req.GenerationConfig = &api.GenerationConfig{}
		}
		if options.ResponseMIMEType != "" {
			req.GenerationConfig.ResponseMIMEType = options.ResponseMIMEType
		} else if req.GenerationConfig.ResponseMIMEType == "" {
			req.GenerationConfig.ResponseMIMEType = "application/json"
		}
		if options.ResponseSchema != nil {
			req.GenerationConfig.ResponseSchema = options.ResponseSchema
		}
	}

	est := options.EstimatedInputTokens
	if est <= 0 {
		est = estimateTokens(normalized, system)
	}
	// Cached prompt tokens are billed at the cache rate, not against the
	// live window.
	est -= options.EstimatedCachedTokens
	if est < 0 {
		est = 0
	}
	return req, est, nil
}

// usageTotals extracts limiter accounting from usage metadata.
func usageTotals(usage *api.UsageMetadata) *UsageTotals {
	if usage == nil {
		return nil
	}
	total := usage.TotalTokenCount
	if total == 0 {
		total = usage.PromptTokenCount + usage.CandidatesTokenCount + usage.ThoughtsTokenCount
	}
	total -= usage.CachedContentTokens
	if total < 0 {
		total = 0
	}
	return &UsageTotals{Total: total, Cached: usage.CachedContentTokens}
}
