package genai

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gemcall/gemcall/pkg/api"
	"github.com/gemcall/gemcall/pkg/chat"
	"github.com/gemcall/gemcall/pkg/observability"
	"github.com/gemcall/gemcall/pkg/stream"
	"github.com/gemcall/gemcall/pkg/tools"
)

// GenerateRequest dispatches a pre-built wire request through the full
// pipeline: auth, limiter reservation, retries, commit. The orchestrator
// uses this path so its session history reaches the wire untouched.
func (c *Client) GenerateRequest(ctx context.Context, req *api.GenerateContentRequest, opts ...RequestOption) (*api.GenerateContentResponse, error) {
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	est := options.EstimatedInputTokens
	if est <= 0 {
		est = estimateTokens(req.Contents, req.SystemInstruction)
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

// GenerateRequestStream is the streaming twin of GenerateRequest. The
// returned channel follows the chat.StreamChunk contract: closed after the
// final chunk, a chunk with Err set is terminal.
func (c *Client) GenerateRequestStream(ctx context.Context, req *api.GenerateContentRequest, opts ...RequestOption) (<-chan chat.StreamChunk, error) {
	options := buildOptions(opts)
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	est := options.EstimatedInputTokens
	if est <= 0 {
		est = estimateTokens(req.Contents, req.SystemInstruction)
	}

	s, err := c.startManagedStream(ctx, p, req, est, options)
	if err != nil {
		return nil, err
	}

	sub := s.Subscribe()
	out := make(chan chat.StreamChunk)
	go func() {
		defer close(out)
		// Sends respect ctx so a consumer that walks away does not strand
		// this goroutine on the unbuffered channel.
		send := func(chunk chat.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				s.Stop()
				return false
			}
		}
		for ev := range sub.Events {
			switch ev.Type {
			case stream.EventChunk:
				var chunk api.GenerateContentResponse
				if err := decodeResponse(ev.Chunk, &chunk); err != nil {
					send(chat.StreamChunk{Err: err})
					s.Stop()
					return
				}
				if !send(chat.StreamChunk{Response: &chunk}) {
					return
				}
			case stream.EventError:
				send(chat.StreamChunk{Err: ev.Err})
				return
			case stream.EventComplete, stream.EventStopped:
				return
			}
		}
	}()
	return out, nil
}

// startManagedStream opens the SSE stream under a span that spans the
// stream's whole life.
func (c *Client) startManagedStream(ctx context.Context, p *plan, req *api.GenerateContentRequest, est int, options RequestOptions) (*stream.Stream, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanStream, trace.WithAttributes(
		attribute.String(observability.AttrModel, p.model),
		attribute.String(observability.AttrAuthStrategy, string(p.strategy)),
		attribute.Int(observability.AttrTokensEstimated, est),
	))

	s, err := c.streams.Start(ctx, stream.Descriptor{
		URL:                c.modelURL(p, "streamGenerateContent") + "?alt=sse",
		Headers:            p.grant.Headers,
		Body:               req,
		Key:                p.key,
		Tokens:             est,
		OwnerDone:          ctx.Done(),
		DisableRateLimiter: options.DisableRateLimiter || c.cfg.RateLimit.Disabled,
	})
	if err != nil {
		recordSpanError(span, err)
		span.End()
		return nil, err
	}
	go func() {
		<-s.Done()
		if err := s.Err(); err != nil {
			recordSpanError(span, err)
		}
		span.End()
	}()
	return s, nil
}

var (
	_ chat.Generator       = (*BoundModel)(nil)
	_ chat.StreamGenerator = (*BoundModel)(nil)
)

// BoundModel is a chat.Generator and chat.StreamGenerator view of the
// client with request options pre-applied.
type BoundModel struct {
	client *Client
	opts   []RequestOption
}

// Bind fixes request options (model, auth, limits) for use as a generation
// backend.
func (c *Client) Bind(opts ...RequestOption) *BoundModel {
	return &BoundModel{client: c, opts: opts}
}

func (b *BoundModel) Generate(ctx context.Context, req *api.GenerateContentRequest) (*api.GenerateContentResponse, error) {
	return b.client.GenerateRequest(ctx, req, b.opts...)
}

func (b *BoundModel) GenerateStream(ctx context.Context, req *api.GenerateContentRequest) (<-chan chat.StreamChunk, error) {
	return b.client.GenerateRequestStream(ctx, req, b.opts...)
}

// Chat builds a tool-calling orchestrator driving this client.
func (c *Client) Chat(registry *tools.Registry, chatOpts []chat.Option, opts ...RequestOption) *chat.Orchestrator {
	return chat.NewOrchestrator(c.Bind(opts...), registry, chatOpts...)
}
