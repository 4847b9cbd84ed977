package genai

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gemcall/gemcall/pkg/auth"
	"github.com/gemcall/gemcall/pkg/live"
	"github.com/gemcall/gemcall/pkg/models"
	"github.com/gemcall/gemcall/pkg/observability"
	"github.com/gemcall/gemcall/pkg/wsclient"
)

const (
	geminiBidiMethod = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	vertexBidiMethod = "google.cloud.aiplatform.v1beta1.LlmBidiService.BidiGenerateContent"
)

// Live opens a bidirectional session. With no model option the live
// alias/default applies. The session's Model is expanded to the full
// resource name the endpoint expects.
func (c *Client) Live(ctx context.Context, cfg live.Config, opts ...RequestOption) (*live.Session, error) {
	options := buildOptions(opts)
	if options.Model == "" {
		options.Model = cfg.Model
	}
	if options.Model == "" {
		options.Model = models.AliasLive
	}
	p, err := c.plan(ctx, options)
	if err != nil {
		return nil, err
	}

	cfg.Model = c.liveModelName(p)
	target, err := c.liveURL(p)
	if err != nil {
		return nil, err
	}

	dialOpts := []wsclient.DialOption{}
	if hc := c.http.HTTPClient(); hc != nil {
		dialOpts = append(dialOpts, wsclient.WithDialHTTPClient(hc))
	}

	ctx, span := c.tracer.Start(ctx, observability.SpanLiveSession, trace.WithAttributes(
		attribute.String(observability.AttrModel, p.model),
		attribute.String(observability.AttrAuthStrategy, string(p.strategy)),
	))
	session, err := live.Open(ctx, target, p.grant.Headers, cfg, dialOpts...)
	if err != nil {
		recordSpanError(span, err)
		span.End()
		return nil, err
	}
	go func() {
		<-session.Done()
		span.End()
	}()
	return session, nil
}

func (c *Client) liveModelName(p *plan) string {
	if p.strategy == auth.StrategyVertexAI {
		return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
			p.grant.ProjectID, p.grant.Location, p.model)
	}
	return "models/" + p.model
}

// liveURL builds the WebSocket endpoint. Gemini authenticates with the API
// key in the query string; Vertex rides on the bearer header the grant
// already carries.
func (c *Client) liveURL(p *plan) (string, error) {
	base := c.wsEndpointOverride
	if base == "" {
		base = "wss://" + p.grant.WebSocketHost()
	}

	method := geminiBidiMethod
	if p.strategy == auth.StrategyVertexAI {
		method = vertexBidiMethod
	}
	target := base + "/ws/" + method

	if key := c.mux.APIKeyQuery(p.strategy); key != "" {
		query := url.Values{"key": {key}}
		target += "?" + query.Encode()
	}
	return target, nil
}
