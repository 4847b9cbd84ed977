// Package genai is the coordinator: the public entry point that wires
// auth, rate limiting, transports and parsing into one request surface for
// both provider backends.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gemcall/gemcall/pkg/auth"
	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/httpclient"
	"github.com/gemcall/gemcall/pkg/logger"
	"github.com/gemcall/gemcall/pkg/models"
	"github.com/gemcall/gemcall/pkg/observability"
	"github.com/gemcall/gemcall/pkg/ratelimit"
	"github.com/gemcall/gemcall/pkg/stream"
)

// Client coordinates requests. Construct one per process and share it; the
// limiter and token cache inside are meant to be process-wide.
type Client struct {
	cfg     *config.Config
	mux     *auth.Mux
	http    *httpclient.Client
	limiter *ratelimit.Limiter
	streams *stream.Manager
	models  *models.Registry
	obs     *observability.Manager
	log     *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter

	// endpointOverride short-circuits the auth-derived base URL; tests
	// point it at a local server.
	endpointOverride   string
	wsEndpointOverride string
}

type Option func(*Client)

// WithAuthMux replaces the credential resolver.
func WithAuthMux(mux *auth.Mux) Option {
	return func(c *Client) { c.mux = mux }
}

// WithHTTPClient replaces the HTTP transport.
func WithHTTPClient(client *httpclient.Client) Option {
	return func(c *Client) { c.http = client }
}

// WithLimiter shares an existing limiter between clients.
func WithLimiter(limiter *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

// WithModelRegistry replaces the model default/alias registry.
func WithModelRegistry(registry *models.Registry) Option {
	return func(c *Client) { c.models = registry }
}

// WithObservability installs an otel seam.
func WithObservability(obs *observability.Manager) Option {
	return func(c *Client) { c.obs = obs }
}

// WithEndpoint overrides the REST base URL for every strategy.
func WithEndpoint(baseURL string) Option {
	return func(c *Client) { c.endpointOverride = strings.TrimSuffix(baseURL, "/") }
}

// WithWSEndpoint overrides the Live WebSocket base URL.
func WithWSEndpoint(baseURL string) Option {
	return func(c *Client) { c.wsEndpointOverride = strings.TrimSuffix(baseURL, "/") }
}

// New builds a client from cfg. A nil cfg loads configuration from the
// environment.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.FromEnv()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		models: models.NewRegistry(),
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.mux == nil {
		c.mux = auth.NewMux(cfg.Auth)
	}
	if c.http == nil {
		c.http = httpclient.New(httpclient.WithConnectTimeout(cfg.HTTP.ConnectTimeout))
	}
	if c.obs == nil {
		// Falls back to the global providers, noop unless the host installed
		// real ones.
		c.obs, _ = observability.NewManager(nil)
	}
	c.tracer = c.obs.Tracer()
	c.requests, _ = c.obs.Meter().Int64Counter(observability.MetricRequests)
	if c.limiter == nil {
		c.limiter = ratelimit.New(cfg.RateLimit, ratelimit.WithMeter(c.obs.Meter()))
	}
	if c.streams == nil {
		c.streams = stream.NewManager(cfg.Streaming, c.http, c.limiter)
	}
	return c, nil
}

// Limiter exposes the shared limiter, mainly for callers that want to
// monitor or share it across clients.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Streams exposes the SSE stream manager for subscription management.
func (c *Client) Streams() *stream.Manager {
	return c.streams
}

// plan is the resolved per-request state: strategy, credentials, concrete
// model and limiter key.
type plan struct {
	strategy auth.Strategy
	grant    *auth.Grant
	model    string
	key      string
	opts     RequestOptions
}

func (c *Client) plan(ctx context.Context, opts RequestOptions) (*plan, error) {
	strategy := opts.Auth
	if strategy == "" {
		detected, err := c.mux.DetectStrategy()
		if err != nil {
			return nil, err
		}
		strategy = detected
	}

	grant, err := c.mux.Resolve(ctx, strategy)
	if err != nil {
		return nil, err
	}

	model := strings.TrimPrefix(c.models.Resolve(opts.Model, string(strategy)), "models/")
	key := opts.ConcurrencyKey
	if key == "" {
		key = model
	}

	return &plan{
		strategy: strategy,
		grant:    grant,
		model:    model,
		key:      key,
		opts:     opts,
	}, nil
}

func (c *Client) baseURL(p *plan) string {
	if c.endpointOverride != "" {
		return c.endpointOverride
	}
	return p.grant.BaseURL
}

// modelURL builds the REST URL for a model-scoped operation.
func (c *Client) modelURL(p *plan, op string) string {
	if p.strategy == auth.StrategyVertexAI {
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
			c.baseURL(p), p.grant.ProjectID, p.grant.Location, p.model, op)
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL(p), p.model, op)
}

// resourceURL builds the REST URL for a non-model resource path such as
// "models", "files" or "operations/...".
func (c *Client) resourceURL(p *plan, path string) string {
	if p.strategy == auth.StrategyVertexAI {
		return fmt.Sprintf("%s/v1/projects/%s/locations/%s/%s",
			c.baseURL(p), p.grant.ProjectID, p.grant.Location, path)
	}
	return fmt.Sprintf("%s/v1beta/%s", c.baseURL(p), path)
}

// reserve claims a permit and tokens for the request, honoring the
// non-blocking and deadline options. A nil reservation with nil error means
// the limiter is disabled for this request.
func (c *Client) reserve(ctx context.Context, p *plan, tokens int) (*ratelimit.Reservation, error) {
	if p.opts.DisableRateLimiter || c.cfg.RateLimit.Disabled {
		return nil, nil
	}

	var deadline time.Time
	if p.opts.PermitTimeout > 0 {
		deadline = time.Now().Add(p.opts.PermitTimeout)
	}
	if p.opts.MaxBudgetWait > 0 {
		budgetDeadline := time.Now().Add(p.opts.MaxBudgetWait)
		if deadline.IsZero() || budgetDeadline.Before(deadline) {
			deadline = budgetDeadline
		}
	}

	return c.limiter.TryReserve(ctx, ratelimit.Request{
		Key:            p.key,
		Tokens:         tokens,
		NonBlocking:    p.opts.NonBlocking,
		Deadline:       deadline,
		MaxConcurrency: p.opts.MaxConcurrencyPerModel,
		BudgetTotal:    p.opts.TokenBudgetPerWindow,
	})
}

// doUnary runs one rate-limited, retried JSON exchange and returns the raw
// success response together with the live reservation the caller must
// commit with actual usage. Each exchange is one request span.
func (c *Client) doUnary(ctx context.Context, p *plan, method, url string, body any, estTokens int) (*httpclient.Response, *ratelimit.Reservation, error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanRequest, trace.WithAttributes(
		attribute.String(observability.AttrModel, p.model),
		attribute.String(observability.AttrAuthStrategy, string(p.strategy)),
		attribute.Int(observability.AttrTokensEstimated, estTokens),
	))
	defer span.End()
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String(observability.AttrModel, p.model),
		))
	}

	res, err := c.reserve(ctx, p, estTokens)
	if err != nil {
		recordSpanError(span, err)
		return nil, nil, err
	}

	resp, err := c.doWithRetry(ctx, p, method, url, body)
	if err != nil {
		if res != nil {
			c.limiter.Cancel(res.ID)
		}
		recordSpanError(span, err)
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int(observability.AttrStatusCode, resp.StatusCode))
	return resp, res, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(observability.AttrErrorType, fmt.Sprintf("%T", err)))
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		span.SetAttributes(attribute.Int(observability.AttrStatusCode, apiErr.StatusCode))
	}
}

// commit reconciles the reservation with the response's actual usage.
func (c *Client) commit(res *ratelimit.Reservation, usage *UsageTotals) {
	if res == nil {
		return
	}
	actual := 0
	if usage != nil {
		actual = usage.Total
	}
	c.limiter.Commit(res.ID, actual)
}

// UsageTotals is the token accounting extracted from usage metadata.
type UsageTotals struct {
	Total  int
	Cached int
}

// doWithRetry is the coordinator's retry loop: 429 honors the server's
// RetryInfo through the limiter; 5xx and transport failures use
// exponential backoff with jitter; other 4xx fail immediately. A 401
// invalidates the cached token once before the next attempt.
func (c *Client) doWithRetry(ctx context.Context, p *plan, method, url string, body any) (*httpclient.Response, error) {
	maxRetries := p.opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.HTTP.MaxRetries
	}
	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.HTTP.Timeout
	}
	maxBackoff := p.opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = c.cfg.HTTP.MaxBackoff
	}

	invalidatedAuth := false
	var lastErr error

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := c.http.DoJSON(attemptCtx, method, url, p.grant.Headers, body)
		cancel()

		switch {
		case err != nil:
			var transportErr *httpclient.TransportError
			if !errors.As(err, &transportErr) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err

		case resp.IsSuccess():
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			apiErr := httpclient.ParseAPIError(resp)
			delay, _ := apiErr.RetryDelay()
			retryAt := c.limiter.RecordError(ctx, p.key, delay)
			metric, id := apiErr.QuotaInfo()
			rateErr := &RateLimitedError{RetryAt: retryAt, QuotaMetric: metric, QuotaID: id}
			if attempt > maxRetries || p.opts.NonBlocking {
				return nil, rateErr
			}
			if err := sleepUntil(ctx, retryAt); err != nil {
				return nil, rateErr
			}
			lastErr = rateErr
			continue

		case resp.StatusCode == http.StatusUnauthorized && !invalidatedAuth:
			// Token may have been revoked server-side; refresh once.
			invalidatedAuth = true
			c.mux.Invalidate(p.strategy)
			grant, err := c.mux.Resolve(ctx, p.strategy)
			if err != nil {
				return nil, err
			}
			p.grant = grant
			lastErr = httpclient.ParseAPIError(resp)
			continue

		case resp.StatusCode >= 500:
			lastErr = httpclient.ParseAPIError(resp)

		default:
			return nil, httpclient.ParseAPIError(resp)
		}

		if attempt > maxRetries {
			break
		}
		if err := c.backoff(ctx, attempt, maxBackoff); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) backoff(ctx context.Context, attempt int, maxBackoff time.Duration) error {
	delay := backoffDelay(c.cfg.HTTP.BaseBackoff, maxBackoff, attempt, c.cfg.HTTP.JitterFactor)
	c.log.Debug("retrying request", "attempt", attempt, "delay", delay)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
