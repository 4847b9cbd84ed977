// Package auth resolves credentials for the two provider backends: the
// Gemini API (API key header) and Vertex AI (OAuth2 service-account bearer
// token). It owns the process-wide token cache and guarantees at most one
// token refresh in flight per strategy.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gemcall/gemcall/pkg/config"
)

// Strategy selects the credential backend.
type Strategy string

const (
	StrategyGemini   Strategy = config.StrategyGemini
	StrategyVertexAI Strategy = config.StrategyVertexAI
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com"
	vertexBaseTemplate = "https://%s-aiplatform.googleapis.com"

	geminiLiveHost      = "generativelanguage.googleapis.com"
	vertexLiveHostTmpl  = "%s-aiplatform.googleapis.com"
	cloudPlatformScope  = "https://www.googleapis.com/auth/cloud-platform"
	defaultTokenURL     = "https://oauth2.googleapis.com/token"
	metadataTokenURL    = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
	tokenLifetime       = time.Hour
	defaultRefreshSkew  = 60 * time.Second
	tokenExchangeUA     = "gemcall-go"
	tokenRequestTimeout = 10 * time.Second
)

// Grant is the outcome of credential resolution: the headers to attach and
// the base URL the request must target.
type Grant struct {
	Headers http.Header
	BaseURL string

	// ProjectID and Location are set for the Vertex strategy and empty
	// otherwise; the coordinator substitutes them into URL templates.
	ProjectID string
	Location  string
}

// WebSocketHost returns the Live endpoint host for this grant's strategy.
func (g *Grant) WebSocketHost() string {
	if g.Location != "" {
		return fmt.Sprintf(vertexLiveHostTmpl, g.Location)
	}
	return geminiLiveHost
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func (t *cachedToken) fresh(skew time.Duration) bool {
	return t != nil && time.Until(t.expiresAt) > skew
}

// Mux multiplexes the two credential strategies behind one Resolve call.
// Safe for concurrent use; refreshes per strategy are coalesced.
type Mux struct {
	cfg        config.AuthConfig
	httpClient *http.Client

	refreshSkew time.Duration
	group       singleflight.Group

	mu     sync.RWMutex
	tokens map[Strategy]*cachedToken

	// now is swapped in tests.
	now func() time.Time
}

type Option func(*Mux)

// WithHTTPClient replaces the client used for token exchange. Tests point
// this at a fake OAuth endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Mux) {
		m.httpClient = client
	}
}

// WithRefreshSkew adjusts how long before expiry a cached token is
// considered stale.
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Mux) {
		m.refreshSkew = d
	}
}

func NewMux(cfg config.AuthConfig, opts ...Option) *Mux {
	m := &Mux{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: tokenRequestTimeout},
		refreshSkew: defaultRefreshSkew,
		tokens:      make(map[Strategy]*cachedToken),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DetectStrategy returns the strategy the configuration implies, preferring
// an explicit setting over inference from the credential fields.
func (m *Mux) DetectStrategy() (Strategy, error) {
	if m.cfg.Strategy != "" {
		return Strategy(m.cfg.Strategy), nil
	}
	if m.cfg.KeyFilePath != "" || m.cfg.JSONContent != "" || m.cfg.ProjectID != "" {
		return StrategyVertexAI, nil
	}
	if m.cfg.APIKey != "" {
		return StrategyGemini, nil
	}
	return "", &Error{Source: "config", Err: fmt.Errorf("no usable credential configured")}
}

// Resolve produces auth headers and the base URL for the given strategy.
// For Vertex AI a fresh access token is returned, refreshing (and caching)
// when the cached one is within the refresh skew of expiry.
func (m *Mux) Resolve(ctx context.Context, strategy Strategy) (*Grant, error) {
	switch strategy {
	case StrategyGemini:
		if m.cfg.APIKey == "" {
			return nil, &Error{Source: "api_key", Err: fmt.Errorf("API key not configured")}
		}
		headers := http.Header{}
		headers.Set("X-Goog-Api-Key", m.cfg.APIKey)
		return &Grant{Headers: headers, BaseURL: geminiBaseURL}, nil

	case StrategyVertexAI:
		if m.cfg.ProjectID == "" || m.cfg.Location == "" {
			return nil, &Error{Source: "oauth", Err: fmt.Errorf("vertex_ai requires project_id and location")}
		}
		token, err := m.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		headers := http.Header{}
		headers.Set("Authorization", "Bearer "+token)
		return &Grant{
			Headers:   headers,
			BaseURL:   fmt.Sprintf(vertexBaseTemplate, m.cfg.Location),
			ProjectID: m.cfg.ProjectID,
			Location:  m.cfg.Location,
		}, nil

	default:
		return nil, &Error{Source: "strategy", Err: fmt.Errorf("unknown strategy %q", strategy)}
	}
}

// Invalidate drops the cached token for a strategy. The next Resolve
// refreshes from scratch.
func (m *Mux) Invalidate(strategy Strategy) {
	m.mu.Lock()
	delete(m.tokens, strategy)
	m.mu.Unlock()
}

// APIKeyQuery returns the API key for strategies that authenticate via a
// query parameter (the Live WebSocket endpoint), or empty.
func (m *Mux) APIKeyQuery(strategy Strategy) string {
	if strategy == StrategyGemini {
		return m.cfg.APIKey
	}
	return ""
}

func (m *Mux) accessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	cached := m.tokens[StrategyVertexAI]
	m.mu.RUnlock()
	if cached.fresh(m.refreshSkew) {
		return cached.value, nil
	}

	// Coalesce concurrent refreshes into one flight per strategy.
	v, err, _ := m.group.Do(string(StrategyVertexAI), func() (any, error) {
		m.mu.RLock()
		cached := m.tokens[StrategyVertexAI]
		m.mu.RUnlock()
		if cached.fresh(m.refreshSkew) {
			return cached.value, nil
		}

		token, err := m.fetchToken(ctx)
		if err != nil {
			// One local retry before surfacing; transient exchange
			// failures are common enough on token endpoints.
			token, err = m.fetchToken(ctx)
		}
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.tokens[StrategyVertexAI] = token
		m.mu.Unlock()
		return token.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Error is the auth failure surface: no credential usable, token exchange
// failed, or JWT signing failed.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
