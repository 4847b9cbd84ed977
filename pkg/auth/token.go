package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// serviceAccountKey is the relevant subset of a Google service-account JSON
// key file.
type serviceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// fetchToken walks the credential acquisition order and returns the first
// source that yields an access token: explicit key file, inline JSON blob,
// the application-default-credentials file, then the metadata server.
func (m *Mux) fetchToken(ctx context.Context) (*cachedToken, error) {
	if m.cfg.KeyFilePath != "" {
		data, err := os.ReadFile(m.cfg.KeyFilePath)
		if err != nil {
			return nil, &Error{Source: "key_file", Err: err}
		}
		return m.tokenFromJSON(ctx, data, "key_file")
	}

	if m.cfg.JSONContent != "" {
		return m.tokenFromJSON(ctx, []byte(m.cfg.JSONContent), "json_blob")
	}

	if path := adcFilePath(); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return m.tokenFromJSON(ctx, data, "adc")
		}
	}

	return m.tokenFromMetadataServer(ctx)
}

func (m *Mux) tokenFromJSON(ctx context.Context, data []byte, source string) (*cachedToken, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("failed to parse credential JSON: %w", err)}
	}

	switch key.Type {
	case "service_account":
		return m.serviceAccountToken(ctx, &key, source)
	case "authorized_user":
		return m.refreshTokenGrant(ctx, &key, source)
	default:
		return nil, &Error{Source: source, Err: fmt.Errorf("unsupported credential type %q", key.Type)}
	}
}

// serviceAccountToken signs an RS256 assertion over {iss, scope, aud, iat,
// exp} and exchanges it at the OAuth token endpoint.
func (m *Mux) serviceAccountToken(ctx context.Context, key *serviceAccountKey, source string) (*cachedToken, error) {
	signKey, err := parseRSAPrivateKey(key.PrivateKey)
	if err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("failed to parse private key: %w", err)}
	}

	tokenURL := key.TokenURI
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	now := m.now()
	assertion, err := jwt.NewBuilder().
		Issuer(key.ClientEmail).
		Audience([]string{tokenURL}).
		IssuedAt(now).
		Expiration(now.Add(tokenLifetime)).
		Claim("scope", cloudPlatformScope).
		Build()
	if err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("failed to build JWT claims: %w", err)}
	}

	signed, err := jwt.Sign(assertion, jwt.WithKey(jwa.RS256, signKey))
	if err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("failed to sign JWT: %w", err)}
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", string(signed))

	return m.exchange(ctx, tokenURL, form, source)
}

// refreshTokenGrant handles authorized_user ADC credentials.
func (m *Mux) refreshTokenGrant(ctx context.Context, key *serviceAccountKey, source string) (*cachedToken, error) {
	if key.RefreshToken == "" {
		return nil, &Error{Source: source, Err: fmt.Errorf("authorized_user credential missing refresh_token")}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", key.ClientID)
	form.Set("client_secret", key.ClientSecret)
	form.Set("refresh_token", key.RefreshToken)

	return m.exchange(ctx, defaultTokenURL, form, source)
}

func (m *Mux) exchange(ctx context.Context, tokenURL string, form url.Values, source string) (*cachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", tokenExchangeUA)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("token exchange failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("failed to read token response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Source: source, Err: fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, body)}
	}

	return m.parseTokenResponse(body, source)
}

func (m *Mux) tokenFromMetadataServer(ctx context.Context) (*cachedToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataTokenURL, nil)
	if err != nil {
		return nil, &Error{Source: "metadata", Err: err}
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Source: "metadata", Err: fmt.Errorf("metadata server unreachable: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Source: "metadata", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Source: "metadata", Err: fmt.Errorf("metadata server returned HTTP %d", resp.StatusCode)}
	}

	return m.parseTokenResponse(body, "metadata")
}

func (m *Mux) parseTokenResponse(body []byte, source string) (*cachedToken, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &Error{Source: source, Err: fmt.Errorf("token response missing access_token")}
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn == 0 {
		expiresIn = tokenLifetime
	}
	return &cachedToken{
		value:     tr.AccessToken,
		expiresAt: m.now().Add(expiresIn),
	}, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}

	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// adcFilePath returns the well-known application-default-credentials path,
// honoring GOOGLE_APPLICATION_CREDENTIALS first.
func adcFilePath() string {
	if path := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); path != "" {
		return path
	}

	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("APPDATA")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	if base == "" {
		return ""
	}
	return filepath.Join(base, "gcloud", "application_default_credentials.json")
}
