// Package auth implements the OAuth2 client-credentials token lifecycle for
// outbound FHIR connections, including the SMART Backend Services JWT
// client-assertion flavor (RFC 7523).
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
)

// DefaultRefreshBuffer is how long before expiry a cached token is treated
// as stale.
const DefaultRefreshBuffer = 5 * time.Minute

// assertionLifetime bounds the exp claim of signed client assertions, per
// SMART Backend Services.
const assertionLifetime = 5 * time.Minute

const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenInfo is a cached bearer token.
type TokenInfo struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"-"`
}

// Expired reports whether the token will be stale within buffer.
func (t *TokenInfo) Expired(buffer time.Duration) bool {
	return !time.Now().Add(buffer).Before(t.ExpiresAt)
}

// OAuth2TokenManager acquires and refreshes bearer tokens for one source.
// It is safe for concurrent use: the cache is guarded by a mutex, so at most
// one refresh is in flight and every waiter observes the refreshed token.
type OAuth2TokenManager struct {
	cfg           fhir.AuthConfig
	httpClient    *http.Client
	refreshBuffer time.Duration
	log           zerolog.Logger
	now           func() time.Time

	mu    sync.Mutex
	token *TokenInfo
}

// TokenManagerOption configures an OAuth2TokenManager.
type TokenManagerOption func(*OAuth2TokenManager)

// WithRefreshBuffer overrides the staleness buffer.
func WithRefreshBuffer(d time.Duration) TokenManagerOption {
	return func(m *OAuth2TokenManager) { m.refreshBuffer = d }
}

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) TokenManagerOption {
	return func(m *OAuth2TokenManager) { m.httpClient = hc }
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) TokenManagerOption {
	return func(m *OAuth2TokenManager) { m.log = log }
}

// NewOAuth2TokenManager creates a token manager for an authenticated config.
func NewOAuth2TokenManager(cfg fhir.AuthConfig, opts ...TokenManagerOption) (*OAuth2TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.RequiresAuth() {
		return nil, fhir.NewConfigError("token manager requires an authenticated config")
	}

	m := &OAuth2TokenManager{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		refreshBuffer: DefaultRefreshBuffer,
		log:           zerolog.Nop(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// AccessToken returns a valid bearer token, refreshing when the cached one
// is absent or stale. Concurrent callers during a refresh block until the
// single in-flight refresh completes and then share its result.
func (m *OAuth2TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil && !m.token.Expired(m.refreshBuffer) {
		return m.token.AccessToken, nil
	}

	token, err := m.refresh(ctx)
	if err != nil {
		// A failed refresh leaves any prior token untouched.
		return "", err
	}
	m.token = token
	return token.AccessToken, nil
}

// Invalidate drops the cached token, forcing the next call to refresh.
func (m *OAuth2TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
}

// refresh performs one token-endpoint POST. Callers hold m.mu.
func (m *OAuth2TokenManager) refresh(ctx context.Context) (*TokenInfo, error) {
	form, err := m.buildForm()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fhir.NewAuthenticationError("building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	m.log.Debug().Str("token_url", m.cfg.TokenURL).Str("client_id", m.cfg.ClientID).Msg("refreshing access token")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &fhir.ConnectionError{
			Kind:    fhir.KindAuthRefreshFailed,
			State:   fhir.StateUnknown,
			Message: fmt.Sprintf("token request to %s failed", m.cfg.TokenURL),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fhir.NewAuthenticationError("reading token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &fhir.ConnectionError{
			Kind:    fhir.KindAuthRefreshFailed,
			State:   fmt.Sprintf("%d", resp.StatusCode),
			Message: fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, snippet(body, 200)),
		}
	}

	var token TokenInfo
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fhir.NewAuthenticationError("token response is not valid JSON", err)
	}
	if token.AccessToken == "" {
		return nil, fhir.NewAuthenticationError("token response has no access_token", nil)
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	token.ExpiresAt = m.now().Add(time.Duration(token.ExpiresIn) * time.Second)

	m.log.Debug().Int("expires_in", token.ExpiresIn).Msg("access token refreshed")
	return &token, nil
}

// buildForm composes the client-credentials request body, using a signed JWT
// assertion when the config asks for one.
func (m *OAuth2TokenManager) buildForm() (url.Values, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	if m.cfg.UseJWTAssertion {
		assertion, err := m.signAssertion()
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", jwtBearerAssertionType)
		form.Set("client_assertion", assertion)
	} else {
		form.Set("client_id", m.cfg.ClientID)
		form.Set("client_secret", m.cfg.ClientSecret)
	}

	if m.cfg.Scope != "" {
		form.Set("scope", m.cfg.Scope)
	}
	if m.cfg.Audience != "" {
		form.Set("audience", m.cfg.Audience)
	}
	return form, nil
}

// signAssertion signs an RS384 client assertion with the private key at
// client_secret_path. Claims follow SMART Backend Services: iss == sub ==
// client_id, aud == token endpoint, unique jti, exp bounded at five minutes.
func (m *OAuth2TokenManager) signAssertion() (string, error) {
	pem, err := os.ReadFile(m.cfg.ClientSecretPath)
	if err != nil {
		return "", &fhir.ConnectionError{
			Kind:    fhir.KindKeyLoadFailed,
			State:   fhir.StateUnknown,
			Message: fmt.Sprintf("reading private key from %s", m.cfg.ClientSecretPath),
			Err:     err,
		}
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return "", &fhir.ConnectionError{
			Kind:    fhir.KindKeyLoadFailed,
			State:   fhir.StateUnknown,
			Message: fmt.Sprintf("parsing private key from %s", m.cfg.ClientSecretPath),
			Err:     err,
		}
	}

	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, jwt.MapClaims{
		"iss": m.cfg.ClientID,
		"sub": m.cfg.ClientID,
		"aud": m.cfg.TokenURL,
		"jti": uuid.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	})
	if m.cfg.KeyID != "" {
		token.Header["kid"] = m.cfg.KeyID
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fhir.NewAuthenticationError("signing client assertion", err)
	}
	return signed, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// ClientFactory returns a fhir.ClientFactory that wires a token manager for
// authenticated configs and builds plain clients for public endpoints.
func ClientFactory(log zerolog.Logger) fhir.ClientFactory {
	return func(cfg fhir.AuthConfig, limits fhir.ConnectionLimits) (*fhir.Client, error) {
		opts := []fhir.ClientOption{fhir.WithClientLogger(log)}
		if cfg.RequiresAuth() {
			tm, err := NewOAuth2TokenManager(cfg, WithLogger(log))
			if err != nil {
				return nil, err
			}
			opts = append(opts, fhir.WithTokenSource(tm))
		}
		return fhir.NewClient(cfg, limits, opts...)
	}
}
