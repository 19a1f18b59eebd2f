package fhir

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// TokenSource supplies bearer tokens for authenticated sources. The token
// manager in internal/platform/auth is the production implementation.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate()
}

// Client is a typed CRUD surface over a single FHIR server.
type Client struct {
	cfg        AuthConfig
	httpClient *http.Client
	tokens     TokenSource
	validator  Validator
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTokenSource binds a token source. Required when the config requires
// auth; ignored for public endpoints.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithClientLogger sets the client logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithValidator overrides the default structural validator.
func WithValidator(v Validator) ClientOption {
	return func(c *Client) { c.validator = v }
}

// WithHTTPClient overrides the underlying HTTP client, typically to share a
// pooled transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client bound to one AuthConfig. Connection limits are
// applied to the transport; authenticated configs must be given a token
// source via WithTokenSource (the pool factory does this).
func NewClient(cfg AuthConfig, limits ConnectionLimits, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		validator: StructuralValidator{},
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		transport := &http.Transport{
			MaxConnsPerHost:     limits.MaxConnections,
			MaxIdleConns:        limits.MaxKeepalive,
			MaxIdleConnsPerHost: limits.MaxKeepalive,
			IdleConnTimeout:     limits.KeepaliveExpiry,
		}
		if !cfg.VerifyTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		c.httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}
	if cfg.RequiresAuth() && c.tokens == nil {
		return nil, NewConfigError("authenticated config requires a token source")
	}
	return c, nil
}

// Config returns the client's bound AuthConfig.
func (c *Client) Config() AuthConfig { return c.cfg }

// Close releases idle pooled connections.
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok && t != nil {
		t.CloseIdleConnections()
	}
}

// Capabilities fetches the server CapabilityStatement from {base}/metadata.
func (c *Client) Capabilities(ctx context.Context) (*CapabilityStatement, error) {
	var cs CapabilityStatement
	if err := c.do(ctx, http.MethodGet, c.url("metadata"), nil, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Read fetches a single resource by type and id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (Resource, error) {
	var r Resource
	if err := c.do(ctx, http.MethodGet, c.url(resourceType, id), nil, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Search queries a resource type. Parameters with nil values are omitted;
// everything else is stringified and percent-encoded.
func (c *Client) Search(ctx context.Context, resourceType string, params map[string]interface{}) (*Bundle, error) {
	target := c.url(resourceType)
	if qs := encodeParams(params); qs != "" {
		target += "?" + qs
	}
	var b Bundle
	if err := c.do(ctx, http.MethodGet, target, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Create POSTs a new resource and returns the server's copy (with id).
func (c *Client) Create(ctx context.Context, resource Resource) (Resource, error) {
	if err := c.validator.Validate(resource); err != nil {
		return nil, err
	}
	var out Resource
	if err := c.do(ctx, http.MethodPost, c.url(resource.ResourceType()), resource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update PUTs a resource with an id.
func (c *Client) Update(ctx context.Context, resource Resource) (Resource, error) {
	if err := c.validator.Validate(resource); err != nil {
		return nil, err
	}
	if resource.ID() == "" {
		return nil, NewValidationError("update requires a resource id", nil)
	}
	var out Resource
	if err := c.do(ctx, http.MethodPut, c.url(resource.ResourceType(), resource.ID()), resource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a resource. Only 200 and 204 count as success; any other
// status, 2xx included, goes through the error mapping.
func (c *Client) Delete(ctx context.Context, resourceType, id string) (bool, error) {
	status, err := c.doStatus(ctx, http.MethodDelete, c.url(resourceType, id), nil, nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return false, httpErrorFromResponse(status, nil)
	}
	return true, nil
}

// Transaction POSTs a transaction bundle to the server root.
func (c *Client) Transaction(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	var out Bundle
	if err := c.do(ctx, http.MethodPost, c.base()+"/", bundle, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// base returns the base URL without a trailing slash, tolerating configs
// that carry one.
func (c *Client) base() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

// url joins the base URL and path segments with single slashes.
func (c *Client) url(segments ...string) string {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, c.base())
	for _, s := range segments {
		parts = append(parts, strings.Trim(s, "/"))
	}
	return strings.Join(parts, "/")
}

// do issues one HTTP request with the FHIR header contract, decoding a 2xx
// JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, target string, body, out interface{}) error {
	_, err := c.doStatus(ctx, method, target, body, out)
	return err
}

// doStatus is do with the response status exposed, for callers that accept
// only specific 2xx codes.
func (c *Client) doStatus(ctx context.Context, method, target string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Content-Type", "application/fhir+json")

	if c.cfg.RequiresAuth() {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.log.Debug().Str("method", method).Str("url", target).Msg("fhir request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, NewConnectionFailure(fmt.Sprintf("%s %s", method, target), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, NewConnectionFailure("reading response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, httpErrorFromResponse(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, &ConnectionError{
			Kind:    KindInvalidJSONResponse,
			State:   StateUnknown,
			Message: fmt.Sprintf("response from %s is not valid JSON", target),
			Err:     err,
		}
	}
	return resp.StatusCode, nil
}

// httpErrorFromResponse builds an HTTPError, extracting OperationOutcome
// diagnostics when the body carries one.
func httpErrorFromResponse(status int, body []byte) *HTTPError {
	he := &HTTPError{StatusCode: status, Body: snippet(body, 200)}
	var outcome OperationOutcome
	if err := json.Unmarshal(body, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" {
		he.Diagnostics = outcome.FirstDiagnostics()
	}
	return he
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// encodeParams stringifies and percent-encodes search parameters, omitting
// nil values.
func encodeParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range params {
		if v == nil {
			continue
		}
		q.Set(k, fmt.Sprint(v))
	}
	return q.Encode()
}
