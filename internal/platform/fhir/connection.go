package fhir

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Connection string scheme and defaults.
const (
	ConnectionScheme = "fhir://"
	DefaultTimeout   = 30 * time.Second
	DefaultScope     = "system/*.read system/*.write"
)

// AuthConfig holds the validated configuration for one FHIR source. A config
// is built from a connection string, an environment prefix, or direct fields,
// and is treated as immutable afterwards.
type AuthConfig struct {
	BaseURL   string
	Timeout   time.Duration
	VerifyTLS bool

	ClientID         string
	ClientSecret     string
	ClientSecretPath string
	TokenURL         string
	Scope            string
	Audience         string
	UseJWTAssertion  bool
	KeyID            string
}

// RequiresAuth reports whether any auth field is set. Public endpoints carry
// only BaseURL, Timeout and VerifyTLS.
func (c AuthConfig) RequiresAuth() bool {
	return c.ClientID != "" || c.ClientSecret != "" || c.ClientSecretPath != "" ||
		c.TokenURL != "" || c.Scope != "" || c.Audience != "" || c.UseJWTAssertion || c.KeyID != ""
}

// Validate applies defaults and enforces the construction invariants:
// authenticated configs need client_id, token_url and exactly one of
// client_secret / client_secret_path; JWT assertion requires a secret path.
func (c *AuthConfig) Validate() error {
	return c.validate(c.RequiresAuth())
}

// validate enforces the invariants. authenticated is true when any auth key
// was supplied, even one whose value parses to the zero value.
func (c *AuthConfig) validate(authenticated bool) error {
	if c.BaseURL == "" {
		return NewConfigError("base_url is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	if !authenticated {
		return nil
	}

	if c.ClientID == "" {
		return NewConfigError("client_id is required for authenticated endpoints")
	}
	if c.TokenURL == "" {
		return NewConfigError("token_url is required for authenticated endpoints")
	}
	hasSecret := c.ClientSecret != ""
	hasPath := c.ClientSecretPath != ""
	if hasSecret == hasPath {
		return NewConfigError("exactly one of client_secret or client_secret_path must be set")
	}
	if c.UseJWTAssertion && !hasPath {
		return NewConfigError("use_jwt_assertion requires client_secret_path, not client_secret")
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	return nil
}

// authKeys is the set of query/env keys that mark a connection as
// authenticated.
var authKeys = map[string]bool{
	"client_id":          true,
	"client_secret":      true,
	"client_secret_path": true,
	"token_url":          true,
	"scope":              true,
	"audience":           true,
	"use_jwt_assertion":  true,
	"key_id":             true,
}

// connectionKeys is every recognized connection string query key.
var connectionKeys = map[string]bool{
	"client_id":          true,
	"client_secret":      true,
	"client_secret_path": true,
	"token_url":          true,
	"scope":              true,
	"audience":           true,
	"timeout":            true,
	"verify_ssl":         true,
	"use_jwt_assertion":  true,
	"key_id":             true,
}

// ParseConnectionString parses a fhir:// connection string into a validated
// AuthConfig. Absence of all auth keys yields a public-endpoint config.
func ParseConnectionString(raw string) (AuthConfig, error) {
	return parseConnectionString(raw, zerolog.Nop())
}

func parseConnectionString(raw string, log zerolog.Logger) (AuthConfig, error) {
	if !strings.HasPrefix(raw, ConnectionScheme) {
		return AuthConfig{}, NewConfigError(fmt.Sprintf("connection string must start with %q", ConnectionScheme))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return AuthConfig{}, NewConfigError(fmt.Sprintf("invalid connection string: %v", err))
	}
	if u.Host == "" {
		return AuthConfig{}, NewConfigError("connection string has no hostname")
	}

	cfg := AuthConfig{
		BaseURL:   "https://" + u.Host + u.Path,
		Timeout:   DefaultTimeout,
		VerifyTLS: true,
	}

	q := u.Query()
	authenticated := false
	for key := range q {
		if authKeys[key] {
			authenticated = true
		}
		if !connectionKeys[key] {
			log.Debug().Str("param", key).Msg("ignoring unknown connection string parameter")
		}
	}

	cfg.ClientID = q.Get("client_id")
	cfg.ClientSecret = q.Get("client_secret")
	cfg.ClientSecretPath = q.Get("client_secret_path")
	cfg.TokenURL = q.Get("token_url")
	cfg.Scope = q.Get("scope")
	cfg.Audience = q.Get("audience")
	cfg.KeyID = q.Get("key_id")

	if v := q.Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return AuthConfig{}, NewConfigError(fmt.Sprintf("timeout must be a positive integer, got %q", v))
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if v := q.Get("verify_ssl"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return AuthConfig{}, NewConfigError(fmt.Sprintf("verify_ssl: %v", err))
		}
		cfg.VerifyTLS = b
	}
	if v := q.Get("use_jwt_assertion"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return AuthConfig{}, NewConfigError(fmt.Sprintf("use_jwt_assertion: %v", err))
		}
		cfg.UseJWTAssertion = b
	}

	if err := cfg.validate(authenticated); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

// ConnectionString serializes the config back to a fhir:// URI. Defaulted
// fields are omitted so strings stay stable; the result re-parses to an
// equivalent config.
func (c AuthConfig) ConnectionString() string {
	netloc := strings.TrimPrefix(strings.TrimPrefix(c.BaseURL, "https://"), "http://")

	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("client_id", c.ClientID)
	set("client_secret", c.ClientSecret)
	set("client_secret_path", c.ClientSecretPath)
	set("token_url", c.TokenURL)
	if c.Scope != DefaultScope {
		set("scope", c.Scope)
	}
	set("audience", c.Audience)
	set("key_id", c.KeyID)
	if c.Timeout > 0 && c.Timeout != DefaultTimeout {
		q.Set("timeout", strconv.Itoa(int(c.Timeout/time.Second)))
	}
	if !c.VerifyTLS {
		q.Set("verify_ssl", "false")
	}
	if c.UseJWTAssertion {
		q.Set("use_jwt_assertion", "true")
	}

	s := ConnectionScheme + netloc
	if encoded := q.Encode(); encoded != "" {
		s += "?" + encoded
	}
	return s
}

// parseBool accepts case-insensitive "true"/"false" only.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("expected true or false, got %q", v)
}

// envSuffixes are the recognized per-source environment variable suffixes.
var envSuffixes = []string{
	"CLIENT_ID", "CLIENT_SECRET", "CLIENT_SECRET_PATH", "TOKEN_URL",
	"BASE_URL", "SCOPE", "AUDIENCE", "TIMEOUT", "VERIFY_SSL",
	"USE_JWT_ASSERTION", "KEY_ID",
}

// LoadAuthConfigFromEnv builds an AuthConfig from <PREFIX>_* environment
// variables. BASE_URL is always required; when any auth variable is present,
// CLIENT_ID and TOKEN_URL become required as well.
func LoadAuthConfigFromEnv(prefix string) (AuthConfig, error) {
	if prefix == "" {
		return AuthConfig{}, NewConfigError("environment prefix is required")
	}

	v := viper.New()
	for _, suffix := range envSuffixes {
		v.BindEnv(suffix, prefix+"_"+suffix)
	}

	// Any auth variable, even a zero-valued one, forces authenticated
	// validation. Mirrors authKeys for connection strings.
	authenticated := false
	for _, suffix := range []string{
		"CLIENT_ID", "CLIENT_SECRET", "CLIENT_SECRET_PATH", "TOKEN_URL",
		"SCOPE", "AUDIENCE", "USE_JWT_ASSERTION", "KEY_ID",
	} {
		if v.GetString(suffix) != "" {
			authenticated = true
		}
	}

	baseURL := v.GetString("BASE_URL")
	if baseURL == "" {
		return AuthConfig{}, NewConfigError(fmt.Sprintf("%s_BASE_URL is required", prefix))
	}

	cfg := AuthConfig{
		BaseURL:          baseURL,
		Timeout:          DefaultTimeout,
		VerifyTLS:        true,
		ClientID:         v.GetString("CLIENT_ID"),
		ClientSecret:     v.GetString("CLIENT_SECRET"),
		ClientSecretPath: v.GetString("CLIENT_SECRET_PATH"),
		TokenURL:         v.GetString("TOKEN_URL"),
		Scope:            v.GetString("SCOPE"),
		Audience:         v.GetString("AUDIENCE"),
		KeyID:            v.GetString("KEY_ID"),
	}
	if raw := v.GetString("TIMEOUT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return AuthConfig{}, NewConfigError(fmt.Sprintf("%s_TIMEOUT must be a positive integer, got %q", prefix, raw))
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if raw := v.GetString("VERIFY_SSL"); raw != "" {
		b, err := parseBool(raw)
		if err != nil {
			return AuthConfig{}, NewConfigError(fmt.Sprintf("%s_VERIFY_SSL: %v", prefix, err))
		}
		cfg.VerifyTLS = b
	}
	if raw := v.GetString("USE_JWT_ASSERTION"); raw != "" {
		b, err := parseBool(raw)
		if err != nil {
			return AuthConfig{}, NewConfigError(fmt.Sprintf("%s_USE_JWT_ASSERTION: %v", prefix, err))
		}
		cfg.UseJWTAssertion = b
	}

	if err := cfg.validate(authenticated); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}
