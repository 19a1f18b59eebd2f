package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookDispatcher POSTs each event to a single HTTP endpoint with an
// HMAC-SHA256 signature header.
type WebhookDispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	log        zerolog.Logger
}

// WebhookOption configures a WebhookDispatcher.
type WebhookOption func(*WebhookDispatcher)

// WithWebhookHTTPClient overrides the delivery HTTP client.
func WithWebhookHTTPClient(hc *http.Client) WebhookOption {
	return func(d *WebhookDispatcher) { d.httpClient = hc }
}

// WithWebhookLogger sets the dispatcher logger.
func WithWebhookLogger(log zerolog.Logger) WebhookOption {
	return func(d *WebhookDispatcher) { d.log = log }
}

// NewWebhookDispatcher creates a dispatcher delivering to rawURL, signing
// payloads with secret.
func NewWebhookDispatcher(rawURL, secret string, opts ...WebhookOption) (*WebhookDispatcher, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	d := &WebhookDispatcher{
		url:        rawURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (d *WebhookDispatcher) Emit(ctx context.Context, ev OperationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, d.secret))
	req.Header.Set("X-Webhook-Timestamp", ev.Timestamp.UTC().Format(time.RFC3339))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.log.Warn().Err(err).Str("event_id", ev.ID).Msg("webhook delivery failed")
		return err
	}
	defer resp.Body.Close()
	// Drain at most 1KB so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		d.log.Warn().Err(err).Str("event_id", ev.ID).Msg("webhook delivery rejected")
		return err
	}
	return nil
}
