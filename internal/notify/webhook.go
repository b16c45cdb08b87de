// ABOUTME: Outbound completion callback delivery: optional HMAC signing, response body discard.
// ABOUTME: Send is a pure function; the http.Client is injected (constructed once at startup).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderTimestamp carries the unix time the signature was computed at.
	HeaderTimestamp = "X-Batchq-Timestamp"
	// HeaderSignature carries "sha256=" + hex HMAC of "timestamp.body".
	HeaderSignature = "X-Batchq-Signature"
)

// WebhookConfig holds the delivery-time view of one callback.
type WebhookConfig struct {
	URL           string
	SigningSecret string // empty disables signing
}

// DeliveryError describes a failed callback POST. StatusCode is zero when
// no response was received.
type DeliveryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("callback POST %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("callback POST %s: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Send posts payload to the callback URL and discards the response body.
// The caller constructs client once at startup (safeurl-wrapped, redirect-disabled).
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{URL: cfg.URL, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	if cfg.SigningSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(cfg.SigningSecret, ts, payload))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced architecturally by the safeurl-wrapped client injected at startup
	if err != nil {
		return &DeliveryError{URL: cfg.URL, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant for io.Discard writes

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{URL: cfg.URL, StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the signature header value for payload sent at timestamp ts.
func Sign(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Webhook delivers completion callbacks over HTTP. It satisfies engine.Notifier.
type Webhook struct {
	client *http.Client
	secret string
}

// NewWebhook returns a Webhook that posts with client and signs with secret.
func NewWebhook(client *http.Client, secret string) *Webhook {
	return &Webhook{client: client, secret: secret}
}

// Notify posts payload to url.
func (w *Webhook) Notify(ctx context.Context, url string, payload []byte) error {
	return Send(ctx, w.client, WebhookConfig{URL: url, SigningSecret: w.secret}, payload)
}
