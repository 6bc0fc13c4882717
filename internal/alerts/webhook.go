package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/qff/internal/circuitbreaker"
	"github.com/mbd888/qff/internal/metrics"
	"github.com/mbd888/qff/internal/retry"
)

// Webhook headers. The signature is hex HMAC-SHA256 of the raw body.
const (
	HeaderSignature = "X-QFF-Signature"
	HeaderTimestamp = "X-QFF-Timestamp"
	HeaderLevel     = "X-QFF-Alert-Level"
)

const (
	webhookAttempts  = 3
	webhookBaseDelay = 200 * time.Millisecond
)

// WebhookNotifier posts Slack-compatible JSON to a URL.
type WebhookNotifier struct {
	url      string
	secret   string
	minLevel Level
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	key      string
}

// NewWebhookNotifier creates a notifier for url. secret may be empty, in
// which case requests are unsigned.
func NewWebhookNotifier(rawURL, secret string) (*WebhookNotifier, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid alert webhook url %q", rawURL)
	}
	return &WebhookNotifier{
		url:      rawURL,
		secret:   secret,
		minLevel: LevelWarning,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		key:      u.Host,
	}, nil
}

// WithMinLevel sets the least severe level that is delivered.
func (w *WebhookNotifier) WithMinLevel(l Level) *WebhookNotifier {
	w.minLevel = l
	return w
}

// WithHTTPClient replaces the HTTP client.
func (w *WebhookNotifier) WithHTTPClient(c *http.Client) *WebhookNotifier {
	w.client = c
	return w
}

// WithBreaker replaces the circuit breaker.
func (w *WebhookNotifier) WithBreaker(b *circuitbreaker.Breaker) *WebhookNotifier {
	w.breaker = b
	return w
}

func (w *WebhookNotifier) Name() string { return "webhook" }

type webhookPayload struct {
	Text  string `json:"text"`
	Alert *Alert `json:"alert"`
}

// Notify delivers alert, retrying transient failures. Alerts below the
// configured level are dropped.
func (w *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	if alert.Level.Rank() < w.minLevel.Rank() {
		metrics.AlertDeliveriesTotal.WithLabelValues("filtered").Inc()
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		Text:  fmt.Sprintf("[%s] %s: %s", alert.Level, alert.Title, alert.Message),
		Alert: alert,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	err = w.breaker.Do(w.key, func() error {
		return retry.Do(ctx, webhookAttempts, webhookBaseDelay, func() error {
			return w.post(ctx, alert, body)
		})
	})
	switch {
	case err == nil:
		metrics.AlertDeliveriesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AlertDeliveriesTotal.WithLabelValues("circuit_open").Inc()
	default:
		metrics.AlertDeliveriesTotal.WithLabelValues("error").Inc()
	}
	return err
}

func (w *WebhookNotifier) post(ctx context.Context, alert *Alert, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderLevel, string(alert.Level))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(alert.CreatedAt.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("alert webhook status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
