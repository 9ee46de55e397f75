package notifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SignatureHeader carries "sha256=<hex hmac of the body>" when a secret is set.
const SignatureHeader = "X-Chapterwatch-Signature"

type WebhookConfig struct {
	URL    string
	Secret string
}

// Webhook posts the message as JSON to an arbitrary endpoint.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	now    func() time.Time
}

func NewWebhook(cfg WebhookConfig, client *http.Client) (*Webhook, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	pu, err := url.Parse(cfg.URL)
	if err != nil || pu.Host == "" || (pu.Scheme != "http" && pu.Scheme != "https") {
		return nil, fmt.Errorf("webhook: invalid url %q", cfg.URL)
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Webhook{cfg: cfg, client: client, now: time.Now}, nil
}

func (w *Webhook) Name() string { return ChannelWebhook }

func (w *Webhook) Describe() string {
	pu, err := url.Parse(w.cfg.URL)
	if err != nil {
		return mask(w.cfg.URL)
	}
	s := pu.Scheme + "://" + pu.Host
	if w.cfg.Secret != "" {
		s += " (signed)"
	}
	return s
}

type webhookPayload struct {
	Message
	SentAt time.Time `json:"sent_at"`
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(webhookPayload{Message: msg, SentAt: w.now().UTC()})
	if err != nil {
		return Permanent(fmt.Errorf("webhook: encode: %w", err))
	}
	var h http.Header
	if w.cfg.Secret != "" {
		h = http.Header{}
		h.Set(SignatureHeader, Sign(w.cfg.Secret, b))
	}
	code, body, err := post(ctx, w.client, w.cfg.URL, "application/json", b, h)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if code < 200 || code > 299 {
		return statusError(ChannelWebhook, code, body)
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return "sha256=" + hex.EncodeToString(m.Sum(nil))
}
