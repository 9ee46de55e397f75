package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const DefaultPushoverEndpoint = "https://api.pushover.net/1/messages.json"

type PushoverConfig struct {
	AppToken string
	UserKey  string
	Priority int
	Endpoint string
}

// Pushover posts form-encoded messages to the Pushover messages API.
type Pushover struct {
	cfg    PushoverConfig
	client *http.Client
}

func NewPushover(cfg PushoverConfig, client *http.Client) (*Pushover, error) {
	cfg.AppToken = strings.TrimSpace(cfg.AppToken)
	cfg.UserKey = strings.TrimSpace(cfg.UserKey)
	if cfg.AppToken == "" || cfg.UserKey == "" {
		return nil, errors.New("pushover: app token and user key are required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultPushoverEndpoint
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Pushover{cfg: cfg, client: client}, nil
}

func (p *Pushover) Name() string { return ChannelPushover }

func (p *Pushover) Describe() string {
	return fmt.Sprintf("token=%s user=%s", mask(p.cfg.AppToken), mask(p.cfg.UserKey))
}

// Send succeeds only on HTTP 200 with {"status":1}.
func (p *Pushover) Send(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("token", p.cfg.AppToken)
	form.Set("user", p.cfg.UserKey)
	form.Set("title", msg.Title)
	form.Set("message", msg.Body)
	if p.cfg.Priority != 0 {
		form.Set("priority", strconv.Itoa(p.cfg.Priority))
	}

	code, body, err := post(ctx, p.client, p.cfg.Endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()), nil)
	if err != nil {
		return fmt.Errorf("pushover: %w", err)
	}
	if code != http.StatusOK {
		return statusError(ChannelPushover, code, body)
	}
	if gjson.GetBytes(body, "status").Int() != 1 {
		reason := gjson.GetBytes(body, "errors").String()
		if reason == "" {
			reason = snippet(body)
		}
		return Permanent(fmt.Errorf("pushover: rejected: %s", reason))
	}
	return nil
}
