package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const discordColor = 0x5865F2

type DiscordConfig struct {
	WebhookURL string
}

// Discord posts an embed to a Discord webhook.
type Discord struct {
	url    string
	client *http.Client
}

func NewDiscord(cfg DiscordConfig, client *http.Client) (*Discord, error) {
	u := strings.TrimSpace(cfg.WebhookURL)
	if u == "" {
		return nil, errors.New("discord: webhook url is required")
	}
	if pu, err := url.Parse(u); err != nil || pu.Host == "" {
		return nil, errors.New("discord: invalid webhook url")
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Discord{url: u, client: client}, nil
}

func (d *Discord) Name() string { return ChannelDiscord }

// Describe shows the webhook host with the path token masked.
func (d *Discord) Describe() string {
	pu, err := url.Parse(d.url)
	if err != nil {
		return mask(d.url)
	}
	return pu.Scheme + "://" + pu.Host + "/" + mask(pu.Path)
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

func (d *Discord) Send(ctx context.Context, msg Message) error {
	payload := struct {
		Embeds []discordEmbed `json:"embeds"`
	}{Embeds: []discordEmbed{{Title: msg.Title, Description: msg.Body, Color: discordColor}}}

	b, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("discord: encode: %w", err))
	}
	code, body, err := post(ctx, d.client, d.url, "application/json", b, nil)
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	if code != http.StatusOK && code != http.StatusNoContent {
		return statusError(ChannelDiscord, code, body)
	}
	return nil
}
