package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token  string
	ChatID int64
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL string
}

// Telegram sends plain-text messages through the Bot API.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
	token  string
}

func NewTelegram(cfg TelegramConfig, client *http.Client) (*Telegram, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is required")
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	// Offline skips the getMe round-trip; this bot never polls for updates.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, chatID: cfg.ChatID, token: token}, nil
}

func (t *Telegram) Name() string { return ChannelTelegram }

func (t *Telegram) Describe() string {
	return "chat=" + strconv.FormatInt(t.chatID, 10) + " token=" + mask(t.token)
}

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	// telebot has no per-call context; bail out early instead.
	if err := ctx.Err(); err != nil {
		return err
	}
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n" + msg.Body
	}
	_, err := t.bot.Send(tele.ChatID(t.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != 429 {
		return Permanent(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}
