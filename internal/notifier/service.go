package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chapterwatch/internal/eventbus"
	"chapterwatch/internal/storage"
	logx "chapterwatch/pkg/logx"
)

// ChannelsConfig selects the channels to build; a nil entry is disabled.
type ChannelsConfig struct {
	Pushover *PushoverConfig
	Discord  *DiscordConfig
	Webhook  *WebhookConfig
	Telegram *TelegramConfig
}

// BuildSenders constructs the enabled channels in dispatch order. Channels
// that fail to build are left out and reported in the joined error.
func BuildSenders(cc ChannelsConfig, client *http.Client) ([]Sender, error) {
	var (
		out  []Sender
		errs []error
	)
	add := func(s Sender, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		out = append(out, s)
	}
	if cc.Pushover != nil {
		add(NewPushover(*cc.Pushover, client))
	}
	if cc.Discord != nil {
		add(NewDiscord(*cc.Discord, client))
	}
	if cc.Webhook != nil {
		add(NewWebhook(*cc.Webhook, client))
	}
	if cc.Telegram != nil {
		add(NewTelegram(*cc.Telegram, client))
	}
	return out, errors.Join(errs...)
}

// NotificationEvent is published on the bus for every channel attempt.
type NotificationEvent struct {
	Channel  string       `json:"channel"`
	Kind     storage.Kind `json:"kind"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error,omitempty"`
}

// Service dispatches messages to the configured senders.
type Service struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
	senders []Sender

	log     logx.Logger
	bus     eventbus.Bus
	history storage.History

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the dispatcher. history may be nil, in which case SendTest
// does not record anything.
func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, history storage.History) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{log: log, bus: bus, history: history, sleep: sleepCtx}
	s.applyLocked(cfg, senders)
	return s
}

// Apply swaps retry settings and channels. In-flight sends keep the old
// senders.
func (s *Service) Apply(cfg Config, senders []Sender) {
	s.mu.Lock()
	s.applyLocked(cfg, senders)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config, senders []Sender) {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	s.cfg = cfg
	s.senders = slices.Clone(senders)
	// Burst equals the rate so a digest to every channel doesn't stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
}

func (s *Service) snapshot() (Config, *rate.Limiter, []Sender) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.limiter, s.senders
}

// Channels returns the names of the configured channels.
func (s *Service) Channels() []string {
	_, _, senders := s.snapshot()
	out := make([]string, 0, len(senders))
	for _, snd := range senders {
		out = append(out, snd.Name())
	}
	return out
}

// Dispatch sends msg to every configured channel that allow accepts (nil
// allows all). Channels are tried sequentially, each with its own retry
// budget. The result holds one outcome per configured channel.
func (s *Service) Dispatch(ctx context.Context, msg Message, allow func(channel string) bool) []storage.ChannelOutcome {
	cfg, lim, senders := s.snapshot()
	out := make([]storage.ChannelOutcome, 0, len(senders))
	for _, snd := range senders {
		name := snd.Name()
		if allow != nil && !allow(name) {
			out = append(out, storage.ChannelOutcome{Channel: name, Result: storage.ResultSkipped})
			continue
		}
		out = append(out, s.deliver(ctx, cfg, lim, snd, msg))
	}
	return out
}

func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, snd Sender, msg Message) storage.ChannelOutcome {
	name := snd.Name()
	attempts, err := s.sendWithRetry(ctx, cfg, lim, snd, msg)
	oc := storage.ChannelOutcome{Channel: name, Attempts: attempts}
	ev := NotificationEvent{Channel: name, Kind: msg.Kind, Attempts: attempts}
	if err != nil {
		oc.Result = storage.ResultFailed
		oc.Error = err.Error()
		ev.Error = oc.Error
		s.log.Warn("notification failed", logx.String("channel", name), logx.String("kind", string(msg.Kind)), logx.Int("attempts", attempts), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: ev})
		return oc
	}
	oc.Result = storage.ResultSent
	s.log.Info("notification sent", logx.String("channel", name), logx.String("kind", string(msg.Kind)), logx.Int("attempts", attempts))
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: ev})
	return oc
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, snd Sender, msg Message) (int, error) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := snd.Send(sctx, msg)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if IsPermanent(err) || attempt == maxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		d := retryDelay(cfg, attempt)
		s.log.Debug("notification retry", logx.String("channel", snd.Name()), logx.Int("attempt", attempt), logx.Duration("delay", d), logx.Err(err))
		if serr := s.sleep(ctx, d); serr != nil {
			return attempt, err
		}
	}
	return maxAttempts, lastErr
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7-1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendTest delivers a test message on one channel, bypassing policy, and
// records a test entry in the history.
func (s *Service) SendTest(ctx context.Context, channel string) (storage.NotificationRecord, error) {
	if !slices.Contains(KnownChannels, channel) {
		return storage.NotificationRecord{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	cfg, lim, senders := s.snapshot()
	idx := slices.IndexFunc(senders, func(snd Sender) bool { return snd.Name() == channel })
	if idx < 0 {
		return storage.NotificationRecord{}, fmt.Errorf("%w: %s", ErrChannelDisabled, channel)
	}

	now := time.Now().UTC()
	msg := Message{
		Title: "chapterwatch test",
		Body:  "Test notification from chapterwatch (" + channel + ").",
		Kind:  storage.KindTest,
	}
	oc := s.deliver(ctx, cfg, lim, senders[idx], msg)
	rec := storage.NotificationRecord{
		Kind:         storage.KindTest,
		Message:      msg.Body,
		DetectedAt:   now,
		DispatchedAt: &now,
		Outcomes:     []storage.ChannelOutcome{oc},
	}
	if s.history != nil {
		// The record outlives a canceled request.
		saved, err := s.history.Record(context.WithoutCancel(ctx), rec)
		if err != nil {
			s.log.Warn("record test notification failed", logx.String("channel", channel), logx.Err(err))
		} else {
			rec = saved
		}
	}
	if oc.Result != storage.ResultSent {
		return rec, fmt.Errorf("send test to %s: %s", channel, oc.Error)
	}
	return rec, nil
}

// Debug lists every known channel with its masked configuration.
func (s *Service) Debug() []ChannelInfo {
	_, _, senders := s.snapshot()
	out := make([]ChannelInfo, 0, len(KnownChannels))
	for _, name := range KnownChannels {
		info := ChannelInfo{Name: name}
		for _, snd := range senders {
			if snd.Name() != name {
				continue
			}
			info.Enabled = true
			if d, ok := snd.(Describer); ok {
				info.Target = d.Describe()
			}
		}
		out = append(out, info)
	}
	return out
}
