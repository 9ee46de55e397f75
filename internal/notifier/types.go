package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chapterwatch/internal/storage"
)

var (
	ErrUnknownChannel  = errors.New("unknown notification channel")
	ErrChannelDisabled = errors.New("notification channel disabled")
)

// Channel names.
const (
	ChannelPushover = "pushover"
	ChannelDiscord  = "discord"
	ChannelWebhook  = "webhook"
	ChannelTelegram = "telegram"
)

// KnownChannels lists every channel name in dispatch order.
var KnownChannels = []string{ChannelPushover, ChannelDiscord, ChannelWebhook, ChannelTelegram}

// DefaultTitle is the title used for chapter alerts and digests.
const DefaultTitle = "New chapter(s)"

// Config controls retries and throttling of outgoing sends.
type Config struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RatePerSec    float64
	SendTimeout   time.Duration
}

// Sender delivers one message on one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Describer is implemented by senders that can report their target with
// secrets masked.
type Describer interface {
	Describe() string
}

// Message is the channel-independent payload.
type Message struct {
	Title string        `json:"title"`
	Body  string        `json:"message"`
	Kind  storage.Kind  `json:"kind"`
	Refs  []storage.Ref `json:"refs,omitempty"`
}

// Event is a detected chapter-count increase for one item.
type Event struct {
	ItemID     string    `json:"item_id"`
	Title      string    `json:"title"`
	OldCount   int       `json:"old_count"`
	NewCount   int       `json:"new_count"`
	Delta      int       `json:"delta"`
	Unread     int       `json:"unread"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewEvent builds the alert for it moving from its last known count to
// newCount. The caller guarantees newCount is an increase.
func NewEvent(it storage.TrackedItem, newCount int, now time.Time) Event {
	old := 0
	if it.LastKnownCount != nil {
		old = *it.LastKnownCount
	}
	ev := Event{
		ItemID:     it.ID,
		Title:      displayTitle(it),
		OldCount:   old,
		NewCount:   newCount,
		Delta:      newCount - old,
		Unread:     max(0, newCount-it.LastRead),
		DetectedAt: now,
	}
	ev.Message = fmt.Sprintf("%s now has %d chapters.", ev.Title, ev.NewCount)
	if ev.Unread > 0 {
		ev.Message += fmt.Sprintf(" You're %d behind.", ev.Unread)
	}
	return ev
}

func displayTitle(it storage.TrackedItem) string {
	if t := strings.TrimSpace(it.Title); t != "" {
		return t
	}
	return "Series " + it.ID
}

// ToMessage converts the event into a deliverable message.
func (e Event) ToMessage() Message {
	return Message{
		Title: DefaultTitle,
		Body:  e.Message,
		Kind:  storage.KindChapterUpdate,
		Refs:  []storage.Ref{{ItemID: e.ItemID, Count: e.NewCount}},
	}
}

// Record builds the history entry for the event with the given outcomes.
func (e Event) Record(outcomes []storage.ChannelOutcome, reason string, dispatchedAt *time.Time) storage.NotificationRecord {
	return storage.NotificationRecord{
		Kind:         storage.KindChapterUpdate,
		ItemID:       e.ItemID,
		Title:        e.Title,
		OldCount:     e.OldCount,
		NewCount:     e.NewCount,
		Message:      e.Message,
		Reason:       reason,
		DetectedAt:   e.DetectedAt,
		DispatchedAt: dispatchedAt,
		Outcomes:     outcomes,
		Refs:         []storage.Ref{{ItemID: e.ItemID, Count: e.NewCount}},
	}
}

// ChannelInfo is the masked configuration of one channel.
type ChannelInfo struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Target  string `json:"target,omitempty"`
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// statusError classifies a non-success HTTP status: 408, 429 and 5xx are
// retried, every other status is permanent.
func statusError(channel string, code int, body []byte) error {
	err := fmt.Errorf("%s: http %d: %s", channel, code, snippet(body))
	if code == 408 || code == 429 || code >= 500 {
		return err
	}
	return Permanent(err)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// mask keeps the last four characters of a secret.
func mask(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
