package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chapterwatch/pkg/logx"
)

// Watchlist is the tracked-item repository.
type Watchlist interface {
	// ListItems returns every item in insertion order.
	ListItems(ctx context.Context) ([]TrackedItem, error)
	ListActiveItems(ctx context.Context) ([]TrackedItem, error)
	GetItem(ctx context.Context, id string) (TrackedItem, error)
	GetPreferences(ctx context.Context, id string) (Preferences, error)
	// UpdatePollState writes only poller-owned fields.
	UpdatePollState(ctx context.Context, id string, st PollState) error

	AddItem(ctx context.Context, it TrackedItem) (TrackedItem, error)
	// UpdateItem applies fn atomically; fn may edit user-owned fields.
	UpdateItem(ctx context.Context, id string, fn func(it *TrackedItem) error) (TrackedItem, error)
	RemoveItem(ctx context.Context, id string) error
}

// History is the notification record store.
type History interface {
	HasSent(ctx context.Context, itemID string, count int) (bool, error)
	Record(ctx context.Context, rec NotificationRecord) (NotificationRecord, error)
	// ListRecords returns newest first; limit <= 0 means all.
	ListRecords(ctx context.Context, limit int) ([]NotificationRecord, error)
	DeleteRecord(ctx context.Context, id int64) error
	ClearRecords(ctx context.Context) (int64, error)
	PruneRecords(ctx context.Context, before time.Time) (int64, error)
}

type Store interface {
	Watchlist
	History
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "file":
		return openFile(cfg, log)
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

func validateNewItem(it TrackedItem) (TrackedItem, error) {
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" {
		return it, errors.New("item id is required")
	}
	if it.Status == "" {
		it.Status = StatusActive
	}
	if _, err := ParseStatus(string(it.Status)); err != nil {
		return it, err
	}
	if it.AddedAt.IsZero() {
		it.AddedAt = time.Now().UTC()
	}
	if strings.TrimSpace(it.Title) == "" {
		it.Title = it.ID
	}
	return it, nil
}

func cloneItem(it TrackedItem) TrackedItem {
	if it.LastKnownCount != nil {
		v := *it.LastKnownCount
		it.LastKnownCount = &v
	}
	if it.LastCheckedAt != nil {
		v := *it.LastCheckedAt
		it.LastCheckedAt = &v
	}
	if it.Preferences.Channels != nil {
		m := make(map[string]bool, len(it.Preferences.Channels))
		for k, v := range it.Preferences.Channels {
			m[k] = v
		}
		it.Preferences.Channels = m
	}
	return it
}
