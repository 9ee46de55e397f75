package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	logx "chapterwatch/pkg/logx"
)

var itemColumns = []string{
	"id", "title", "status", "last_count", "last_checked_at", "last_read",
	"cover", "last_chapter_at", "added_at", "notify_enabled", "only_when_active", "channels",
}

var recordColumns = []string{
	"id", "kind", "item_id", "title", "old_count", "new_count", "message",
	"reason", "detected_at", "dispatched_at", "sent", "outcomes",
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	qb  sq.StatementBuilderType
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, qb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- watchlist ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (TrackedItem, error) {
	var (
		it                   TrackedItem
		status, channels     string
		lastCount, lastCheck sql.NullInt64
		addedAt              int64
		enabled, onlyActive  bool
	)
	if err := r.Scan(&it.ID, &it.Title, &status, &lastCount, &lastCheck, &it.LastRead,
		&it.Cover, &it.LastChapterAt, &addedAt, &enabled, &onlyActive, &channels); err != nil {
		return it, err
	}
	it.Status = Status(status)
	if lastCount.Valid {
		v := int(lastCount.Int64)
		it.LastKnownCount = &v
	}
	if lastCheck.Valid {
		t := time.UnixMilli(lastCheck.Int64).UTC()
		it.LastCheckedAt = &t
	}
	it.AddedAt = time.UnixMilli(addedAt).UTC()
	it.Preferences = Preferences{Enabled: enabled, OnlyWhenActive: onlyActive}
	if channels != "" && channels != "{}" {
		if err := json.Unmarshal([]byte(channels), &it.Preferences.Channels); err != nil {
			return it, fmt.Errorf("item %s: channels: %w", it.ID, err)
		}
	}
	return it, nil
}

func (s *sqliteStore) queryItems(ctx context.Context, where sq.Sqlizer) ([]TrackedItem, error) {
	b := s.qb.Select(itemColumns...).From("items").OrderBy("seq")
	if where != nil {
		b = b.Where(where)
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListItems(ctx context.Context) ([]TrackedItem, error) {
	return s.queryItems(ctx, nil)
}

func (s *sqliteStore) ListActiveItems(ctx context.Context) ([]TrackedItem, error) {
	return s.queryItems(ctx, sq.Eq{"status": string(StatusActive)})
}

func (s *sqliteStore) GetItem(ctx context.Context, id string) (TrackedItem, error) {
	return s.getItem(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) getItem(ctx context.Context, db queryRower, id string) (TrackedItem, error) {
	q, args, err := s.qb.Select(itemColumns...).From("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return TrackedItem{}, err
	}
	it, err := scanItem(db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedItem{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, err
}

func (s *sqliteStore) GetPreferences(ctx context.Context, id string) (Preferences, error) {
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return Preferences{}, err
	}
	return it.Preferences, nil
}

func (s *sqliteStore) UpdatePollState(ctx context.Context, id string, st PollState) error {
	checked := st.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	b := s.qb.Update("items").Set("last_checked_at", checked.UnixMilli()).Where(sq.Eq{"id": id})
	if st.Count != nil {
		b = b.Set("last_count", *st.Count)
	}
	if st.Cover != "" {
		b = b.Set("cover", st.Cover)
	}
	if st.LastChapterAt != "" {
		b = b.Set("last_chapter_at", st.LastChapterAt)
	}
	q, args, err := b.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

func itemValues(it TrackedItem) (map[string]any, error) {
	ch := "{}"
	if len(it.Preferences.Channels) > 0 {
		b, err := json.Marshal(it.Preferences.Channels)
		if err != nil {
			return nil, err
		}
		ch = string(b)
	}
	var lastCount, lastChecked any
	if it.LastKnownCount != nil {
		lastCount = *it.LastKnownCount
	}
	if it.LastCheckedAt != nil {
		lastChecked = it.LastCheckedAt.UnixMilli()
	}
	return map[string]any{
		"id":               it.ID,
		"title":            it.Title,
		"status":           string(it.Status),
		"last_count":       lastCount,
		"last_checked_at":  lastChecked,
		"last_read":        it.LastRead,
		"cover":            it.Cover,
		"last_chapter_at":  it.LastChapterAt,
		"added_at":         it.AddedAt.UnixMilli(),
		"notify_enabled":   it.Preferences.Enabled,
		"only_when_active": it.Preferences.OnlyWhenActive,
		"channels":         ch,
	}, nil
}

func (s *sqliteStore) AddItem(ctx context.Context, it TrackedItem) (TrackedItem, error) {
	it, err := validateNewItem(it)
	if err != nil {
		return it, err
	}
	vals, err := itemValues(it)
	if err != nil {
		return it, err
	}
	q, args, err := s.qb.Insert("items").SetMap(vals).ToSql()
	if err != nil {
		return it, err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return it, fmt.Errorf("item %s: %w", it.ID, ErrExists)
		}
		return it, err
	}
	return it, nil
}

func (s *sqliteStore) UpdateItem(ctx context.Context, id string, fn func(it *TrackedItem) error) (TrackedItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TrackedItem{}, err
	}
	defer func() { _ = tx.Rollback() }()

	it, err := s.getItem(ctx, tx, id)
	if err != nil {
		return TrackedItem{}, err
	}
	if err := fn(&it); err != nil {
		return TrackedItem{}, err
	}
	it.ID = id
	if _, err := ParseStatus(string(it.Status)); err != nil {
		return TrackedItem{}, err
	}
	vals, err := itemValues(it)
	if err != nil {
		return TrackedItem{}, err
	}
	delete(vals, "id")
	q, args, err := s.qb.Update("items").SetMap(vals).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return TrackedItem{}, err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return TrackedItem{}, err
	}
	return it, tx.Commit()
}

func (s *sqliteStore) RemoveItem(ctx context.Context, id string) error {
	q, args, err := s.qb.Delete("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- history ----

func (s *sqliteStore) HasSent(ctx context.Context, itemID string, count int) (bool, error) {
	q, args, err := s.qb.Select("COUNT(1)").From("notification_refs").
		Where(sq.Eq{"item_id": itemID, "count": count, "sent": 1}).ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Record(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	rec = rec.normalize()
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return rec, err
	}
	var dispatched any
	if rec.DispatchedAt != nil {
		dispatched = rec.DispatchedAt.UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer func() { _ = tx.Rollback() }()

	q, args, err := s.qb.Insert("notifications").SetMap(map[string]any{
		"kind":          string(rec.Kind),
		"item_id":       rec.ItemID,
		"title":         rec.Title,
		"old_count":     rec.OldCount,
		"new_count":     rec.NewCount,
		"message":       rec.Message,
		"reason":        rec.Reason,
		"detected_at":   rec.DetectedAt.UnixMilli(),
		"dispatched_at": dispatched,
		"sent":          rec.Sent,
		"outcomes":      string(outcomes),
	}).ToSql()
	if err != nil {
		return rec, err
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return rec, err
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return rec, err
	}

	if len(rec.Refs) > 0 {
		ib := s.qb.Insert("notification_refs").Columns("notification_id", "item_id", "count", "sent")
		for _, r := range rec.Refs {
			ib = ib.Values(rec.ID, r.ItemID, r.Count, rec.Sent)
		}
		q, args, err := ib.ToSql()
		if err != nil {
			return rec, err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			if isUniqueViolation(err) {
				return rec, ErrDuplicateSent
			}
			return rec, err
		}
	}
	return rec, tx.Commit()
}

func (s *sqliteStore) ListRecords(ctx context.Context, limit int) ([]NotificationRecord, error) {
	b := s.qb.Select(recordColumns...).From("notifications").OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRecord
	byID := map[int64]int{}
	for rows.Next() {
		var (
			rec        NotificationRecord
			kind       string
			detected   int64
			dispatched sql.NullInt64
			outcomes   string
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.ItemID, &rec.Title, &rec.OldCount, &rec.NewCount,
			&rec.Message, &rec.Reason, &detected, &dispatched, &rec.Sent, &outcomes); err != nil {
			return nil, err
		}
		rec.Kind = Kind(kind)
		rec.DetectedAt = time.UnixMilli(detected).UTC()
		if dispatched.Valid {
			t := time.UnixMilli(dispatched.Int64).UTC()
			rec.DispatchedAt = &t
		}
		if outcomes != "" && outcomes != "null" {
			if err := json.Unmarshal([]byte(outcomes), &rec.Outcomes); err != nil {
				return nil, fmt.Errorf("notification %d: outcomes: %w", rec.ID, err)
			}
		}
		byID[rec.ID] = len(out)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, 0, len(out))
	for _, r := range out {
		ids = append(ids, r.ID)
	}
	q, args, err = s.qb.Select("notification_id", "item_id", "count").From("notification_refs").
		Where(sq.Eq{"notification_id": ids}).OrderBy("rowid").ToSql()
	if err != nil {
		return nil, err
	}
	refRows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer refRows.Close()
	for refRows.Next() {
		var (
			nid int64
			r   Ref
		)
		if err := refRows.Scan(&nid, &r.ItemID, &r.Count); err != nil {
			return nil, err
		}
		if i, ok := byID[nid]; ok {
			out[i].Refs = append(out[i].Refs, r)
		}
	}
	return out, refRows.Err()
}

// deleteRecords removes notifications matching where, with their refs.
func (s *sqliteStore) deleteRecords(ctx context.Context, where sq.Sqlizer) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	sub := s.qb.Select("id").From("notifications")
	if where != nil {
		sub = sub.Where(where)
	}
	subSQL, subArgs, err := sub.ToSql()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notification_refs WHERE notification_id IN ("+subSQL+")", subArgs...); err != nil {
		return 0, err
	}

	del := s.qb.Delete("notifications")
	if where != nil {
		del = del.Where(where)
	}
	q, args, err := del.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

func (s *sqliteStore) DeleteRecord(ctx context.Context, id int64) error {
	n, err := s.deleteRecords(ctx, sq.Eq{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ClearRecords(ctx context.Context) (int64, error) {
	return s.deleteRecords(ctx, nil)
}

func (s *sqliteStore) PruneRecords(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteRecords(ctx, sq.Lt{"detected_at": before.UnixMilli()})
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
