package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "chapterwatch/pkg/logx"
)

// fileStore persists to a directory:
//   - watchlist.json        (full snapshot, rewritten via temp file + rename)
//   - notifications.jsonl   (append-only; rewritten on delete/clear/prune)
//   - .lock                 (flock held for the duration of every operation)
//
// The daemon and the CLI may open the same directory. Every operation takes
// the directory lock and re-reads the documents other processes may have
// changed, so a mutation is always applied to the current on-disk state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	watchlistPath string
	historyPath   string
	lockFile      *os.File

	items   []TrackedItem
	records []NotificationRecord
	sent    map[Ref]int64 // (item, count) -> record id with Sent=true
	nextID  int64

	histSeen os.FileInfo // journal state as of the last load or write
}

var errStoreClosed = errors.New("file store closed")

type watchlistDoc struct {
	Version int           `json:"version"`
	Items   []TrackedItem `json:"items"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lf, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		log:           log,
		watchlistPath: filepath.Join(dir, "watchlist.json"),
		historyPath:   filepath.Join(dir, "notifications.jsonl"),
		lockFile:      lf,
		sent:          map[Ref]int64{},
	}
	unlock, err := s.lock()
	if err != nil {
		_ = lf.Close()
		return nil, err
	}
	err = s.refreshLocked()
	unlock()
	if err != nil {
		_ = lf.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("dir", dir), logx.Int("items", len(s.items)), logx.Int("records", len(s.records)))
	return s, nil
}

// lock serializes against this process and, via flock, against any other
// process using the same directory.
func (s *fileStore) lock() (func(), error) {
	s.mu.Lock()
	if s.lockFile == nil {
		s.mu.Unlock()
		return nil, errStoreClosed
	}
	if err := lockFile(s.lockFile); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", s.lockFile.Name(), err)
	}
	return func() {
		if err := unlockFile(s.lockFile); err != nil {
			s.log.Warn("file store unlock failed", logx.Err(err))
		}
		s.mu.Unlock()
	}, nil
}

// acquire locks and brings the in-memory view up to date with disk.
func (s *fileStore) acquire() (func(), error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	if err := s.refreshLocked(); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

func (s *fileStore) refreshLocked() error {
	if err := s.loadWatchlist(); err != nil {
		return err
	}
	return s.refreshHistoryLocked()
}

func (s *fileStore) loadWatchlist() error {
	b, err := os.ReadFile(s.watchlistPath)
	if errors.Is(err, os.ErrNotExist) {
		s.items = nil
		return nil
	}
	if err != nil {
		return err
	}
	var doc watchlistDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%s: %w", s.watchlistPath, err)
	}
	s.items = doc.Items
	return nil
}

// refreshHistoryLocked reloads the journal when it differs from what this
// store last saw. Appends and rewrites by other processes both change it.
func (s *fileStore) refreshHistoryLocked() error {
	fi, err := os.Stat(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		if s.histSeen != nil || len(s.records) > 0 {
			s.resetHistory()
		}
		s.histSeen = nil
		return nil
	}
	if err != nil {
		return err
	}
	if prev := s.histSeen; prev != nil && os.SameFile(prev, fi) &&
		prev.Size() == fi.Size() && prev.ModTime().Equal(fi.ModTime()) {
		return nil
	}
	s.resetHistory()
	if err := s.loadHistory(); err != nil {
		return err
	}
	s.histSeen = fi
	return nil
}

// resetHistory drops the index but keeps nextID so IDs never go backwards.
func (s *fileStore) resetHistory() {
	s.records = nil
	s.sent = map[Ref]int64{}
}

func (s *fileStore) noteHistoryWritten() {
	if fi, err := os.Stat(s.historyPath); err == nil {
		s.histSeen = fi
	} else {
		s.histSeen = nil
	}
}

func (s *fileStore) loadHistory() error {
	f, err := os.Open(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var rec NotificationRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn last write should not make the store unreadable.
			s.log.Warn("skipping corrupt history line", logx.Int("line", line), logx.Err(err))
			continue
		}
		s.index(rec)
	}
	return sc.Err()
}

func (s *fileStore) index(rec NotificationRecord) {
	s.records = append(s.records, rec)
	if rec.ID > s.nextID {
		s.nextID = rec.ID
	}
	if rec.Sent {
		for _, r := range rec.Refs {
			s.sent[r] = rec.ID
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockFile == nil {
		return nil
	}
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// saveWatchlistLocked writes the snapshot atomically.
func (s *fileStore) saveWatchlistLocked() error {
	b, err := json.MarshalIndent(watchlistDoc{Version: 1, Items: s.items}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.watchlistPath, b)
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// appendLine opens the journal per write: another process may have replaced
// it via rename since the last call.
func appendLine(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *fileStore) indexOfLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// ---- watchlist ----

func (s *fileStore) ListItems(ctx context.Context) ([]TrackedItem, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]TrackedItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, cloneItem(it))
	}
	return out, nil
}

func (s *fileStore) ListActiveItems(ctx context.Context) ([]TrackedItem, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []TrackedItem
	for _, it := range s.items {
		if it.Status == StatusActive {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (s *fileStore) GetItem(ctx context.Context, id string) (TrackedItem, error) {
	unlock, err := s.acquire()
	if err != nil {
		return TrackedItem{}, err
	}
	defer unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return TrackedItem{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return cloneItem(s.items[i]), nil
}

func (s *fileStore) GetPreferences(ctx context.Context, id string) (Preferences, error) {
	it, err := s.GetItem(ctx, id)
	if err != nil {
		return Preferences{}, err
	}
	return it.Preferences, nil
}

func (s *fileStore) UpdatePollState(ctx context.Context, id string, st PollState) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	prev := cloneItem(s.items[i])

	it := &s.items[i]
	checked := st.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	checked = checked.UTC()
	it.LastCheckedAt = &checked
	if st.Count != nil {
		v := *st.Count
		it.LastKnownCount = &v
	}
	if st.Cover != "" {
		it.Cover = st.Cover
	}
	if st.LastChapterAt != "" {
		it.LastChapterAt = st.LastChapterAt
	}
	if err := s.saveWatchlistLocked(); err != nil {
		s.items[i] = prev
		return err
	}
	return nil
}

func (s *fileStore) AddItem(ctx context.Context, it TrackedItem) (TrackedItem, error) {
	it, err := validateNewItem(it)
	if err != nil {
		return it, err
	}
	unlock, err := s.acquire()
	if err != nil {
		return it, err
	}
	defer unlock()
	if s.indexOfLocked(it.ID) >= 0 {
		return it, fmt.Errorf("item %s: %w", it.ID, ErrExists)
	}
	s.items = append(s.items, cloneItem(it))
	if err := s.saveWatchlistLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return it, err
	}
	return it, nil
}

func (s *fileStore) UpdateItem(ctx context.Context, id string, fn func(it *TrackedItem) error) (TrackedItem, error) {
	unlock, err := s.acquire()
	if err != nil {
		return TrackedItem{}, err
	}
	defer unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return TrackedItem{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	next := cloneItem(s.items[i])
	if err := fn(&next); err != nil {
		return TrackedItem{}, err
	}
	next.ID = id
	if _, err := ParseStatus(string(next.Status)); err != nil {
		return TrackedItem{}, err
	}
	prev := s.items[i]
	s.items[i] = next
	if err := s.saveWatchlistLocked(); err != nil {
		s.items[i] = prev
		return TrackedItem{}, err
	}
	return cloneItem(next), nil
}

func (s *fileStore) RemoveItem(ctx context.Context, id string) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	prev := append([]TrackedItem(nil), s.items...)
	s.items = append(s.items[:i], s.items[i+1:]...)
	if err := s.saveWatchlistLocked(); err != nil {
		s.items = prev
		return err
	}
	return nil
}

// ---- history ----

func (s *fileStore) HasSent(ctx context.Context, itemID string, count int) (bool, error) {
	unlock, err := s.acquire()
	if err != nil {
		return false, err
	}
	defer unlock()
	_, ok := s.sent[Ref{ItemID: itemID, Count: count}]
	return ok, nil
}

func (s *fileStore) Record(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	rec = rec.normalize()

	unlock, err := s.acquire()
	if err != nil {
		return rec, err
	}
	defer unlock()
	if rec.Sent {
		for _, r := range rec.Refs {
			if _, dup := s.sent[r]; dup {
				return rec, ErrDuplicateSent
			}
		}
	}
	rec.ID = s.nextID + 1

	b, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	if err := appendLine(s.historyPath, b); err != nil {
		return rec, err
	}
	s.index(rec)
	s.noteHistoryWritten()
	return rec, nil
}

func (s *fileStore) ListRecords(ctx context.Context, limit int) ([]NotificationRecord, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]NotificationRecord, len(s.records))
	copy(out, s.records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// rewriteHistoryLocked keeps the records for which keep returns true and
// rewrites the journal.
func (s *fileStore) rewriteHistoryLocked(keep func(NotificationRecord) bool) (int64, error) {
	kept := make([]NotificationRecord, 0, len(s.records))
	for _, r := range s.records {
		if keep(r) {
			kept = append(kept, r)
		}
	}
	removed := int64(len(s.records) - len(kept))
	if removed == 0 {
		return 0, nil
	}

	var buf []byte
	for _, r := range kept {
		b, err := json.Marshal(r)
		if err != nil {
			return 0, err
		}
		buf = append(append(buf, b...), '\n')
	}
	if err := writeFileAtomic(s.historyPath, buf); err != nil {
		return 0, err
	}

	// IDs stay monotonic across rewrites.
	s.resetHistory()
	for _, r := range kept {
		s.index(r)
	}
	s.noteHistoryWritten()
	return removed, nil
}

func (s *fileStore) DeleteRecord(ctx context.Context, id int64) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	n, err := s.rewriteHistoryLocked(func(r NotificationRecord) bool { return r.ID != id })
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *fileStore) ClearRecords(ctx context.Context) (int64, error) {
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.rewriteHistoryLocked(func(NotificationRecord) bool { return false })
}

func (s *fileStore) PruneRecords(ctx context.Context, before time.Time) (int64, error) {
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.rewriteHistoryLocked(func(r NotificationRecord) bool { return !r.DetectedAt.Before(before) })
}
