package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quietbot/pkg/logx"
)

// fileStore keeps the queue in memory and, when a path is configured,
// persists it as:
//   - <prefix>.snapshot.json  (periodic full snapshot)
//   - <prefix>.journal.jsonl  (append-only journal of puts and deletes)
//
// The journal is compacted into the snapshot on open and every
// compactEvery writes.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	closed  bool
	records map[string]Notification

	snapshotPath string
	journal      *os.File
	writes       int
}

const compactEvery = 500

type journalOp struct {
	Op string        `json:"op"` // put | del
	ID string        `json:"id,omitempty"`
	N  *Notification `json:"n,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	s := &fileStore{
		log:     log,
		now:     nowFunc(cfg),
		records: make(map[string]Notification),
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return s, nil
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, opErr("open", "", err)
	}

	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, opErr("open", "", err)
	}
	if err := replayJournal(journalPath, s.records, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, opErr("open", "", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, opErr("open", "", err)
	}
	s.journal = jf
	if err := s.compactLocked(); err != nil {
		log.Warn("journal compaction failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return opErr("close", "", err)
}

func (s *fileStore) Enqueue(ctx context.Context, n Notification) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", opErr("enqueue", "", err)
	}
	rec, err := prepare(n, uuid.NewString(), s.now())
	if err != nil {
		return "", opErr("enqueue", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", opErr("enqueue", rec.ID, ErrClosed)
	}
	if err := s.putLocked(rec); err != nil {
		return "", opErr("enqueue", rec.ID, err)
	}
	return rec.ID, nil
}

func (s *fileStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, opErr("fetch_due", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, opErr("fetch_due", "", ErrClosed)
	}

	due := make([]Notification, 0)
	for _, r := range s.records {
		if r.Status == StatusPending && !r.ScheduledFor.After(now) {
			due = append(due, cloneNotification(r))
		}
	}
	slices.SortFunc(due, func(a, b Notification) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fileStore) MarkSent(ctx context.Context, id string) error {
	return s.transition(ctx, "mark_sent", id, StatusSent, func(r *Notification) {
		r.Status = StatusSent
	})
}

func (s *fileStore) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, "mark_failed", id, StatusFailed, func(r *Notification) {
		r.Status = StatusFailed
	})
}

func (s *fileStore) Reschedule(ctx context.Context, id string, scheduledFor time.Time, retryCount int) error {
	return s.transition(ctx, "reschedule", id, StatusPending, func(r *Notification) {
		r.ScheduledFor = scheduledFor.UTC()
		r.RetryCount = retryCount
	})
}

// transition applies fn to a pending record. For a terminal record it
// reports missErr(current, target), so reaching target again is a no-op.
func (s *fileStore) transition(ctx context.Context, op, id string, target Status, fn func(*Notification)) error {
	if err := ctx.Err(); err != nil {
		return opErr(op, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return opErr(op, id, ErrClosed)
	}

	r, ok := s.records[id]
	if !ok {
		return opErr(op, id, ErrNotFound)
	}
	if r.Status != StatusPending {
		if target == StatusPending {
			return opErr(op, id, ErrNotPending)
		}
		return opErr(op, id, missErr(r.Status, target))
	}
	fn(&r)
	r.LastAttemptAt = s.now()
	return opErr(op, id, s.putLocked(r))
}

func (s *fileStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, opErr("delete_expired", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, opErr("delete_expired", "", ErrClosed)
	}

	n := 0
	for id, r := range s.records {
		if !r.Status.Terminal() || !r.CreatedAt.Before(olderThan) {
			continue
		}
		if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
			return n, opErr("delete_expired", id, err)
		}
		delete(s.records, id)
		n++
	}
	return n, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, opErr("get", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Notification{}, opErr("get", id, ErrNotFound)
	}
	return cloneNotification(r), nil
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, opErr("stats", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, r := range s.records {
		switch r.Status {
		case StatusPending:
			st.Pending++
			if st.NextDue.IsZero() || r.ScheduledFor.Before(st.NextDue) {
				st.NextDue = r.ScheduledFor
			}
		case StatusSent:
			st.Sent++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *fileStore) putLocked(r Notification) error {
	if !r.Status.Valid() {
		return ErrInvalid
	}
	r = cloneNotification(r)
	if err := s.appendLocked(journalOp{Op: "put", N: &r}); err != nil {
		return err
	}
	s.records[r.ID] = r
	return nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a snapshot through a temp file and truncates the
// journal.
func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	all := make([]Notification, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
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
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]Notification) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []Notification
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, r := range all {
		out[r.ID] = r
	}
	return nil
}

// replayJournal applies journal lines in order. A torn last line from a
// crash is skipped.
func replayJournal(path string, out map[string]Notification, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			skipped++
			continue
		}
		switch op.Op {
		case "put":
			if op.N != nil && op.N.ID != "" {
				out[op.N.ID] = *op.N
			}
		case "del":
			delete(out, op.ID)
		}
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal lines", logx.Int("count", skipped), logx.String("path", path))
	}
	return sc.Err()
}

func cloneNotification(n Notification) Notification {
	n.Recipients = slices.Clone(n.Recipients)
	return n
}
