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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"quietbot/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, opErr("open", "", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, opErr("open", "", err)
	}
	// one writer; also keeps a ":memory:" database on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: nowFunc(cfg)}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, opErr("migrate", "", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	q, err := migration("sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return opErr("close", "", s.db.Close())
}

const sqliteColumns = `id, notification_type, subject_user_id, related_entity_id, message_text,
	recipients, options, status, retry_count, scheduled_for, created_at, last_attempt_at`

func (s *sqliteStore) Enqueue(ctx context.Context, n Notification) (string, error) {
	rec, err := prepare(n, uuid.NewString(), s.now())
	if err != nil {
		return "", opErr("enqueue", "", err)
	}
	recipients, err := json.Marshal(rec.Recipients)
	if err != nil {
		return "", opErr("enqueue", rec.ID, err)
	}
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return "", opErr("enqueue", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deferred_notifications (`+sqliteColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.Type, nullStr(rec.SubjectUserID), nullStr(rec.RelatedEntityID), rec.Text,
		string(recipients), string(options), string(rec.Status), rec.RetryCount,
		rec.ScheduledFor.UnixMilli(), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", opErr("enqueue", rec.ID, err)
	}
	return rec.ID, nil
}

func (s *sqliteStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]Notification, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM deferred_notifications
		 WHERE status = 'pending' AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC, created_at ASC
		 LIMIT ?`,
		now.UTC().UnixMilli(), limit,
	)
	if err != nil {
		return nil, opErr("fetch_due", "", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanSQLite(rows)
		if err != nil {
			return nil, opErr("fetch_due", "", err)
		}
		out = append(out, n)
	}
	return out, opErr("fetch_due", "", rows.Err())
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string) error {
	return s.transition(ctx, "mark_sent", id, StatusSent,
		`UPDATE deferred_notifications SET status = 'sent', last_attempt_at = ?
		 WHERE id = ? AND status = 'pending'`,
		s.now().UnixMilli(), id)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, "mark_failed", id, StatusFailed,
		`UPDATE deferred_notifications SET status = 'failed', last_attempt_at = ?
		 WHERE id = ? AND status = 'pending'`,
		s.now().UnixMilli(), id)
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, scheduledFor time.Time, retryCount int) error {
	return s.transition(ctx, "reschedule", id, StatusPending,
		`UPDATE deferred_notifications SET scheduled_for = ?, retry_count = ?, last_attempt_at = ?
		 WHERE id = ? AND status = 'pending'`,
		scheduledFor.UTC().UnixMilli(), retryCount, s.now().UnixMilli(), id)
}

func (s *sqliteStore) transition(ctx context.Context, op, id string, target Status, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return opErr(op, id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return opErr(op, id, err)
	} else if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM deferred_notifications WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return opErr(op, id, ErrNotFound)
	}
	if err != nil {
		return opErr(op, id, err)
	}
	if target == StatusPending {
		return opErr(op, id, ErrNotPending)
	}
	return opErr(op, id, missErr(Status(current), target))
}

func (s *sqliteStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deferred_notifications
		 WHERE status IN ('sent', 'failed') AND created_at < ?`,
		olderThan.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, opErr("delete_expired", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, opErr("delete_expired", "", err)
	}
	return int(n), nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM deferred_notifications WHERE id = ?`, id)
	n, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, opErr("get", id, ErrNotFound)
	}
	return n, opErr("get", id, err)
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deferred_notifications GROUP BY status`)
	if err != nil {
		return st, opErr("stats", "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, opErr("stats", "", err)
		}
		setCount(&st, Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return st, opErr("stats", "", err)
	}

	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(scheduled_for) FROM deferred_notifications WHERE status = 'pending'`,
	).Scan(&next); err != nil {
		return st, opErr("stats", "", err)
	}
	if next.Valid {
		st.NextDue = time.UnixMilli(next.Int64).UTC()
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Notification, error) {
	var (
		n                   Notification
		subject, related    sql.NullString
		recipients, options string
		status              string
		scheduled, created  int64
		lastAttempt         sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.Type, &subject, &related, &n.Text,
		&recipients, &options, &status, &n.RetryCount, &scheduled, &created, &lastAttempt); err != nil {
		return Notification{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &n.Recipients); err != nil {
		return Notification{}, fmt.Errorf("decode recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &n.Options); err != nil {
		return Notification{}, fmt.Errorf("decode options: %w", err)
	}
	n.SubjectUserID = subject.String
	n.RelatedEntityID = related.String
	n.Status = Status(status)
	n.ScheduledFor = time.UnixMilli(scheduled).UTC()
	n.CreatedAt = time.UnixMilli(created).UTC()
	if lastAttempt.Valid {
		n.LastAttemptAt = time.UnixMilli(lastAttempt.Int64).UTC()
	}
	return n, nil
}

func setCount(st *Stats, status Status, n int) {
	switch status {
	case StatusPending:
		st.Pending = n
	case StatusSent:
		st.Sent = n
	case StatusFailed:
		st.Failed = n
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
