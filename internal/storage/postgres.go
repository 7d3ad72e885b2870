package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"quietbot/pkg/logx"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	pool *pgxpool.Pool
	db   DBTX
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn == "" {
		return nil, errors.New("storage.path must hold a connection string for the postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, opErr("open", "", err)
	}
	if pcfg.MaxConns > 4 {
		pcfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, opErr("open", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, opErr("ping", "", err)
	}

	st := &postgresStore{pool: pool, db: pool, log: log, now: nowFunc(cfg)}
	q, err := migration("postgres.sql")
	if err == nil {
		// no arguments: simple protocol, multiple statements allowed
		_, err = pool.Exec(ctx, q)
	}
	if err != nil {
		pool.Close()
		return nil, opErr("migrate", "", err)
	}
	return st, nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const pgColumns = `id, notification_type, subject_user_id, related_entity_id, message_text,
	recipients, options, status, retry_count, scheduled_for, created_at, last_attempt_at`

func (s *postgresStore) Enqueue(ctx context.Context, n Notification) (string, error) {
	rec, err := prepare(n, uuid.NewString(), s.now())
	if err != nil {
		return "", opErr("enqueue", "", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO deferred_notifications (`+pgColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)`,
		rec.ID, rec.Type, nullStr(rec.SubjectUserID), nullStr(rec.RelatedEntityID), rec.Text,
		rec.Recipients, rec.Options, string(rec.Status), rec.RetryCount,
		rec.ScheduledFor, rec.CreatedAt,
	)
	if err != nil {
		return "", opErr("enqueue", rec.ID, err)
	}
	return rec.ID, nil
}

func (s *postgresStore) FetchDue(ctx context.Context, limit int, now time.Time) ([]Notification, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+pgColumns+` FROM deferred_notifications
		 WHERE status = 'pending' AND scheduled_for <= $1
		 ORDER BY scheduled_for ASC, created_at ASC
		 LIMIT $2`,
		now.UTC(), lim,
	)
	if err != nil {
		return nil, opErr("fetch_due", "", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanPostgres(rows)
		if err != nil {
			return nil, opErr("fetch_due", "", err)
		}
		out = append(out, n)
	}
	return out, opErr("fetch_due", "", rows.Err())
}

func (s *postgresStore) MarkSent(ctx context.Context, id string) error {
	return s.transition(ctx, "mark_sent", id, StatusSent,
		`UPDATE deferred_notifications SET status = 'sent', last_attempt_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		s.now(), id)
}

func (s *postgresStore) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, "mark_failed", id, StatusFailed,
		`UPDATE deferred_notifications SET status = 'failed', last_attempt_at = $1
		 WHERE id = $2 AND status = 'pending'`,
		s.now(), id)
}

func (s *postgresStore) Reschedule(ctx context.Context, id string, scheduledFor time.Time, retryCount int) error {
	return s.transition(ctx, "reschedule", id, StatusPending,
		`UPDATE deferred_notifications SET scheduled_for = $1, retry_count = $2, last_attempt_at = $3
		 WHERE id = $4 AND status = 'pending'`,
		scheduledFor.UTC(), retryCount, s.now(), id)
}

func (s *postgresStore) transition(ctx context.Context, op, id string, target Status, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return opErr(op, id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM deferred_notifications WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *postgresStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM deferred_notifications
		 WHERE status IN ('sent', 'failed') AND created_at < $1`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, opErr("delete_expired", "", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (Notification, error) {
	n, err := scanPostgres(s.db.QueryRow(ctx, `SELECT `+pgColumns+` FROM deferred_notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Notification{}, opErr("get", id, ErrNotFound)
	}
	return n, opErr("get", id, err)
}

func (s *postgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM deferred_notifications GROUP BY status`)
	if err != nil {
		return st, opErr("stats", "", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return st, opErr("stats", "", err)
		}
		setCount(&st, Status(status), n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, opErr("stats", "", err)
	}

	var next *time.Time
	if err := s.db.QueryRow(ctx,
		`SELECT MIN(scheduled_for) FROM deferred_notifications WHERE status = 'pending'`,
	).Scan(&next); err != nil {
		return st, opErr("stats", "", err)
	}
	if next != nil {
		st.NextDue = next.UTC()
	}
	return st, nil
}

func scanPostgres(row pgx.Row) (Notification, error) {
	var (
		n                Notification
		subject, related *string
		status           string
		lastAttempt      *time.Time
	)
	if err := row.Scan(&n.ID, &n.Type, &subject, &related, &n.Text,
		&n.Recipients, &n.Options, &status, &n.RetryCount, &n.ScheduledFor, &n.CreatedAt, &lastAttempt); err != nil {
		return Notification{}, err
	}
	if subject != nil {
		n.SubjectUserID = *subject
	}
	if related != nil {
		n.RelatedEntityID = *related
	}
	n.Status = Status(status)
	n.ScheduledFor = n.ScheduledFor.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	if lastAttempt != nil {
		n.LastAttemptAt = lastAttempt.UTC()
	}
	return n, nil
}
