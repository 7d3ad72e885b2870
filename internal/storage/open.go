package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quietbot/pkg/logx"
)

// Store is the deferred notification queue.
type Store interface {
	// Enqueue persists n as pending and returns its new id. ScheduledFor
	// must be set; id, status, retry count and timestamps are assigned.
	Enqueue(ctx context.Context, n Notification) (string, error)
	// FetchDue returns up to limit pending records with ScheduledFor <= now,
	// earliest first.
	FetchDue(ctx context.Context, limit int, now time.Time) ([]Notification, error)
	MarkSent(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, scheduledFor time.Time, retryCount int) error
	MarkFailed(ctx context.Context, id string) error
	// DeleteExpired removes sent and failed records created before olderThan.
	DeleteExpired(ctx context.Context, olderThan time.Time) (int, error)

	Get(ctx context.Context, id string) (Notification, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		var s *sqliteStore
		if s, err = openSQLite(ctx, cfg, log); err == nil {
			st = s
		}
	case "postgres", "pgx":
		var s *postgresStore
		if s, err = openPostgres(ctx, cfg, log); err == nil {
			st = s
		}
	case "file", "memory":
		if driver == "memory" {
			cfg.Path = ""
		} else if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("storage.path is required for the file driver")
		}
		var s *fileStore
		if s, err = openFile(cfg, log); err == nil {
			st = s
		}
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
