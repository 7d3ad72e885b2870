package storage

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"quietbot/internal/transport"
)

// MaxTextLen is the stored message length limit, in runes. Longer texts are
// truncated at enqueue.
const MaxTextLen = 500

// DefaultType tags notifications enqueued without a type.
const DefaultType = "general"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

// Notification is a deferred admin notification.
type Notification struct {
	ID              string                `json:"id"`
	Type            string                `json:"type"`
	SubjectUserID   string                `json:"subject_user_id,omitempty"`
	RelatedEntityID string                `json:"related_entity_id,omitempty"`
	Text            string                `json:"text"`
	Recipients      []int64               `json:"recipients"`
	Options         transport.SendOptions `json:"options"`

	Status       Status    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
	// LastAttemptAt is zero until the first delivery attempt.
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Stats summarizes the queue.
type Stats struct {
	Pending int
	Sent    int
	Failed  int
	// NextDue is the earliest ScheduledFor among pending records.
	NextDue time.Time
}

// Config configures the store.
type Config struct {
	Driver      string
	Path        string        // file path, or DSN for postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Now stamps CreatedAt and LastAttemptAt. Defaults to time.Now.
	Now func() time.Time
}

var (
	ErrNotFound   = errors.New("notification not found")
	ErrNotPending = errors.New("notification is not pending")
	ErrInvalid    = errors.New("invalid notification")
	ErrClosed     = errors.New("store closed")
)

// Error is returned for every failed store operation. Sentinels above are
// reachable through errors.Is.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, ID: id, Err: err}
}

// TruncateText cuts s to at most n runes.
func TruncateText(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// prepare normalizes a record for insertion: pending, zero retries,
// truncated text, deduplicated recipients and UTC times. id and now are
// supplied by the backend.
func prepare(n Notification, id string, now time.Time) (Notification, error) {
	if len(n.Recipients) == 0 {
		return Notification{}, fmt.Errorf("%w: no recipients", ErrInvalid)
	}
	if n.ScheduledFor.IsZero() {
		return Notification{}, fmt.Errorf("%w: scheduled_for is required", ErrInvalid)
	}
	if err := n.Options.Validate(); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	out := n
	out.ID = id
	out.Type = strings.TrimSpace(n.Type)
	if out.Type == "" {
		out.Type = DefaultType
	}
	out.Text = TruncateText(n.Text, MaxTextLen)
	out.Recipients = dedupRecipients(n.Recipients)
	out.Status = StatusPending
	out.RetryCount = 0
	out.ScheduledFor = n.ScheduledFor.UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	out.LastAttemptAt = time.Time{}
	return out, nil
}

func dedupRecipients(in []int64) []int64 {
	out := make([]int64, 0, len(in))
	for _, r := range in {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// missErr explains why a state-guarded update matched nothing. current is
// the record's status, or "" when it does not exist. Reaching the target
// state again is not an error.
func missErr(current, target Status) error {
	switch {
	case current == "":
		return ErrNotFound
	case current == target:
		return nil
	default:
		return ErrNotPending
	}
}

func nowFunc(cfg Config) func() time.Time {
	if cfg.Now != nil {
		return func() time.Time { return cfg.Now().UTC() }
	}
	return func() time.Time { return time.Now().UTC() }
}
