package eventbus

import "time"

const (
	NotifySent     = "notify.sent"
	NotifyDeferred = "notify.deferred"
	NotifyFailed   = "notify.failed"

	DeferredSent        = "deferred.sent"
	DeferredRescheduled = "deferred.rescheduled"
	DeferredFailed      = "deferred.failed"
	DeferredReaped      = "deferred.reaped"
)

// Dispatch is the payload of notify.* events.
type Dispatch struct {
	Type           string
	Emergency      bool
	Attempted      int
	Delivered      int
	NotificationID string
	ScheduledFor   time.Time
}

// Redelivery is the payload of deferred.* events except deferred.reaped.
type Redelivery struct {
	NotificationID string
	Type           string
	RetryCount     int
	Attempted      int
	Delivered      int
	ScheduledFor   time.Time
}

// Reap is the payload of deferred.reaped.
type Reap struct {
	Deleted   int
	OlderThan time.Time
}
