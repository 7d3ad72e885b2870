// Package notifier is the entry point for admin notifications. It sends
// immediately, or defers to the queue while quiet hours are active.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quietbot/internal/delivery"
	"quietbot/internal/eventbus"
	"quietbot/internal/metrics"
	"quietbot/internal/storage"
	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

var (
	ErrNoRecipients = errors.New("no recipients")
	ErrEmptyText    = errors.New("empty notification text")
)

// Path is the route a request took.
type Path string

const (
	PathEmergency Path = "emergency"
	PathImmediate Path = "immediate"
	PathDeferred  Path = "deferred"
)

// Request is one admin notification.
type Request struct {
	// Recipients defaults to the configured admin ids when empty.
	Recipients []int64
	Text       string
	// Type is a free-form category such as "new_user" or "payment".
	Type string
	// SubjectUserID doubles as the emergency hint.
	SubjectUserID   string
	RelatedEntityID string
	Options         transport.SendOptions
}

// Result describes what Notify did.
type Result struct {
	Path      Path
	Attempted int
	Delivered int
	Deferred  bool
	Emergency bool
	// NotificationID and ScheduledFor are set when Deferred.
	NotificationID string
	ScheduledFor   time.Time
	Failures       []*delivery.Error
}

// Rules is the quiet-hours view the dispatcher needs.
type Rules interface {
	Now() time.Time
	IsMuted(now time.Time) bool
	IsEmergency(text, hint string) bool
	NextActiveTime(now time.Time) time.Time
}

// Enqueuer persists deferred notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, n storage.Notification) (string, error)
}

// Sender fans a message out to recipients.
type Sender interface {
	SendAll(ctx context.Context, recipients []int64, text string, opts transport.SendOptions) delivery.Report
}

type Dispatcher struct {
	rules  Rules
	store  Enqueuer
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.RWMutex
	admins []int64

	hist *History
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.bus = b
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithHistory sets how many recent results are kept for operators.
func WithHistory(n int) Option {
	return func(d *Dispatcher) { d.hist = NewHistory(n) }
}

func New(rules Rules, store Enqueuer, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rules:  rules,
		store:  store,
		sender: sender,
		bus:    eventbus.Nop{},
		log:    logx.Nop(),
		hist:   NewHistory(defaultHistory),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetAdmins replaces the fallback recipient list.
func (d *Dispatcher) SetAdmins(ids []int64) {
	cp := append([]int64(nil), ids...)
	d.mu.Lock()
	d.admins = cp
	d.mu.Unlock()
}

func (d *Dispatcher) Admins() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]int64(nil), d.admins...)
}

func (d *Dispatcher) History() *History { return d.hist }

// Notify routes req. Per-recipient failures are reported in Result, never
// returned. Only validation and storage errors are returned.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrEmptyText
	}
	recipients := req.Recipients
	if len(recipients) == 0 {
		recipients = d.Admins()
	}
	if len(recipients) == 0 {
		return Result{}, ErrNoRecipients
	}
	if err := req.Options.Validate(); err != nil {
		return Result{}, err
	}

	now := d.rules.Now()
	switch {
	case d.rules.IsEmergency(req.Text, req.SubjectUserID):
		res := d.sendNow(ctx, req, recipients, PathEmergency)
		res.Emergency = true
		d.record(now, req, res)
		return res, nil
	case !d.rules.IsMuted(now):
		res := d.sendNow(ctx, req, recipients, PathImmediate)
		d.record(now, req, res)
		return res, nil
	}

	when := d.rules.NextActiveTime(now)
	id, err := d.store.Enqueue(ctx, storage.Notification{
		Type:            req.Type,
		SubjectUserID:   req.SubjectUserID,
		RelatedEntityID: req.RelatedEntityID,
		Text:            req.Text,
		Recipients:      recipients,
		Options:         req.Options,
		ScheduledFor:    when,
		CreatedAt:       now,
	})
	if err != nil {
		metrics.RecordStorageError("enqueue")
		d.log.Error("defer notification failed", logx.String("type", req.Type), logx.Err(err))
		return Result{}, fmt.Errorf("defer notification: %w", err)
	}
	metrics.RecordDispatch(string(PathDeferred))

	res := Result{Path: PathDeferred, Deferred: true, NotificationID: id, ScheduledFor: when}
	d.log.Info("notification deferred",
		logx.String("id", id),
		logx.String("type", req.Type),
		logx.Int("recipients", len(recipients)),
		logx.Time("scheduled_for", when),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.NotifyDeferred, Time: now, Data: eventbus.Dispatch{
		Type:           req.Type,
		NotificationID: id,
		ScheduledFor:   when,
	}})
	d.record(now, req, res)
	return res, nil
}

func (d *Dispatcher) sendNow(ctx context.Context, req Request, recipients []int64, path Path) Result {
	metrics.RecordDispatch(string(path))
	rep := d.sender.SendAll(ctx, recipients, req.Text, req.Options)
	res := Result{
		Path:      path,
		Attempted: rep.Attempted,
		Delivered: rep.Succeeded,
		Failures:  rep.Failures,
	}

	typ := eventbus.NotifySent
	if rep.Succeeded == 0 {
		typ = eventbus.NotifyFailed
		d.log.Warn("notification not delivered",
			logx.String("type", req.Type),
			logx.String("path", string(path)),
			logx.Int("attempted", rep.Attempted),
		)
	} else {
		d.log.Debug("notification sent",
			logx.String("type", req.Type),
			logx.String("path", string(path)),
			logx.Int("delivered", rep.Succeeded),
			logx.Int("attempted", rep.Attempted),
		)
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.Dispatch{
		Type:      req.Type,
		Emergency: path == PathEmergency,
		Attempted: rep.Attempted,
		Delivered: rep.Succeeded,
	}})
	return res
}

func (d *Dispatcher) record(now time.Time, req Request, res Result) {
	d.hist.Add(Entry{
		Time:           now,
		Type:           req.Type,
		Path:           res.Path,
		Attempted:      res.Attempted,
		Delivered:      res.Delivered,
		NotificationID: res.NotificationID,
		ScheduledFor:   res.ScheduledFor,
	})
}
