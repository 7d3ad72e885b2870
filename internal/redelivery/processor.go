package redelivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quietbot/internal/delivery"
	"quietbot/internal/eventbus"
	"quietbot/internal/metrics"
	"quietbot/internal/storage"
	"quietbot/internal/task/scheduler"
	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

// Outcome is the result of one delivery attempt for a record.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeFailed is terminal; the record is never fetched again.
	OutcomeFailed Outcome = "failed"
)

// CycleReport summarizes one poll.
type CycleReport struct {
	Fetched     int
	Sent        int
	Rescheduled int
	Failed      int
	Took        time.Duration
}

// Rules is the quiet-hours view the processor needs.
type Rules interface {
	Now() time.Time
	NextActiveTime(now time.Time) time.Time
	Location() *time.Location
}

// Sender fans a message out to recipients.
type Sender interface {
	SendAll(ctx context.Context, recipients []int64, text string, opts transport.SendOptions) delivery.Report
}

// Scheduler is where the poll and reap jobs live.
type Scheduler interface {
	AddInterval(name string, every, timeout time.Duration, job scheduler.Job) error
	AddDaily(name, atHHMM string, timeout time.Duration, job scheduler.Job) error
	Remove(name string) bool
}

type Processor struct {
	store  storage.Store
	rules  Rules
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu    sync.RWMutex
	cfg   Config
	sched Scheduler

	// run serializes attempts so a forced redelivery never races a poll.
	run sync.Mutex
}

type Option func(*Processor)

func WithBus(b eventbus.Bus) Option {
	return func(p *Processor) {
		if b != nil {
			p.bus = b
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(p *Processor) { p.log = log }
}

func New(store storage.Store, rules Rules, sender Sender, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		store:  store,
		rules:  rules,
		sender: sender,
		bus:    eventbus.Nop{},
		log:    logx.Nop(),
		cfg:    cfg.withDefaults(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Apply swaps settings. If the jobs are registered and their timing
// changed, they are registered again.
func (p *Processor) Apply(cfg Config) error {
	cfg = cfg.withDefaults()

	p.mu.Lock()
	old := p.cfg
	p.cfg = cfg
	sched := p.sched
	p.mu.Unlock()

	if sched == nil || old.timing() == cfg.timing() {
		return nil
	}
	return p.Register(sched)
}

// Register adds the poll and reap jobs to s.
func (p *Processor) Register(s Scheduler) error {
	cfg := p.Config()

	poll := func(ctx context.Context) error {
		_, err := p.PollOnce(ctx)
		return err
	}
	reap := func(ctx context.Context) error {
		_, err := p.ReapOnce(ctx)
		return err
	}
	if err := s.AddInterval(PollJob, cfg.PollInterval, cfg.JobTimeout, poll); err != nil {
		return fmt.Errorf("register %s: %w", PollJob, err)
	}
	if err := s.AddDaily(ReapJob, cfg.ReapAt, cfg.JobTimeout, reap); err != nil {
		s.Remove(PollJob)
		return fmt.Errorf("register %s: %w", ReapJob, err)
	}

	p.mu.Lock()
	p.sched = s
	p.mu.Unlock()
	p.log.Info("redelivery jobs registered",
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.String("reap_at", cfg.ReapAt),
	)
	return nil
}

// Unregister removes both jobs from the scheduler they were registered on.
func (p *Processor) Unregister() {
	p.mu.Lock()
	s := p.sched
	p.sched = nil
	p.mu.Unlock()
	if s == nil {
		return
	}
	s.Remove(PollJob)
	s.Remove(ReapJob)
	p.log.Info("redelivery jobs removed")
}

// PollOnce runs one delivery cycle. A storage error ends the cycle and is
// returned together with what was done so far.
func (p *Processor) PollOnce(ctx context.Context) (CycleReport, error) {
	p.run.Lock()
	defer p.run.Unlock()

	start := time.Now()
	cfg := p.Config()
	now := p.rules.Now()

	var rep CycleReport
	due, err := p.store.FetchDue(ctx, cfg.BatchSize, now)
	if err != nil {
		metrics.RecordStorageError("fetch_due")
		return rep, fmt.Errorf("fetch due: %w", err)
	}
	rep.Fetched = len(due)

	for _, n := range due {
		if err := ctx.Err(); err != nil {
			rep.Took = time.Since(start)
			return rep, err
		}
		out, err := p.attempt(ctx, cfg, n)
		if errors.Is(err, storage.ErrNotPending) {
			p.log.Warn("deferred notification changed during attempt", logx.String("id", n.ID))
			continue
		}
		if err != nil {
			rep.Took = time.Since(start)
			return rep, err
		}
		switch out {
		case OutcomeSent:
			rep.Sent++
		case OutcomeRescheduled:
			rep.Rescheduled++
		case OutcomeFailed:
			rep.Failed++
		}
	}
	rep.Took = time.Since(start)

	if rep.Fetched > 0 {
		p.log.Info("deferred cycle done",
			logx.Int("fetched", rep.Fetched),
			logx.Int("sent", rep.Sent),
			logx.Int("rescheduled", rep.Rescheduled),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Took),
		)
	}
	p.refreshQueueDepth(ctx)
	return rep, nil
}

// Redeliver forces one pending record through delivery now, regardless of
// its schedule.
func (p *Processor) Redeliver(ctx context.Context, id string) (Outcome, error) {
	p.run.Lock()
	defer p.run.Unlock()

	n, err := p.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if n.Status != storage.StatusPending {
		return "", &storage.Error{Op: "redeliver", ID: id, Err: storage.ErrNotPending}
	}
	out, err := p.attempt(ctx, p.Config(), n)
	if err == nil {
		p.refreshQueueDepth(ctx)
	}
	return out, err
}

func (p *Processor) attempt(ctx context.Context, cfg Config, n storage.Notification) (Outcome, error) {
	now := p.rules.Now()
	text := applyMarker(cfg.Marker, n.Text, now.In(p.rules.Location()))
	sent := p.sender.SendAll(ctx, n.Recipients, text, n.Options)

	ev := eventbus.Redelivery{
		NotificationID: n.ID,
		Type:           n.Type,
		RetryCount:     n.RetryCount,
		Attempted:      sent.Attempted,
		Delivered:      sent.Succeeded,
	}

	if sent.Succeeded > 0 {
		if err := p.store.MarkSent(ctx, n.ID); err != nil {
			metrics.RecordStorageError("mark_sent")
			return "", fmt.Errorf("mark sent: %w", err)
		}
		metrics.RecordDeferredOutcome(string(OutcomeSent))
		metrics.RecordDeferredDelay(now.Sub(n.CreatedAt))
		p.log.Debug("deferred notification sent",
			logx.String("id", n.ID),
			logx.Int("delivered", sent.Succeeded),
			logx.Int("attempted", sent.Attempted),
		)
		p.bus.Publish(eventbus.Event{Type: eventbus.DeferredSent, Data: ev})
		return OutcomeSent, nil
	}

	// nothing was delivered; a cancelled context is not the recipients' fault
	if err := ctx.Err(); err != nil {
		return "", err
	}

	next := n.RetryCount + 1
	if next >= cfg.MaxRetries {
		if err := p.store.MarkFailed(ctx, n.ID); err != nil {
			metrics.RecordStorageError("mark_failed")
			return "", fmt.Errorf("mark failed: %w", err)
		}
		metrics.RecordDeferredOutcome(string(OutcomeFailed))
		p.log.Error("deferred notification failed permanently",
			logx.String("id", n.ID),
			logx.String("type", n.Type),
			logx.Int("attempts", next),
			logx.Err(firstFailure(sent)),
		)
		ev.RetryCount = next
		p.bus.Publish(eventbus.Event{Type: eventbus.DeferredFailed, Data: ev})
		return OutcomeFailed, nil
	}

	when := p.rules.NextActiveTime(now)
	if err := p.store.Reschedule(ctx, n.ID, when, next); err != nil {
		metrics.RecordStorageError("reschedule")
		return "", fmt.Errorf("reschedule: %w", err)
	}
	metrics.RecordDeferredOutcome(string(OutcomeRescheduled))
	p.log.Warn("deferred notification rescheduled",
		logx.String("id", n.ID),
		logx.Int("retry", next),
		logx.Time("scheduled_for", when),
		logx.Err(firstFailure(sent)),
	)
	ev.RetryCount, ev.ScheduledFor = next, when
	p.bus.Publish(eventbus.Event{Type: eventbus.DeferredRescheduled, Data: ev})
	return OutcomeRescheduled, nil
}

// ReapOnce deletes sent and failed records older than the retention period.
func (p *Processor) ReapOnce(ctx context.Context) (int, error) {
	cfg := p.Config()
	cutoff := p.rules.Now().AddDate(0, 0, -cfg.RetentionDays)

	n, err := p.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		metrics.RecordStorageError("delete_expired")
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	metrics.RecordReaped(n)
	if n > 0 {
		p.log.Info("deferred notifications reaped", logx.Int("deleted", n), logx.Time("older_than", cutoff))
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.DeferredReaped, Data: eventbus.Reap{Deleted: n, OlderThan: cutoff}})
	p.refreshQueueDepth(ctx)
	return n, nil
}

func (p *Processor) refreshQueueDepth(ctx context.Context) {
	st, err := p.store.Stats(ctx)
	if err != nil {
		p.log.Debug("queue stats unavailable", logx.Err(err))
		return
	}
	metrics.SetQueueDepth(st.Pending, st.Sent, st.Failed)
}

func firstFailure(r delivery.Report) error {
	if len(r.Failures) == 0 {
		return nil
	}
	return r.Failures[0]
}
