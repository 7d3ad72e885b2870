package redelivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietbot/internal/delivery"
	"quietbot/internal/eventbus"
	"quietbot/internal/quiethours"
	"quietbot/internal/storage"
	"quietbot/internal/task/scheduler"
	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	calls int
	fail  map[int64]bool
}

func (f *fakeSender) SendAll(ctx context.Context, recipients []int64, text string, _ transport.SendOptions) delivery.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	rep := delivery.Report{Attempted: len(recipients)}
	for _, r := range recipients {
		if ctx.Err() != nil {
			rep.Failures = append(rep.Failures, &delivery.Error{Recipient: r, Err: ctx.Err()})
			continue
		}
		if f.fail[r] {
			rep.Failures = append(rep.Failures, &delivery.Error{Recipient: r, Err: errors.New("bot was blocked")})
			continue
		}
		rep.Succeeded++
	}
	return rep
}

type fixture struct {
	clock  *testClock
	store  storage.Store
	sender *fakeSender
	proc   *Processor
	bus    *eventbus.MemBus
}

// start is 2024-03-15 06:00 UTC, 09:00 in Moscow.
var start = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &testClock{now: start}
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory", Now: clock.Now}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rules := quiethours.New(quiethours.Config{
		Enabled:             true,
		Timezone:            "Europe/Moscow",
		MorningDeliveryTime: "09:00",
	}, quiethours.WithClock(clock))

	f := &fixture{clock: clock, store: st, sender: &fakeSender{fail: map[int64]bool{}}, bus: eventbus.New()}
	f.proc = New(st, rules, f.sender, cfg, WithBus(f.bus))
	return f
}

func (f *fixture) enqueue(t *testing.T, text string, recipients ...int64) string {
	t.Helper()
	id, err := f.store.Enqueue(context.Background(), storage.Notification{
		Text:         text,
		Recipients:   recipients,
		ScheduledFor: f.clock.Now(),
	})
	require.NoError(t, err)
	return id
}

func TestRetriesUntilPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxRetries: 3})
	f.sender.fail[1] = true
	id := f.enqueue(t, "payment received", 1)
	ctx := context.Background()

	for cycle := 1; cycle <= 2; cycle++ {
		rep, err := f.proc.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Rescheduled, "cycle %d", cycle)

		n, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusPending, n.Status)
		assert.Equal(t, cycle, n.RetryCount)
		assert.True(t, n.ScheduledFor.After(f.clock.Now()))

		f.clock.Set(n.ScheduledFor)
	}

	rep, err := f.proc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	n, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, n.Status)

	f.clock.Set(f.clock.Now().Add(72 * time.Hour))
	rep, err = f.proc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
	assert.Equal(t, 3, f.sender.calls)
}

func TestRescheduleTargetsNextMorning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.sender.fail[1] = true
	id := f.enqueue(t, "x", 1)

	_, err := f.proc.PollOnce(context.Background())
	require.NoError(t, err)

	n, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	// 09:00 Moscow has just passed, so the next morning is tomorrow
	assert.Equal(t, start.Add(24*time.Hour), n.ScheduledFor.UTC())
}

func TestAnySuccessfulRecipientMarksSent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Marker: DefaultMarker})
	f.sender.fail[2] = true
	id := f.enqueue(t, "hello", 1, 2)

	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	rep, err := f.proc.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Fetched: 1, Sent: 1, Took: rep.Took}, rep)

	n, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, n.Status)

	require.Len(t, f.sender.texts, 1)
	assert.Equal(t, "(🔔 Отложенное с 09:00)\n\nhello", f.sender.texts[0])

	ev := <-events
	assert.Equal(t, eventbus.DeferredSent, ev.Type)
	assert.Equal(t, 1, ev.Data.(eventbus.Redelivery).Delivered)
}

func TestBatchSizeLimitsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{BatchSize: 2})
	for i := 0; i < 5; i++ {
		f.enqueue(t, "x", 1)
	}
	rep, err := f.proc.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fetched)
	assert.Equal(t, 2, rep.Sent)

	st, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Pending)
}

type brokenStore struct {
	storage.Store
	err error
}

func (b brokenStore) MarkSent(context.Context, string) error { return b.err }

func TestStorageErrorEndsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.enqueue(t, "a", 1)
	f.enqueue(t, "b", 1)

	boom := errors.New("database is locked")
	rules := quiethours.New(quiethours.Config{Timezone: "UTC"}, quiethours.WithClock(f.clock))
	proc := New(brokenStore{Store: f.store, err: boom}, rules, f.sender, Config{})

	rep, err := proc.PollOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, rep.Fetched)
	assert.Zero(t, rep.Sent)
	assert.Equal(t, 1, f.sender.calls)
}

func TestCancelledCycleDoesNotCountRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	id := f.enqueue(t, "x", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.proc.attempt(ctx, f.proc.Config(), mustGet(t, f.store, id))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)

	n := mustGet(t, f.store, id)
	assert.Zero(t, n.RetryCount)
	assert.Equal(t, storage.StatusPending, n.Status)
}

func TestReapNeverDeletesPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{RetentionDays: 30})
	ctx := context.Background()
	sent := f.enqueue(t, "old sent", 1)
	pending := f.enqueue(t, "old pending", 1)
	require.NoError(t, f.store.MarkSent(ctx, sent))
	require.NoError(t, f.store.Reschedule(ctx, pending, start.Add(24*time.Hour), 1))

	f.clock.Set(start.AddDate(0, 0, 29))
	n, err := f.proc.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(start.AddDate(0, 0, 31))
	n, err = f.proc.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, sent)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, storage.StatusPending, mustGet(t, f.store, pending).Status)
}

func TestRedeliverIgnoresSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Marker: ""})
	ctx := context.Background()
	id, err := f.store.Enqueue(ctx, storage.Notification{
		Text:         "later",
		Recipients:   []int64{1},
		ScheduledFor: start.Add(12 * time.Hour),
	})
	require.NoError(t, err)

	out, err := f.proc.Redeliver(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, []string{"later"}, f.sender.texts)

	_, err = f.proc.Redeliver(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotPending)

	_, err = f.proc.Redeliver(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApplyMarker(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 1, 7, 5, 0, 0, time.UTC)
	tests := []struct {
		name, tmpl, text, want string
	}{
		{name: "default", tmpl: DefaultMarker, text: "hi", want: "(🔔 Отложенное с 07:05)\n\nhi"},
		{name: "already marked", tmpl: DefaultMarker, text: "(🔔 Отложенное с 06:00)\n\nhi", want: "(🔔 Отложенное с 06:00)\n\nhi"},
		{name: "disabled", tmpl: "", text: "hi", want: "hi"},
		{name: "custom", tmpl: "[late {time}]", text: "hi", want: "[late 07:05]\n\nhi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, applyMarker(tt.tmpl, tt.text, at))
		})
	}
}

type fakeScheduler struct {
	mu       sync.Mutex
	interval map[string]time.Duration
	daily    map[string]string
	removed  []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{interval: map[string]time.Duration{}, daily: map[string]string{}}
}

func (s *fakeScheduler) AddInterval(name string, every, _ time.Duration, _ scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval[name] = every
	return nil
}

func (s *fakeScheduler) AddDaily(name, at string, _ time.Duration, _ scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[name] = at
	return nil
}

func (s *fakeScheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, name)
	return true
}

func TestRegisterFollowsConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	s := newFakeScheduler()
	require.NoError(t, f.proc.Register(s))
	assert.Equal(t, DefaultPollInterval, s.interval[PollJob])
	assert.Equal(t, DefaultReapAt, s.daily[ReapJob])

	require.NoError(t, f.proc.Apply(Config{PollInterval: 30 * time.Second, ReapAt: "04:30"}))
	assert.Equal(t, 30*time.Second, s.interval[PollJob])
	assert.Equal(t, "04:30", s.daily[ReapJob])

	f.proc.Unregister()
	assert.ElementsMatch(t, []string{PollJob, ReapJob}, s.removed)
}

func mustGet(t *testing.T, st storage.Store, id string) storage.Notification {
	t.Helper()
	n, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return n
}
