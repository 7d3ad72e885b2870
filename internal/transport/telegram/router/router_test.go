package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietbot/internal/quiethours"
	"quietbot/internal/redelivery"
	"quietbot/internal/storage"
	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

type fakeChat struct {
	mu   sync.Mutex
	sent []string
	got  chan string
}

func newFakeChat() *fakeChat { return &fakeChat{got: make(chan string, 16)} }

func (f *fakeChat) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	f.got <- text
	return transport.MessageRef{}, nil
}

func (f *fakeChat) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.got:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return ""
	}
}

type fakeQueue struct{ st storage.Stats }

func (q fakeQueue) Stats(context.Context) (storage.Stats, error) { return q.st, nil }

type fakeRedeliverer struct{}

func (fakeRedeliverer) Redeliver(_ context.Context, id string) (redelivery.Outcome, error) {
	switch id {
	case "gone":
		return "", &storage.Error{Op: "get", ID: id, Err: storage.ErrNotFound}
	case "done":
		return "", &storage.Error{Op: "redeliver", ID: id, Err: storage.ErrNotPending}
	case "boom":
		return "", errors.New("database is locked")
	}
	return redelivery.OutcomeSent, nil
}

const owner = 42

func startManager(t *testing.T, svc Services) (*fakeChat, chan transport.Update) {
	t.Helper()
	chat := newFakeChat()
	m := NewManager(logx.Nop(), chat, []int64{owner})
	m.SetCommands(context.Background(), OpsCommands(svc))

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 4)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return chat, updates
}

func say(from int64, text string) transport.Update {
	return transport.Update{Message: &transport.Message{ChatID: from, FromID: from, Text: text}}
}

func TestQuietCommand(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 14, 20, 30, 0, 0, time.UTC)
	ev := quiethours.New(quiethours.Config{
		Enabled:           true,
		Timezone:          "Europe/Moscow",
		AllowEmergency:    true,
		EmergencyKeywords: "срочно",
	}, quiethours.WithClock(quiethours.ClockFunc(func() time.Time { return now })))

	chat, updates := startManager(t, Services{Quiet: ev})
	updates <- say(owner, "/quiet@quietbot")

	reply := chat.next(t)
	assert.Contains(t, reply, "22:00-07:00")
	assert.Contains(t, reply, "muted")
	assert.Contains(t, reply, "срочно")
}

func TestDeferredCommand(t *testing.T) {
	t.Parallel()

	chat, updates := startManager(t, Services{Queue: fakeQueue{st: storage.Stats{Pending: 3, Sent: 7, Failed: 1}}})
	updates <- say(owner, "/deferred")
	assert.Contains(t, chat.next(t), "pending 3, sent 7, failed 1")
}

func TestRedeliverCommand(t *testing.T) {
	t.Parallel()

	chat, updates := startManager(t, Services{Redeliver: fakeRedeliverer{}})

	tests := []struct{ in, want string }{
		{in: "/redeliver", want: "usage"},
		{in: "/redeliver abc", want: "sent"},
		{in: "/redeliver gone", want: "no such notification"},
		{in: "/redeliver done", want: "no longer pending"},
		{in: "/redeliver boom", want: "redelivery failed"},
	}
	for _, tt := range tests {
		updates <- say(owner, tt.in)
		assert.Contains(t, chat.next(t), tt.want, tt.in)
	}
}

func TestNonOwnersAreIgnored(t *testing.T) {
	t.Parallel()

	chat, updates := startManager(t, Services{Queue: fakeQueue{}})
	updates <- say(7, "/deferred")
	updates <- say(owner, "/nope")

	require.Equal(t, "unknown command, try /help", chat.next(t))
	updates <- say(owner, "/help")
	help := chat.next(t)
	assert.Contains(t, help, "/deferred")
	assert.Contains(t, help, "/help")
}
