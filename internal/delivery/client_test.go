package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fail  map[int64]error
	panic map[int64]bool
	sent  []int64
	opts  []transport.SendOptions
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic[to.ChatID] {
		panic("boom")
	}
	if err := f.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.sent = append(f.sent, to.ChatID)
	f.opts = append(f.opts, *opt)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, SendTimeout: time.Second}
}

func TestSendAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	errDown := errors.New("chat not found")
	s := &fakeSender{fail: map[int64]error{2: errDown}, panic: map[int64]bool{3: true}}
	c := New(s, fastConfig(), logx.Nop())

	opts := transport.SendOptions{ParseMode: transport.ParseModeHTML}
	rep := c.SendAll(context.Background(), []int64{1, 2, 3, 4}, "hello", opts)

	assert.Equal(t, 4, rep.Attempted)
	assert.Equal(t, 2, rep.Succeeded)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, int64(2), rep.Failures[0].Recipient)
	assert.ErrorIs(t, rep.Failures[0], errDown)
	assert.Equal(t, int64(3), rep.Failures[1].Recipient)
	assert.ErrorIs(t, rep.Failures[1], ErrPanic)
	assert.Equal(t, []int64{1, 4}, s.sent)
	assert.Equal(t, opts, s.opts[0])
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	s := &fakeSender{fail: map[int64]error{1: errors.New("timeout")}}
	cfg := fastConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, MaxFailures: 2, OpenTimeout: time.Hour}
	c := New(s, cfg, logx.Nop())

	ctx := context.Background()
	require.Error(t, c.Send(ctx, 1, "x", transport.SendOptions{}))
	require.Error(t, c.Send(ctx, 1, "x", transport.SendOptions{}))

	err := c.Send(ctx, 5, "x", transport.SendOptions{})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Empty(t, s.sent, "open breaker fails fast")

	// new breaker settings reset the state
	cfg.Breaker.MaxFailures = 3
	c.Apply(cfg)
	require.NoError(t, c.Send(ctx, 5, "x", transport.SendOptions{}))
}

func TestBreakerIgnoresUnavailableRecipients(t *testing.T) {
	t.Parallel()

	blocked := fmt.Errorf("%w: bot was blocked by the user", transport.ErrRecipientUnavailable)
	s := &fakeSender{fail: map[int64]error{1: blocked, 2: blocked, 3: blocked}}
	cfg := fastConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, MaxFailures: 2, OpenTimeout: time.Hour}
	c := New(s, cfg, logx.Nop())

	rep := c.SendAll(context.Background(), []int64{1, 2, 3, 4}, "x", transport.SendOptions{})
	assert.Equal(t, 1, rep.Succeeded)
	require.Len(t, rep.Failures, 3)
	for _, f := range rep.Failures {
		assert.ErrorIs(t, f, transport.ErrRecipientUnavailable)
		assert.NotErrorIs(t, f, gobreaker.ErrOpenState)
	}
	assert.Equal(t, []int64{4}, s.sent)
}

func TestSendHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	c := New(&fakeSender{}, Config{RatePerSec: 1, SendTimeout: time.Second}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Send(ctx, 1, "x", transport.SendOptions{})
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, int64(1), de.Recipient)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	assert.Equal(t, 20, c.RatePerSec)
	assert.Equal(t, 10*time.Second, c.SendTimeout)
	assert.Equal(t, 5, c.Breaker.MaxFailures)
	assert.Equal(t, 30*time.Second, c.Breaker.OpenTimeout)
}
