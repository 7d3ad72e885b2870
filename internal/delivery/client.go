// Package delivery sends notification text to recipients through a
// transport.Sender with rate limiting, a circuit breaker and per-send
// timeouts. Failures are isolated per recipient.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"quietbot/internal/metrics"
	"quietbot/internal/transport"
	"quietbot/pkg/logx"
)

// Config tunes the send path.
//
// Defaults (when zero): RatePerSec 20, SendTimeout 10s, breaker
// MaxFailures 5 and OpenTimeout 30s.
type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
	Breaker     BreakerConfig
}

type BreakerConfig struct {
	Enabled     bool
	MaxFailures int
	OpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	return c
}

// Error is a failed delivery to one recipient.
type Error struct {
	Recipient int64
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.Recipient, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrPanic wraps a panic raised by the transport.
var ErrPanic = errors.New("transport panicked")

// Report summarizes one fan-out.
type Report struct {
	Attempted int
	Succeeded int
	Failures  []*Error
}

// Client is safe for concurrent use.
type Client struct {
	sender transport.Sender
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config
	lim *rate.Limiter
	cb  *gobreaker.CircuitBreaker[transport.MessageRef]
}

func New(sender transport.Sender, cfg Config, log logx.Logger) *Client {
	c := &Client{sender: sender, log: log}
	c.Apply(cfg)
	return c
}

// Apply swaps limits at runtime. The breaker is rebuilt, and its counts
// reset, only when breaker settings change.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lim == nil {
		c.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		c.lim.SetLimit(rate.Limit(cfg.RatePerSec))
		c.lim.SetBurst(cfg.RatePerSec)
	}

	if cfg.Breaker != c.cfg.Breaker || (cfg.Breaker.Enabled && c.cb == nil) {
		c.cb = nil
		if cfg.Breaker.Enabled {
			c.cb = c.newBreaker(cfg.Breaker)
		}
		metrics.SetBreakerOpen(false)
	}
	c.cfg = cfg
}

func (c *Client) newBreaker(bc BreakerConfig) *gobreaker.CircuitBreaker[transport.MessageRef] {
	maxFailures := uint32(bc.MaxFailures)
	return gobreaker.NewCircuitBreaker[transport.MessageRef](gobreaker.Settings{
		Name:        "delivery",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// shutdown and recipient-side refusals are not transport failures
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, transport.ErrRecipientUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
			c.log.Warn("delivery breaker state changed",
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
}

// Send delivers text to one recipient. The error, if any, is an *Error.
func (c *Client) Send(ctx context.Context, recipient int64, text string, opts transport.SendOptions) error {
	c.mu.RLock()
	lim, cb, timeout := c.lim, c.cb, c.cfg.SendTimeout
	c.mu.RUnlock()

	if err := lim.Wait(ctx); err != nil {
		return &Error{Recipient: recipient, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	send := func() (transport.MessageRef, error) {
		return c.safeSend(callCtx, recipient, text, opts)
	}

	start := time.Now()
	var err error
	if cb != nil {
		_, err = cb.Execute(send)
	} else {
		_, err = send()
	}
	metrics.RecordDelivery(err == nil, time.Since(start))
	if err != nil {
		return &Error{Recipient: recipient, Err: err}
	}
	return nil
}

func (c *Client) safeSend(ctx context.Context, recipient int64, text string, opts transport.SendOptions) (ref transport.MessageRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transport panic", logx.Int64("recipient", recipient), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	o := opts
	return c.sender.SendText(ctx, transport.ChatTarget{ChatID: recipient}, text, &o)
}

// SendAll delivers text to every recipient in order. One recipient's
// failure never stops the others.
func (c *Client) SendAll(ctx context.Context, recipients []int64, text string, opts transport.SendOptions) Report {
	rep := Report{Attempted: len(recipients)}
	for _, r := range recipients {
		if err := c.Send(ctx, r, text, opts); err != nil {
			var de *Error
			if !errors.As(err, &de) {
				de = &Error{Recipient: r, Err: err}
			}
			rep.Failures = append(rep.Failures, de)
			c.log.Warn("delivery failed", logx.Int64("recipient", r), logx.Err(de.Err))
			continue
		}
		rep.Succeeded++
	}
	return rep
}
