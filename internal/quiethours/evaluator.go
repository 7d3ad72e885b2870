package quiethours

import (
	"sync"
	"sync/atomic"
	"time"

	"quietbot/pkg/logx"
)

// Evaluator answers quiet-hours questions against the current Rules.
// It is safe for concurrent use; Apply swaps the snapshot atomically.
type Evaluator struct {
	rules atomic.Pointer[Rules]
	clock Clock
	log   logx.Logger

	mu       sync.Mutex
	reported map[string]struct{}
}

type Option func(*Evaluator)

func WithClock(c Clock) Option {
	return func(e *Evaluator) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(e *Evaluator) { e.log = log }
}

func New(cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		clock:    SystemClock{},
		reported: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.Apply(cfg)
	return e
}

// Apply parses cfg and makes it current. Problems are logged once per
// distinct message for the lifetime of the Evaluator and returned.
func (e *Evaluator) Apply(cfg Config) []*ConfigError {
	r, problems := Parse(cfg)
	e.rules.Store(&r)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range problems {
		key := p.Error()
		if _, seen := e.reported[key]; seen {
			continue
		}
		e.reported[key] = struct{}{}
		e.log.Warn("quiet hours setting ignored",
			logx.String("field", p.Field),
			logx.String("value", p.Value),
			logx.String("fallback", p.Fallback),
			logx.Err(p.Err),
		)
	}
	return problems
}

// Rules returns the current snapshot.
func (e *Evaluator) Rules() Rules {
	if r := e.rules.Load(); r != nil {
		return *r
	}
	return Rules{}
}

func (e *Evaluator) Now() time.Time { return e.clock.Now() }

func (e *Evaluator) IsMuted(now time.Time) bool { return e.Rules().IsMuted(now) }

func (e *Evaluator) IsEmergency(text, hint string) bool {
	return e.Rules().IsEmergency(text, hint)
}

func (e *Evaluator) NextActiveTime(now time.Time) time.Time {
	return e.Rules().NextActiveTime(now)
}

// Location is the configured timezone, UTC until one is applied.
func (e *Evaluator) Location() *time.Location { return e.Rules().location() }

// Status is a human-oriented view of the rules at a point in time.
type Status struct {
	Enabled        bool
	Muted          bool
	Window         string
	Timezone       string
	Local          time.Time
	NextActive     time.Time
	AllowEmergency bool
	Keywords       []string
}

func (e *Evaluator) Status(now time.Time) Status {
	r := e.Rules()
	return Status{
		Enabled:        r.Enabled,
		Muted:          r.IsMuted(now),
		Window:         r.Start.String() + "-" + r.End.String(),
		Timezone:       r.location().String(),
		Local:          now.In(r.location()),
		NextActive:     r.NextActiveTime(now),
		AllowEmergency: r.AllowEmergency,
		Keywords:       append([]string(nil), r.Keywords...),
	}
}
