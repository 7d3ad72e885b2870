package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"quietbot/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Moscow"; empty means Local
}

// Job is one run of a scheduled task. ctx carries the job timeout.
type Job func(ctx context.Context) error

type kind int

const (
	kindInterval kind = iota
	kindDaily
)

type scheduleDef struct {
	name    string
	kind    kind
	every   time.Duration
	at      string // HH:MM for daily jobs
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	spread  time.Duration
	state   *runState
}

type runState struct {
	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64

	mu       sync.Mutex
	last     time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c    *cron.Cron
	defs []scheduleDef

	// rmu guards the fields read by running jobs; s.mu can be held while
	// waiting for those jobs to finish.
	rmu sync.RWMutex
	// base is cancelled only when Stop gives up waiting.
	base   context.Context
	cancel context.CancelFunc
	onRun  func(name string, took time.Duration, err error)
}

// ScheduleInfo describes one registered job.
type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Failures uint64
	LastTook time.Duration
	LastErr  string
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
