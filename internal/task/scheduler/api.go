package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"quietbot/pkg/logx"
)

// AddInterval runs job every interval. The first tick gets a small random
// spread. Registering an existing name replaces it.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every < time.Second {
		return fmt.Errorf("interval %s for %q is below 1s", every, name)
	}
	return s.add(scheduleDef{
		name:    name,
		kind:    kindInterval,
		every:   every,
		spec:    "@every " + every.String(),
		timeout: timeout,
		job:     job,
	})
}

// AddDaily runs job once a day at atHHMM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.add(scheduleDef{
		name:    name,
		kind:    kindDaily,
		at:      fmt.Sprintf("%02d:%02d", h, m),
		spec:    fmt.Sprintf("%d %d * * *", m, h),
		timeout: timeout,
		job:     job,
	})
}

func (s *Service) add(d scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return fmt.Errorf("job %q is nil", d.name)
	}
	d.state = &runState{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	nd := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(nd); err != nil {
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", nd.name),
		logx.String("spec", nd.spec),
		logx.Duration("timeout", nd.timeout),
		logx.Duration("spread", nd.spread),
	)
	return nil
}

// Remove unschedules name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(s.runner(d.name, d.timeout, d.job, d.state))
	if d.kind == kindInterval {
		sched, spread := intervalWithSpread(d.every, time.Now().In(s.loc), d.name)
		d.spread = spread
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

func (s *Service) runner(name string, timeout time.Duration, job Job, st *runState) func() {
	return func() {
		s.rmu.RLock()
		base, hook := s.base, s.onRun
		s.rmu.RUnlock()
		if base == nil {
			base = context.Background()
		}

		ctx := base
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(base, timeout)
			defer cancel()
		}

		st.running.Store(true)
		defer st.running.Store(false)

		start := time.Now()
		err := job(ctx)
		took := time.Since(start)

		st.runs.Add(1)
		st.mu.Lock()
		st.last, st.lastTook, st.lastErr = start, took, ""
		if err != nil {
			st.lastErr = err.Error()
		}
		st.mu.Unlock()

		if err != nil {
			st.failures.Add(1)
			s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job done", logx.String("name", name), logx.Duration("took", took))
		}
		if hook != nil {
			hook(name, took, err)
		}
	}
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Running:  d.state.running.Load(),
			Runs:     d.state.runs.Load(),
			Failures: d.state.failures.Load(),
		}
		d.state.mu.Lock()
		info.LastTook, info.LastErr = d.state.lastTook, d.state.lastErr
		d.state.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
