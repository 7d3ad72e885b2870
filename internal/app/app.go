package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"quietbot/internal/config"
	"quietbot/internal/delivery"
	"quietbot/internal/eventbus"
	"quietbot/internal/metrics"
	"quietbot/internal/notifier"
	"quietbot/internal/observability/ops"
	"quietbot/internal/quiethours"
	"quietbot/internal/redelivery"
	"quietbot/internal/runtime/supervisor"
	"quietbot/internal/storage"
	"quietbot/internal/task/scheduler"
	"quietbot/internal/transport"
	telegram "quietbot/internal/transport/telegram/adapter"
	"quietbot/internal/transport/telegram/router"
	"quietbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	adapter *telegram.Adapter
	quiet   *quiethours.Evaluator
	sender  *delivery.Client
	notif   *notifier.Dispatcher
	proc    *redelivery.Processor
	sched   *scheduler.Service
	ops     *ops.Service

	// cmdm is nil unless telegram.commands is on.
	cmdm    *router.Manager
	updates chan transport.Update

	// redeliveryOn is only touched by Start and the reload loop.
	redeliveryOn bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}

	a.quiet = quiethours.New(mapQuietHoursConfig(cfg), quiethours.WithLogger(log.With(logx.String("comp", "quiethours"))))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.adapter, err = telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout(cfg),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.sender = delivery.New(a.adapter, dcfg, log.With(logx.String("comp", "delivery")))

	a.notif = notifier.New(a.quiet, a.store, a.sender,
		notifier.WithBus(a.bus),
		notifier.WithLogger(log.With(logx.String("comp", "notifier"))),
	)
	a.notif.SetAdmins(cfg.Telegram.AdminIDs)

	rcfg, enabled, err := mapRedeliveryConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.redeliveryOn = enabled
	a.proc = redelivery.New(a.store, a.quiet, a.sender, rcfg,
		redelivery.WithBus(a.bus),
		redelivery.WithLogger(log.With(logx.String("comp", "redelivery"))),
	)

	// jobs fire in the quiet-hours zone so reap_at reads the same way as
	// the quiet window
	a.sched = scheduler.New(scheduler.Config{Timezone: a.quiet.Location().String()}, log.With(logx.String("comp", "scheduler")))
	a.sched.OnRun(func(name string, took time.Duration, _ error) {
		metrics.RecordCycle(name, took)
	})

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.ops = ops.New(opsCfg, a.store, log.With(logx.String("comp", "ops")))

	if cfg.Telegram.Commands {
		a.cmdm = router.NewManager(log.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs)
		a.updates = make(chan transport.Update, 64)
	}
	return a, nil
}

// Notifier is the inbound API: every admin notification goes through it.
func (a *App) Notifier() *notifier.Dispatcher { return a.notif }

// Processor exposes the redelivery processor for manual cycles.
func (a *App) Processor() *redelivery.Processor { return a.proc }

// Done is closed when the app's run context ends, either through Stop or
// because a supervised task failed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "app"))), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	redeliveryOn := a.redeliveryOn
	if redeliveryOn {
		if err := a.proc.Register(a.sched); err != nil {
			return err
		}
	} else {
		a.log.Info("redelivery disabled via config")
	}
	a.sched.Start(runCtx)
	a.ops.Start(runCtx)

	if a.cmdm != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.cmdm.SetCommands(runCtx, router.OpsCommands(router.Services{
			Quiet:     a.quiet,
			Queue:     a.store,
			Redeliver: a.proc,
			History:   a.notif.History(),
		}))
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts: only the latest config matters
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Bool("redelivery", redeliveryOn),
		logx.Bool("commands", a.cmdm != nil),
		logx.String("timezone", a.quiet.Location().String()),
	)
	return nil
}

// reload fans a committed config out to the running components.
func (a *App) reload(ctx context.Context, old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram":
			if old != nil && (old.Telegram.Token != cfg.Telegram.Token || old.Telegram.Commands != cfg.Telegram.Commands || old.Telegram.PollTimeout != cfg.Telegram.PollTimeout) {
				a.log.Warn("telegram token, commands or poll timeout changed; restart required")
			}
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	for _, ce := range a.quiet.Apply(mapQuietHoursConfig(cfg)) {
		a.log.Debug("quiet hours fallback", logx.Err(ce))
	}
	a.sched.Apply(scheduler.Config{Timezone: a.quiet.Location().String()})

	if dcfg, err := mapDeliveryConfig(cfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.sender.Apply(dcfg)
	}

	a.notif.SetAdmins(cfg.Telegram.AdminIDs)
	if a.cmdm != nil {
		a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	}

	if rcfg, enabled, err := mapRedeliveryConfig(cfg); err != nil {
		a.log.Warn("invalid redelivery config; keeping previous", logx.Err(err))
	} else {
		if !enabled && a.redeliveryOn {
			a.proc.Unregister()
			a.log.Info("redelivery disabled via config")
		}
		if err := a.proc.Apply(rcfg); err != nil {
			a.log.Warn("redelivery reschedule failed", logx.Err(err))
		}
		if enabled && !a.redeliveryOn {
			if err := a.proc.Register(a.sched); err != nil {
				a.log.Warn("redelivery enable failed", logx.Err(err))
				enabled = false
			} else {
				a.log.Info("redelivery enabled via config")
			}
		}
		a.redeliveryOn = enabled
	}

	if ocfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel first so background loops start unwinding immediately
	a.sup.Cancel()

	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// the scheduler waits for an in-flight redelivery cycle
	a.step(ctx, "scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Bool("error", err != nil),
			)
		}()
	}
}
