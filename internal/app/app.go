package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"rockmundo/internal/config"
	"rockmundo/internal/eventbus"
	"rockmundo/internal/game"
	"rockmundo/internal/storage"
	"rockmundo/internal/task/dispatcher"
	"rockmundo/internal/task/history"
	"rockmundo/internal/task/registry"
	"rockmundo/internal/task/scheduler"
	"rockmundo/internal/task/trigger"
	logx "rockmundo/pkg/logx"
)

type App struct {
	cfgPath string
	opts    options

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	repo  game.Repository

	disp  *dispatcher.Dispatcher
	sched *scheduler.Service
	hist  *history.Recorder
	trig  *trigger.Trigger
}

type options struct {
	watchConfig bool
	consoleOut  io.Writer
	clock       func() time.Time
}

type Option func(*options)

// WithConfigWatch toggles hot reload of the config file in Start.
func WithConfigWatch(enabled bool) Option {
	return func(o *options) { o.watchConfig = enabled }
}

// WithConsoleOut redirects console logs, e.g. to stderr for commands that print JSON.
func WithConsoleOut(w io.Writer) Option {
	return func(o *options) { o.consoleOut = w }
}

// WithClock overrides the time source of the dispatcher, scheduler and game jobs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New loads the config and wires every component. An empty cfgPath runs
// on config.Default().
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{watchConfig: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	var cfg *Config
	if strings.TrimSpace(cfgPath) == "" {
		cfg = config.Default()
		cfgm.Commit(cfg)
	} else {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logCfg := mapLogConfig(cfg)
	logCfg.ConsoleOut = o.consoleOut
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(stCfg, logSvc.Logger())
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		opts:    o,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
	}
	if err := a.wire(cfg); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *Config) error {
	root := a.logs.Logger()

	// Game tables live next to the task table when the store is sqlite.
	if p, ok := a.store.(storage.SQLProvider); ok {
		repo, err := game.NewSQLRepository(context.Background(), p.DB())
		if err != nil {
			return fmt.Errorf("game repository: %w", err)
		}
		a.repo = repo
	} else {
		a.log.Warn("storage driver has no SQL handle; game state is kept in memory",
			logx.String("driver", cfg.Storage.Driver))
		a.repo = game.NewMemoryRepository()
	}

	jobs := game.NewJobs(a.repo, mapGameConfig(cfg), root, a.opts.clock)
	reg := registry.New(jobs.Handlers())

	dopts, err := mapDispatcherOptions(cfg)
	if err != nil {
		return err
	}
	a.hist = history.New(a.store, root)
	dopts = append(dopts,
		dispatcher.WithBus(a.bus),
		dispatcher.WithRecorder(a.hist),
		dispatcher.WithLogger(root),
		dispatcher.WithClock(a.opts.clock),
	)
	a.disp = dispatcher.New(a.store, reg, dopts...)

	a.sched = scheduler.New(a.store, a.disp,
		scheduler.WithBus(a.bus),
		scheduler.WithLogger(root),
		scheduler.WithClock(a.opts.clock),
	)
	a.trig = trigger.New(mapTriggerConfig(cfg), a.disp, root)
	if cfg.Scheduler.Enabled {
		if err := a.trig.Validate(mapTriggerConfig(cfg)); err != nil {
			return fmt.Errorf("scheduler.trigger: %w", err)
		}
	}

	a.log.Debug("app wired",
		logx.String("storage", cfg.Storage.Driver),
		logx.Any("handlers", reg.Names()),
	)
	return nil
}

func (a *App) Config() *Config { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Game() game.Repository { return a.repo }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.disp }
func (a *App) Trigger() *trigger.Trigger { return a.trig }

// Done is closed when a supervised component fails. Valid after Start.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Seed creates the default recurring game tasks that are missing.
func (a *App) Seed(ctx context.Context) ([]int64, error) {
	return a.sched.EnsureRecurring(ctx, game.DefaultSeeds())
}

// RunDue runs every due task once. One-shot commands use it instead of Start.
func (a *App) RunDue(ctx context.Context) (scheduler.RunResponse, error) {
	return a.sched.RunDueTasks(ctx)
}

// Start launches the trigger and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatcherOptions(cfg); err != nil {
			return err
		}
		if cfg.Scheduler.Enabled {
			return a.trig.Validate(mapTriggerConfig(cfg))
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Seed {
		ids, err := a.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seed recurring tasks: %w", err)
		}
		if len(ids) > 0 {
			a.log.Info("recurring tasks seeded", logx.Any("task_ids", ids))
		}
	}

	if err := a.trig.Start(a.sup.Context()); err != nil {
		if !errors.Is(err, trigger.ErrDisabled) {
			return err
		}
		a.log.Info("trigger disabled; run due tasks with `rockmundo run-due`")
	}

	if a.opts.watchConfig && strings.TrimSpace(a.cfgPath) != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			lastApplied := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case newCfg, ok := <-sub:
					if !ok {
						return nil
					}
					// Coalesce bursts: keep only the latest config in the channel.
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
					a.applyConfig(c, lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage", "game":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if prev.Scheduler.RescheduleFrom != next.Scheduler.RescheduleFrom ||
		prev.Scheduler.ReportUnknown != next.Scheduler.ReportUnknown ||
		prev.Scheduler.HandlerTimeout != next.Scheduler.HandlerTimeout {
		a.log.Warn("dispatch settings changed; restart required for changes to take effect")
	}

	logCfg := mapLogConfig(next)
	logCfg.ConsoleOut = a.opts.consoleOut
	a.logs.Apply(logCfg)

	wasEnabled := a.trig.Snapshot().Enabled
	tcfg := mapTriggerConfig(next)
	if err := a.trig.Apply(tcfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else if !wasEnabled && tcfg.Enabled {
		a.log.Info("trigger enabled via config")
		if err := a.trig.Start(ctx); err != nil {
			a.log.Warn("trigger start failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the components down in reverse start order. Each step is
// bounded so a stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("trigger", 5*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	err := a.Close()
	a.sup = nil
	return err
}

// Close releases storage and log files. Start must not be running.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		if cerr := a.logs.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
