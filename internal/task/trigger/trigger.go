// Package trigger fires the dispatcher on a cron-like schedule for
// long-running processes. One-shot CLI invocations call the dispatcher
// directly instead.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rockmundo/internal/task/dispatcher"
	logx "rockmundo/pkg/logx"
)

var ErrDisabled = errors.New("trigger: disabled")

const runWarnThrottle = 5 * time.Minute

// Runner is what a tick invokes.
type Runner interface {
	RunDue(ctx context.Context) (dispatcher.Summary, error)
}

type Config struct {
	Enabled    bool
	Spec       string // see ParseSchedule
	Timezone   string // IANA TZ, e.g. "Europe/Berlin"; empty means UTC
	RunOnStart bool
}

// Snapshot is a point-in-time view of the trigger.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Spec     string    `json:"spec"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     uint64    `json:"runs"`
	Skipped  uint64    `json:"skipped"`
}

type Trigger struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	runner Runner
	parser cron.Parser

	c       *cron.Cron
	entry   cron.EntryID
	loc     *time.Location
	baseCtx context.Context
	wg      sync.WaitGroup

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	smu      sync.Mutex
	lastRun  time.Time
	lastErr  string
	lastWarn time.Time
}

func New(cfg Config, runner Runner, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{
		cfg:    cfg,
		runner: runner,
		log:    log.With(logx.String("comp", "trigger")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks that cfg can be started.
func (t *Trigger) Validate(cfg Config) error {
	_, err := t.schedule(cfg.Spec)
	if err != nil {
		return err
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

// Start registers the schedule and begins ticking. It returns ErrDisabled
// when the trigger is switched off in config.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	if !t.cfg.Enabled {
		return ErrDisabled
	}
	t.baseCtx = ctx
	if err := t.startLocked(); err != nil {
		return err
	}
	if t.cfg.RunOnStart {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.tick()
		}()
	}
	return nil
}

func (t *Trigger) startLocked() error {
	sched, err := t.schedule(t.cfg.Spec)
	if err != nil {
		return err
	}
	loc, err := loadLocation(t.cfg.Timezone)
	if err != nil {
		return err
	}
	t.loc = loc
	t.c = cron.New(cron.WithParser(t.parser), cron.WithLocation(loc))
	t.entry = t.c.Schedule(sched, cron.FuncJob(t.tick))
	t.c.Start()
	t.log.Info("trigger started",
		logx.String("spec", t.cfg.Spec), logx.String("tz", loc.String()),
		logx.Time("next", t.c.Entry(t.entry).Next))
	return nil
}

// Stop halts ticking and waits for an in-flight run, bounded by ctx.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if c != nil {
		t.log.Info("trigger stopped")
	}
}

// Apply swaps the config. A running trigger restarts when the spec,
// timezone or enabled flag change.
func (t *Trigger) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := t.Validate(cfg); err != nil {
			return err
		}
	}

	t.mu.Lock()
	old := t.cfg
	t.cfg = cfg
	if t.c == nil || t.baseCtx == nil {
		t.mu.Unlock()
		return nil
	}
	changed := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Spec) != strings.TrimSpace(cfg.Spec) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !changed {
		t.mu.Unlock()
		return nil
	}
	c := t.c
	t.c = nil
	t.mu.Unlock()

	// Let an in-flight tick finish on the old cron before swapping.
	<-c.Stop().Done()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil || !cfg.Enabled {
		t.log.Info("trigger disabled by config")
		return nil
	}
	return t.startLocked()
}

// Snapshot is safe to call concurrently with ticks.
func (t *Trigger) Snapshot() Snapshot {
	t.mu.Lock()
	snap := Snapshot{Enabled: t.c != nil, Spec: t.cfg.Spec, Timezone: t.cfg.Timezone}
	if t.c != nil {
		snap.Next = t.c.Entry(t.entry).Next
	}
	t.mu.Unlock()

	t.smu.Lock()
	snap.LastRun = t.lastRun
	snap.LastErr = t.lastErr
	t.smu.Unlock()
	snap.Runs = t.runs.Load()
	snap.Skipped = t.skipped.Load()
	return snap
}

func (t *Trigger) tick() {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.log.Debug("trigger tick skipped: previous run in flight")
		return
	}
	defer t.running.Store(false)

	t.mu.Lock()
	ctx := t.baseCtx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	start := time.Now()
	sum, err := t.runner.RunDue(ctx)
	t.runs.Add(1)

	t.smu.Lock()
	t.lastRun = start
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.smu.Unlock()

	if err != nil {
		t.reportRunError(err, sum)
		return
	}
	t.log.Debug("trigger tick done", logx.Int("executed", sum.Executed), logx.Duration("took", time.Since(start)))
}

// reportRunError warns at most once per runWarnThrottle; a broken store
// would otherwise log on every tick.
func (t *Trigger) reportRunError(err error, sum dispatcher.Summary) {
	if errors.Is(err, context.Canceled) {
		return
	}
	now := time.Now()
	t.smu.Lock()
	if !t.lastWarn.IsZero() && now.Sub(t.lastWarn) < runWarnThrottle {
		t.smu.Unlock()
		t.log.Debug("trigger run failed", logx.Err(err))
		return
	}
	t.lastWarn = now
	t.smu.Unlock()
	t.log.Warn("trigger run failed", logx.Err(err), logx.Int("handled", len(sum.Details)))
}

func (t *Trigger) schedule(spec string) (cron.Schedule, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case SpecCron:
		s, err := t.parser.Parse(ps.Cron)
		if err != nil {
			return nil, fmt.Errorf("trigger cron %q: %w", ps.Cron, err)
		}
		return s, nil
	case SpecInterval:
		return cron.Every(ps.Every), nil
	default:
		return nil, fmt.Errorf("unsupported schedule kind")
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
