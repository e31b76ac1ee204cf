package game

import (
	"context"
	"fmt"
	"time"

	"rockmundo/internal/task/registry"
	"rockmundo/internal/task/scheduler"
	logx "rockmundo/pkg/logx"
)

// Event types handled by this package.
const (
	EventFanDecay     = "fan_decay"
	EventSkillDecay   = "skill_decay"
	EventWeeklyCharts = "weekly_charts"
)

// Config holds handler defaults; task params override them per run.
type Config struct {
	FanDecay   FanDecayConfig
	SkillDecay SkillDecayConfig
	Charts     ChartsConfig
}

type FanDecayConfig struct {
	Rate  float64
	Floor float64
}

type SkillDecayConfig struct {
	Amount   int
	IdleDays int
}

type ChartsConfig struct {
	Limit int
}

// DefaultConfig is used for any zero field of Config.
func DefaultConfig() Config {
	return Config{
		FanDecay:   FanDecayConfig{Rate: 0.02},
		SkillDecay: SkillDecayConfig{Amount: 1, IdleDays: 7},
		Charts:     ChartsConfig{Limit: 20},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FanDecay.Rate == 0 {
		c.FanDecay.Rate = d.FanDecay.Rate
	}
	if c.SkillDecay.Amount == 0 {
		c.SkillDecay.Amount = d.SkillDecay.Amount
	}
	if c.SkillDecay.IdleDays == 0 {
		c.SkillDecay.IdleDays = d.SkillDecay.IdleDays
	}
	if c.Charts.Limit == 0 {
		c.Charts.Limit = d.Charts.Limit
	}
	return c
}

// Jobs binds the handlers to a repository.
type Jobs struct {
	repo Repository
	cfg  Config
	log  logx.Logger
	now  func() time.Time
}

func NewJobs(repo Repository, cfg Config, log logx.Logger, now func() time.Time) *Jobs {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Jobs{repo: repo, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "game")), now: now}
}

// Handlers returns the registry entries for every game job.
func (j *Jobs) Handlers() map[string]registry.Handler {
	return map[string]registry.Handler{
		EventFanDecay:     j.FanDecay,
		EventSkillDecay:   j.SkillDecay,
		EventWeeklyCharts: j.WeeklyCharts,
	}
}

// FanDecay params: rate (0..1), floor (>= 0).
func (j *Jobs) FanDecay(ctx context.Context, p registry.Params) (any, error) {
	rate, err := p.Float("rate", j.cfg.FanDecay.Rate)
	if err != nil {
		return nil, err
	}
	floor, err := p.Float("floor", j.cfg.FanDecay.Floor)
	if err != nil {
		return nil, err
	}
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("fan_decay: rate %v outside [0, 1]", rate)
	}
	if floor < 0 {
		return nil, fmt.Errorf("fan_decay: floor must be >= 0")
	}
	n, err := j.repo.DecayFanLoyalty(ctx, rate, floor)
	if err != nil {
		return nil, fmt.Errorf("fan_decay: %w", err)
	}
	j.log.Info("fan loyalty decayed", logx.Float64("rate", rate), logx.Int("affected", n))
	return map[string]any{"affected": n}, nil
}

// SkillDecay params: amount (>= 0), idle_days (>= 0).
func (j *Jobs) SkillDecay(ctx context.Context, p registry.Params) (any, error) {
	amount, err := p.Int("amount", j.cfg.SkillDecay.Amount)
	if err != nil {
		return nil, err
	}
	idleDays, err := p.Int("idle_days", j.cfg.SkillDecay.IdleDays)
	if err != nil {
		return nil, err
	}
	if amount < 0 || idleDays < 0 {
		return nil, fmt.Errorf("skill_decay: amount and idle_days must be >= 0")
	}
	cutoff := j.now().UTC().AddDate(0, 0, -idleDays)
	n, err := j.repo.DecayIdleSkills(ctx, amount, cutoff)
	if err != nil {
		return nil, fmt.Errorf("skill_decay: %w", err)
	}
	j.log.Info("idle skills decayed", logx.Int("amount", amount), logx.Int("affected", n))
	return map[string]any{"affected": n}, nil
}

// WeeklyCharts params: week_start (date, default previous week), limit (> 0).
func (j *Jobs) WeeklyCharts(ctx context.Context, p registry.Params) (any, error) {
	week, err := p.Time("week_start", PreviousWeekStart(j.now()))
	if err != nil {
		return nil, err
	}
	week = truncateDay(week)
	limit, err := p.Int("limit", j.cfg.Charts.Limit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("weekly_charts: limit must be > 0")
	}

	entries, err := j.repo.TopSongs(ctx, week, week.AddDate(0, 0, 7), limit)
	if err != nil {
		return nil, fmt.Errorf("weekly_charts: %w", err)
	}
	if err := j.repo.ReplaceChart(ctx, week, entries); err != nil {
		return nil, fmt.Errorf("weekly_charts: %w", err)
	}
	j.log.Info("weekly chart built", logx.Time("week_start", week), logx.Int("entries", len(entries)))
	return map[string]any{"week_start": week.Format(time.DateOnly), "entries": len(entries)}, nil
}

// PreviousWeekStart is Monday 00:00 UTC of the week before the one containing now.
func PreviousWeekStart(now time.Time) time.Time {
	d := truncateDay(now.UTC())
	offset := (int(d.Weekday()) + 6) % 7 // days since Monday
	return d.AddDate(0, 0, -offset-7)
}

// NextWeekStart is the first Monday 00:00 UTC strictly after now.
func NextWeekStart(now time.Time) time.Time {
	return PreviousWeekStart(now).AddDate(0, 0, 14)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DefaultSeeds are the recurring jobs every world needs.
func DefaultSeeds() []scheduler.Seed {
	nextMidnight := func(now time.Time) time.Time { return truncateDay(now).AddDate(0, 0, 1) }
	return []scheduler.Seed{
		{EventType: EventFanDecay, IntervalDays: 1, FirstRun: nextMidnight},
		{EventType: EventSkillDecay, IntervalDays: 1, FirstRun: nextMidnight},
		{EventType: EventWeeklyCharts, IntervalDays: 7, FirstRun: NextWeekStart},
	}
}
