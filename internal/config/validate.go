package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	logx "rockmundo/pkg/logx"
)

// Validate checks the parts of cfg that are not validated by the component
// that consumes them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if logx.ParseLevel(lv, zerolog.NoLevel) == zerolog.NoLevel {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported driver %q (want sqlite|file)", cfg.Storage.Driver))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Storage.HistoryKeep < 0 {
		errs = append(errs, errors.New("storage.history_keep must be >= 0"))
	}

	switch cfg.Scheduler.RescheduleFrom {
	case "", "dispatch", "run_at":
	default:
		errs = append(errs, fmt.Errorf("scheduler.reschedule_from: %q (want dispatch|run_at)", cfg.Scheduler.RescheduleFrom))
	}
	if _, err := ParseDurationField("scheduler.handler_timeout", cfg.Scheduler.HandlerTimeout); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Scheduler.Trigger) == "" {
		errs = append(errs, errors.New("scheduler.trigger is required when scheduler.enabled"))
	}

	g := cfg.Game
	if g.FanDecay.Rate < 0 || g.FanDecay.Rate > 1 {
		errs = append(errs, errors.New("game.fan_decay.rate must be within [0, 1]"))
	}
	if g.FanDecay.Floor < 0 {
		errs = append(errs, errors.New("game.fan_decay.floor must be >= 0"))
	}
	if g.SkillDecay.Amount < 0 || g.SkillDecay.IdleDays < 0 {
		errs = append(errs, errors.New("game.skill_decay amount and idle_days must be >= 0"))
	}
	if g.Charts.Limit < 0 {
		errs = append(errs, errors.New("game.charts.limit must be >= 0"))
	}
	return errors.Join(errs...)
}
