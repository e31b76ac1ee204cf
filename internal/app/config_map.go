package app

import (
	"time"

	"rockmundo/internal/game"
	"rockmundo/internal/task/dispatcher"
	"rockmundo/internal/task/trigger"
	logx "rockmundo/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTriggerConfig(cfg *Config) trigger.Config {
	return trigger.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Spec:       cfg.Scheduler.Trigger,
		Timezone:   cfg.Scheduler.Timezone,
		RunOnStart: cfg.Scheduler.RunOnStart,
	}
}

// mapDispatcherOptions covers the settings fixed at startup; a reload
// does not rebuild the dispatcher.
func mapDispatcherOptions(cfg *Config) ([]dispatcher.Option, error) {
	from, err := dispatcher.ParseRescheduleFrom(cfg.Scheduler.RescheduleFrom)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDurationOrDefault("scheduler.handler_timeout", cfg.Scheduler.HandlerTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return []dispatcher.Option{
		dispatcher.WithRescheduleFrom(from),
		dispatcher.WithReportUnknown(cfg.Scheduler.ReportUnknown),
		dispatcher.WithHandlerTimeout(timeout),
	}, nil
}

func mapGameConfig(cfg *Config) game.Config {
	g := cfg.Game
	return game.Config{
		FanDecay:   game.FanDecayConfig{Rate: g.FanDecay.Rate, Floor: g.FanDecay.Floor},
		SkillDecay: game.SkillDecayConfig{Amount: g.SkillDecay.Amount, IdleDays: g.SkillDecay.IdleDays},
		Charts:     game.ChartsConfig{Limit: g.Charts.Limit},
	}
}
