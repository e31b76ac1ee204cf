package config

import (
	"strings"

	logx "rockmundo/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// structured attrs describing the new values, for a single reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is only read at startup; surface the change so operators know a restart is needed.
	if !sameStorage(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.Bool("storage.restart_required", true),
		)
	}

	prev, ns := oldCfg.Scheduler, newCfg.Scheduler
	if prev != ns {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", ns.Enabled),
			logx.String("scheduler.trigger", strings.TrimSpace(ns.Trigger)),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
			logx.String("scheduler.reschedule_from", ns.RescheduleFrom),
			logx.Bool("scheduler.report_unknown", ns.ReportUnknown),
		)
	}

	if oldCfg.Game != newCfg.Game {
		changed = append(changed, "game")
		attrs = append(attrs,
			logx.Float64("game.fan_decay.rate", newCfg.Game.FanDecay.Rate),
			logx.Int("game.skill_decay.idle_days", newCfg.Game.SkillDecay.IdleDays),
			logx.Int("game.charts.limit", newCfg.Game.Charts.Limit),
		)
	}

	return changed, attrs
}

func sameStorage(a, b StorageConfig) bool {
	return strings.EqualFold(strings.TrimSpace(a.Driver), strings.TrimSpace(b.Driver)) &&
		strings.TrimSpace(a.Path) == strings.TrimSpace(b.Path) &&
		strings.TrimSpace(a.BusyTimeout) == strings.TrimSpace(b.BusyTimeout) &&
		a.HistoryKeep == b.HistoryKeep
}
