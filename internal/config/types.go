package config

// Config is the root of rockmundo.yaml / rockmundo.json.
//
// Durations are Go duration strings ("500ms", "30s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Game      GameConfig      `json:"game"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/rockmundo.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	HistoryKeep int    `json:"history_keep,omitempty"`
}

// SchedulerConfig controls dispatch and the in-process trigger.
type SchedulerConfig struct {
	// Enabled turns on the trigger in `serve`. One-shot commands ignore it.
	Enabled bool `json:"enabled"`
	// Trigger is a cron spec, "@every 1m", a Go duration or an HH:MM interval.
	Trigger    string `json:"trigger"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`

	// RescheduleFrom is "dispatch" (next = now + interval) or "run_at"
	// (next = previous run_at + k*interval, the first one after now).
	RescheduleFrom string `json:"reschedule_from,omitempty"`
	// ReportUnknown records tasks without a handler as errors instead of skipping them silently.
	ReportUnknown  bool   `json:"report_unknown,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`

	// Seed creates the default recurring game tasks when missing.
	Seed bool `json:"seed,omitempty"`
}

type GameConfig struct {
	FanDecay   FanDecayConfig   `json:"fan_decay"`
	SkillDecay SkillDecayConfig `json:"skill_decay"`
	Charts     ChartsConfig     `json:"charts"`
}

type FanDecayConfig struct {
	Rate  float64 `json:"rate"`
	Floor float64 `json:"floor"`
}

type SkillDecayConfig struct {
	Amount   int `json:"amount"`
	IdleDays int `json:"idle_days"`
}

type ChartsConfig struct {
	Limit int `json:"limit"`
}

// Default is used when no config file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/rockmundo.db", BusyTimeout: "1s", HistoryKeep: 500},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			Trigger:        "@every 1m",
			Timezone:       "UTC",
			RunOnStart:     true,
			RescheduleFrom: "dispatch",
			HandlerTimeout: "30s",
			Seed:           true,
		},
		Game: GameConfig{
			FanDecay:   FanDecayConfig{Rate: 0.02},
			SkillDecay: SkillDecayConfig{Amount: 1, IdleDays: 7},
			Charts:     ChartsConfig{Limit: 20},
		},
	}
}
