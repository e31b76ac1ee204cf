package scheduler

import (
	"context"
	"time"

	"rockmundo/internal/storage"
	"rockmundo/internal/task/dispatcher"
)

// Runner runs due tasks; *dispatcher.Dispatcher implements it.
type Runner interface {
	RunDue(ctx context.Context) (dispatcher.Summary, error)
}

// ScheduleRequest mirrors schedule_task's arguments.
type ScheduleRequest struct {
	EventType    string         `json:"event_type"`
	Params       map[string]any `json:"params,omitempty"`
	RunAt        string         `json:"run_at"`
	Recurring    bool           `json:"recurring,omitempty"`
	IntervalDays int            `json:"interval_days,omitempty"`
}

type ScheduleResponse struct {
	Status string `json:"status"`
	TaskID int64  `json:"task_id"`
}

type DeleteResponse struct {
	Status string `json:"status"`
}

type RunResponse struct {
	Status   string              `json:"status"`
	Executed int                 `json:"executed"`
	Details  []dispatcher.Result `json:"details"`
}

// TaskView is the listing form of a task.
type TaskView struct {
	ID           int64          `json:"id"`
	EventType    string         `json:"event_type"`
	Params       map[string]any `json:"params"`
	RunAt        string         `json:"run_at"`
	Recurring    bool           `json:"recurring"`
	IntervalDays *int           `json:"interval_days"`
	LastRun      *string        `json:"last_run"`
}

func viewOf(t storage.Task) TaskView {
	v := TaskView{
		ID:        t.ID,
		EventType: t.EventType,
		Params:    t.Params,
		RunAt:     t.RunAt.UTC().Format(time.RFC3339),
		Recurring: t.Recurring,
	}
	if t.IntervalDays > 0 {
		n := t.IntervalDays
		v.IntervalDays = &n
	}
	if t.HasRun() {
		s := t.LastRun.UTC().Format(time.RFC3339)
		v.LastRun = &s
	}
	return v
}

// Seed is a recurring task that should always exist.
type Seed struct {
	EventType    string
	Params       map[string]any
	IntervalDays int
	// FirstRun computes the first run_at from the bootstrap time.
	// Nil means one interval from now.
	FirstRun func(now time.Time) time.Time
}
