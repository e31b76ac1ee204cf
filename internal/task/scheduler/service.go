package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rockmundo/internal/eventbus"
	"rockmundo/internal/storage"
	"rockmundo/internal/task/dispatcher"
	logx "rockmundo/pkg/logx"
)

// ErrInvalidTask wraps every validation failure of ScheduleTask.
var ErrInvalidTask = errors.New("invalid task")

// maxIntervalDays keeps AddDate far from overflow; any larger interval
// lands past storage.MaxTime anyway.
const maxIntervalDays = 10000 * 366

type Service struct {
	store  storage.Store
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store storage.Store, runner Runner, opts ...Option) *Service {
	s := &Service{store: store, runner: runner, bus: eventbus.Nop(), log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

// ScheduleTask validates req and persists it. The event type is not
// checked against the handler registry.
func (s *Service) ScheduleTask(ctx context.Context, req ScheduleRequest) (ScheduleResponse, error) {
	nt, err := validate(req)
	if err != nil {
		return ScheduleResponse{}, err
	}
	id, err := s.store.CreateTask(ctx, nt)
	if err != nil {
		return ScheduleResponse{}, fmt.Errorf("schedule task: %w", err)
	}
	s.log.Info("task scheduled",
		logx.Int64("task_id", id), logx.String("event_type", nt.EventType),
		logx.Time("run_at", nt.RunAt), logx.Bool("recurring", nt.Recurring))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskScheduled, Data: id})
	return ScheduleResponse{Status: "scheduled", TaskID: id}, nil
}

func (s *Service) GetScheduledTasks(ctx context.Context) ([]TaskView, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	return out, nil
}

// DeleteTask is idempotent.
func (s *Service) DeleteTask(ctx context.Context, id int64) (DeleteResponse, error) {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return DeleteResponse{}, fmt.Errorf("delete task %d: %w", id, err)
	}
	s.log.Info("task deleted", logx.Int64("task_id", id))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskCancelled, Data: id})
	return DeleteResponse{Status: "deleted"}, nil
}

// RunDueTasks runs every due task once. On a store error the response
// carries status "error" and the details of the tasks handled before it.
func (s *Service) RunDueTasks(ctx context.Context) (RunResponse, error) {
	sum, err := s.runner.RunDue(ctx)
	resp := RunResponse{Status: "ok", Executed: sum.Executed, Details: sum.Details}
	if resp.Details == nil {
		resp.Details = []dispatcher.Result{}
	}
	if err != nil {
		resp.Status = "error"
		return resp, err
	}
	return resp, nil
}

// EnsureRecurring creates each seed whose event type has no pending task.
// It returns the ids of the tasks it created.
func (s *Service) EnsureRecurring(ctx context.Context, seeds []Seed) ([]int64, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	have := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		have[t.EventType] = true
	}

	now := s.now().UTC()
	var created []int64
	for _, sd := range seeds {
		if have[sd.EventType] {
			continue
		}
		if strings.TrimSpace(sd.EventType) == "" || sd.IntervalDays <= 0 {
			return created, fmt.Errorf("%w: seed %q needs an event type and interval_days > 0", ErrInvalidTask, sd.EventType)
		}
		runAt := now.AddDate(0, 0, sd.IntervalDays)
		if sd.FirstRun != nil {
			runAt = sd.FirstRun(now).UTC()
		}
		id, err := s.store.CreateTask(ctx, storage.NewTask{
			EventType:    sd.EventType,
			Params:       sd.Params,
			RunAt:        runAt,
			Recurring:    true,
			IntervalDays: sd.IntervalDays,
		})
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", sd.EventType, err)
		}
		have[sd.EventType] = true
		created = append(created, id)
		s.log.Info("recurring task seeded",
			logx.Int64("task_id", id), logx.String("event_type", sd.EventType), logx.Time("run_at", runAt))
	}
	return created, nil
}

func validate(req ScheduleRequest) (storage.NewTask, error) {
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return storage.NewTask{}, fmt.Errorf("%w: event_type is required", ErrInvalidTask)
	}
	runAt, err := ParseRunAt(req.RunAt)
	if err != nil {
		return storage.NewTask{}, err
	}
	if req.IntervalDays < 0 {
		return storage.NewTask{}, fmt.Errorf("%w: interval_days must be positive", ErrInvalidTask)
	}
	if req.Recurring && req.IntervalDays == 0 {
		return storage.NewTask{}, fmt.Errorf("%w: recurring tasks need interval_days > 0", ErrInvalidTask)
	}
	if req.IntervalDays > maxIntervalDays || runAt.AddDate(0, 0, req.IntervalDays).After(storage.MaxTime) {
		return storage.NewTask{}, fmt.Errorf("%w: interval_days %d moves the next run past %s",
			ErrInvalidTask, req.IntervalDays, storage.MaxTime.Format(time.DateOnly))
	}
	return storage.NewTask{
		EventType:    eventType,
		Params:       req.Params,
		RunAt:        runAt,
		Recurring:    req.Recurring,
		IntervalDays: req.IntervalDays,
	}, nil
}
