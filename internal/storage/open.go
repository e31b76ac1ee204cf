package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "rockmundo/pkg/logx"
)

// Store persists scheduled tasks and their run history.
//
// Callers only create; the dispatcher reads, reschedules and deletes.
type Store interface {
	CreateTask(ctx context.Context, t NewTask) (int64, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	// DeleteTask is idempotent: deleting an absent id is not an error.
	DeleteTask(ctx context.Context, id int64) error
	// FetchDue returns every task with run_at <= now, ordered by id.
	FetchDue(ctx context.Context, now time.Time) ([]Task, error)
	RescheduleTask(ctx context.Context, id int64, runAt, lastRun time.Time) error

	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the most recent runs first. taskID 0 means all tasks.
	ListRuns(ctx context.Context, taskID int64, limit int) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = defaultHistoryKeep
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "none":
		return nil, errors.New("storage driver none: the scheduler needs a task store")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
