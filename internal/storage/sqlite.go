package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "rockmundo/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLProvider is implemented by stores backed by a database/sql handle.
// Other sqlite-backed repositories share the handle instead of opening a second writer.
type SQLProvider interface {
	DB() *sql.DB
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	keep       int
	opCount    atomic.Uint64
	pruneEvery uint64
}

const taskColumns = `id, event_type, params, run_at, recurring, interval_days, last_run`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: cfg.HistoryKeep, pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) DB() *sql.DB { return s.db }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTask(ctx context.Context, t NewTask) (int64, error) {
	if err := checkTimes(t.RunAt); err != nil {
		return 0, err
	}
	params, err := encodeParams(t.Params)
	if err != nil {
		return 0, fmt.Errorf("encode params: %w", err)
	}
	var interval any
	if t.IntervalDays > 0 {
		interval = t.IntervalDays
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(event_type, params, run_at, recurring, interval_days)
		 VALUES(?,?,?,?,?)`,
		t.EventType, params, formatTime(t.RunAt), boolInt(t.Recurring), interval,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY id`)
}

func (s *sqliteStore) FetchDue(ctx context.Context, now time.Time) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE run_at <= ? ORDER BY id`,
		formatTime(now),
	)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) RescheduleTask(ctx context.Context, id int64, runAt, lastRun time.Time) error {
	if err := checkTimes(runAt, lastRun); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET run_at = ?, last_run = ? WHERE id = ?`,
		formatTime(runAt), nullStr(formatTime(lastRun)), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(run_id, task_id, event_type, at, took_ms, ok, err, result)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.RunID, r.TaskID, r.EventType, formatTime(r.At), r.TookMS, boolInt(r.OK),
		nullStr(r.Error), nullStr(string(r.Result)),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, taskID int64, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, task_id, event_type, at, took_ms, ok, err, result FROM task_runs`
	args := []any{}
	if taskID > 0 {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r      RunRecord
			at     string
			ok     int
			errStr sql.NullString
			result sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.EventType, &at, &r.TookMS, &ok, &errStr, &result); err != nil {
			return nil, err
		}
		if r.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.RunID, err)
		}
		r.OK = ok != 0
		r.Error = errStr.String
		if result.Valid && result.String != "" {
			r.Result = []byte(result.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_runs WHERE seq <= (SELECT seq FROM task_runs ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
		s.keep,
	)
	return err
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (Task, error) {
	var (
		t         Task
		params    string
		runAt     string
		recurring int
		interval  sql.NullInt64
		lastRun   sql.NullString
	)
	if err := sc.Scan(&t.ID, &t.EventType, &params, &runAt, &recurring, &interval, &lastRun); err != nil {
		return Task{}, err
	}
	var err error
	if t.Params, err = decodeParams(params); err != nil {
		return Task{}, fmt.Errorf("task %d params: %w", t.ID, err)
	}
	if t.RunAt, err = parseTime(runAt); err != nil {
		return Task{}, fmt.Errorf("task %d run_at: %w", t.ID, err)
	}
	if t.LastRun, err = parseTime(lastRun.String); err != nil {
		return Task{}, fmt.Errorf("task %d last_run: %w", t.ID, err)
	}
	t.Recurring = recurring != 0
	if interval.Valid {
		t.IntervalDays = int(interval.Int64)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
