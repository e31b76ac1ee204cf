package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "rockmundo/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//   - <prefix>.runs.jsonl          (append-only run history)
//
// The journal is periodically compacted into the snapshot. The runs file is
// rewritten down to the kept records once it holds twice as many lines.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	runsPath     string
	runsFile     *os.File

	tasks  map[int64]taskRecord
	nextID int64

	keep        int
	runs        []RunRecord
	runLines    int
	writes      int
	compactEach int
}

// taskRecord is the on-disk form of a Task.
type taskRecord struct {
	ID           int64          `json:"id"`
	EventType    string         `json:"event_type"`
	Params       map[string]any `json:"params"`
	RunAt        string         `json:"run_at"`
	Recurring    bool           `json:"recurring"`
	IntervalDays int            `json:"interval_days,omitempty"`
	LastRun      string         `json:"last_run,omitempty"`
}

type taskSnapshot struct {
	NextID int64        `json:"next_id"`
	Tasks  []taskRecord `json:"tasks"`
}

type journalOp struct {
	Op   string      `json:"op"` // put | del
	ID   int64       `json:"id"`
	Task *taskRecord `json:"task,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		runsPath:     runsPath,
		tasks:        map[int64]taskRecord{},
		keep:         cfg.HistoryKeep,
		compactEach:  200,
	}

	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := st.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	st.runs, st.runLines = loadRuns(runsPath, st.keep)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	st.journalFile = jf
	st.runsFile = rf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) CreateTask(ctx context.Context, t NewTask) (int64, error) {
	_ = ctx
	if err := checkTimes(t.RunAt); err != nil {
		return 0, err
	}
	// Round-trip params through JSON so the stored shape matches what a reload returns.
	raw, err := encodeParams(t.Params)
	if err != nil {
		return 0, err
	}
	params, err := decodeParams(raw)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	s.nextID++
	rec := taskRecord{
		ID:           s.nextID,
		EventType:    t.EventType,
		Params:       params,
		RunAt:        formatTime(t.RunAt),
		Recurring:    t.Recurring,
		IntervalDays: t.IntervalDays,
	}
	if err := s.appendLocked(journalOp{Op: "put", ID: rec.ID, Task: &rec}); err != nil {
		s.nextID--
		return 0, err
	}
	s.tasks[rec.ID] = rec
	return rec.ID, nil
}

func (s *fileStore) GetTask(ctx context.Context, id int64) (Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return rec.toTask()
}

func (s *fileStore) ListTasks(ctx context.Context) ([]Task, error) {
	return s.selectTasks(ctx, func(taskRecord) bool { return true })
}

func (s *fileStore) FetchDue(ctx context.Context, now time.Time) ([]Task, error) {
	cutoff := formatTime(now)
	return s.selectTasks(ctx, func(r taskRecord) bool { return r.RunAt <= cutoff })
}

func (s *fileStore) DeleteTask(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.tasks[id]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.tasks, id)
	return nil
}

func (s *fileStore) RescheduleTask(ctx context.Context, id int64, runAt, lastRun time.Time) error {
	_ = ctx
	if err := checkTimes(runAt, lastRun); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	rec, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	rec.RunAt = formatTime(runAt)
	rec.LastRun = formatTime(lastRun)
	if err := s.appendLocked(journalOp{Op: "put", ID: id, Task: &rec}); err != nil {
		return err
	}
	s.tasks[id] = rec
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runLines++
	s.runs = append(s.runs, r)
	if len(s.runs) > s.keep {
		s.runs = s.runs[len(s.runs)-s.keep:]
	}
	if s.runLines >= 2*s.keep {
		// Best-effort; the untrimmed file is still valid.
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("runs file compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactRunsLocked rewrites the runs file with the kept records only and
// reopens it for append. Call with s.mu held.
func (s *fileStore) compactRunsLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}

	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		// The old handle points at the unlinked file; refuse further appends.
		_ = s.runsFile.Close()
		s.runsFile = nil
		return err
	}
	_ = s.runsFile.Close()
	s.runsFile = rf
	s.runLines = len(s.runs)
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, taskID int64, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if taskID > 0 && s.runs[i].TaskID != taskID {
			continue
		}
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) selectTasks(ctx context.Context, keep func(taskRecord) bool) ([]Task, error) {
	_ = ctx
	s.mu.Lock()
	recs := make([]taskRecord, 0, len(s.tasks))
	for _, r := range s.tasks {
		if keep(r) {
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	out := make([]Task, 0, len(recs))
	for _, r := range recs {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// appendLocked writes one journal record. Call with s.mu held.
func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEach == 0 {
		// Best-effort compact; the journal stays authoritative on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := taskSnapshot{NextID: s.nextID, Tasks: make([]taskRecord, 0, len(s.tasks))}
	for _, r := range s.tasks {
		snap.Tasks = append(snap.Tasks, r)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap taskSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.nextID = snap.NextID
	for _, r := range snap.Tasks {
		s.tasks[r.ID] = r
		if r.ID > s.nextID {
			s.nextID = r.ID
		}
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// Torn tail write; skip it.
			continue
		}
		switch op.Op {
		case "put":
			if op.Task != nil {
				s.tasks[op.ID] = *op.Task
			}
		case "del":
			delete(s.tasks, op.ID)
		}
		if op.ID > s.nextID {
			s.nextID = op.ID
		}
	}
	return sc.Err()
}

// loadRuns returns the newest keep records and the number of lines read.
func loadRuns(path string, keep int) ([]RunRecord, int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()
	var out []RunRecord
	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out, lines
}

func (r taskRecord) toTask() (Task, error) {
	runAt, err := parseTime(r.RunAt)
	if err != nil {
		return Task{}, err
	}
	lastRun, err := parseTime(r.LastRun)
	if err != nil {
		return Task{}, err
	}
	params := make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		params[k] = v
	}
	return Task{
		ID:           r.ID,
		EventType:    r.EventType,
		Params:       params,
		RunAt:        runAt,
		Recurring:    r.Recurring,
		IntervalDays: r.IntervalDays,
		LastRun:      lastRun,
	}, nil
}
