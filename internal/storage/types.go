package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: task not found")
	ErrClosed   = errors.New("storage: store closed")
)

// ErrTimeRange rejects times TimeLayout cannot round-trip.
var ErrTimeRange = errors.New("storage: time outside years 0000-9999")

// TimeLayout is the persisted form of run_at / last_run.
// Fixed width and always UTC, so lexical order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// MinTime and MaxTime bound the times TimeLayout can persist.
var (
	MinTime = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC)
	MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)
)

// InRange reports whether t can be persisted. The zero time counts as absent.
func InRange(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	return !t.Before(MinTime) && !t.After(MaxTime)
}

func checkTimes(ts ...time.Time) error {
	for _, t := range ts {
		if !InRange(t) {
			return fmt.Errorf("%w: %s", ErrTimeRange, t.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON snapshot + journal
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// HistoryKeep bounds the run history. 0 applies the default.
	HistoryKeep int
}

// Task is one scheduled task row.
type Task struct {
	ID           int64
	EventType    string
	Params       map[string]any
	RunAt        time.Time
	Recurring    bool
	IntervalDays int // 0 means absent
	LastRun      time.Time
}

// HasRun reports whether the task was executed at least once.
func (t Task) HasRun() bool { return !t.LastRun.IsZero() }

// NewTask is the caller-supplied part of a Task.
type NewTask struct {
	EventType    string
	Params       map[string]any
	RunAt        time.Time
	Recurring    bool
	IntervalDays int
}

// RunRecord is one entry of the run history.
type RunRecord struct {
	RunID     string          `json:"run_id"`
	TaskID    int64           `json:"task_id"`
	EventType string          `json:"event_type"`
	At        time.Time       `json:"at"`
	TookMS    int64           `json:"took_ms"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

const defaultHistoryKeep = 500

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	// Rows written by hand or by older tools.
	return time.Parse(time.RFC3339Nano, s)
}

func encodeParams(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeParams(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
