package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "rockmundo/pkg/logx"
)

func TestFileStore_ReopenReplaysJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	runAt := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	id1, err := st.CreateTask(ctx, NewTask{EventType: "fan_decay", Params: map[string]any{"rate": 0.5}, RunAt: runAt})
	require.NoError(t, err)
	id2, err := st.CreateTask(ctx, NewTask{EventType: "skill_decay", RunAt: runAt, Recurring: true, IntervalDays: 1})
	require.NoError(t, err)
	require.NoError(t, st.DeleteTask(ctx, id1))
	require.NoError(t, st.RescheduleTask(ctx, id2, runAt.AddDate(0, 0, 1), runAt))
	require.NoError(t, st.AppendRun(ctx, RunRecord{RunID: "a", TaskID: id2, EventType: "skill_decay", OK: true}))
	require.NoError(t, st.Close())

	_, err = st.CreateTask(ctx, NewTask{EventType: "late", RunAt: runAt})
	assert.ErrorIs(t, err, ErrClosed)

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id2, tasks[0].ID)
	assert.True(t, tasks[0].LastRun.Equal(runAt))

	// Ids are never reused, even for deleted tasks.
	id3, err := st.CreateTask(ctx, NewTask{EventType: "weekly_charts", RunAt: runAt})
	require.NoError(t, err)
	assert.Greater(t, id3, id2)

	runs, err := st.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].RunID)
}

func TestFileStore_CompactionKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	runAt := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactEach = 4

	var last int64
	for i := 0; i < 10; i++ {
		last, err = st.CreateTask(ctx, NewTask{EventType: "x", RunAt: runAt})
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 10)
	assert.Equal(t, last, tasks[9].ID)
}

func TestFileStore_RunsFileStaysBounded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	runsPath := filepath.Join(dir, "state.runs.jsonl")

	st, err := Open(Config{Driver: "file", Path: path, HistoryKeep: 5}, logx.Nop())
	require.NoError(t, err)
	for i := 1; i <= 103; i++ {
		require.NoError(t, st.AppendRun(ctx, RunRecord{RunID: fmt.Sprintf("r%d", i), TaskID: 1, EventType: "x", OK: true}))
	}

	assert.LessOrEqual(t, countLines(t, runsPath), 10)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path, HistoryKeep: 5}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.ListRuns(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 5)
	assert.Equal(t, "r103", runs[0].RunID)
	assert.Equal(t, "r99", runs[4].RunID)

	// Appends after a reopen land in the compacted file.
	require.NoError(t, st.AppendRun(ctx, RunRecord{RunID: "r104", TaskID: 1, EventType: "x", OK: true}))
	runs, err = st.ListRuns(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "r104", runs[0].RunID)
	assert.LessOrEqual(t, countLines(t, runsPath), 10)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}
