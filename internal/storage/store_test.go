package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "rockmundo/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, drv := range []string{"sqlite", "file"} {
		dir := t.TempDir()
		st, err := Open(Config{Driver: drv, Path: filepath.Join(dir, "rockmundo.db"), HistoryKeep: 3}, logx.Nop())
		require.NoError(t, err, drv)
		t.Cleanup(func() { _ = st.Close() })
		out[drv] = st
	}
	return out
}

func TestStore_CreateListDelete(t *testing.T) {
	ctx := context.Background()
	runAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for drv, st := range openDrivers(t) {
		t.Run(drv, func(t *testing.T) {
			id1, err := st.CreateTask(ctx, NewTask{EventType: "fan_decay", Params: map[string]any{"rate": 0.1}, RunAt: runAt})
			require.NoError(t, err)
			id2, err := st.CreateTask(ctx, NewTask{EventType: "weekly_charts", RunAt: runAt, Recurring: true, IntervalDays: 7})
			require.NoError(t, err)
			assert.Greater(t, id2, id1)

			tasks, err := st.ListTasks(ctx)
			require.NoError(t, err)
			require.Len(t, tasks, 2)
			assert.Equal(t, id1, tasks[0].ID)
			assert.Equal(t, 0.1, tasks[0].Params["rate"])
			assert.True(t, tasks[0].RunAt.Equal(runAt))
			assert.False(t, tasks[0].HasRun())
			assert.Equal(t, map[string]any{}, tasks[1].Params)
			assert.True(t, tasks[1].Recurring)
			assert.Equal(t, 7, tasks[1].IntervalDays)

			require.NoError(t, st.DeleteTask(ctx, id1))
			require.NoError(t, st.DeleteTask(ctx, id1))
			require.NoError(t, st.DeleteTask(ctx, 9999))

			_, err = st.GetTask(ctx, id1)
			assert.ErrorIs(t, err, ErrNotFound)

			tasks, err = st.ListTasks(ctx)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, id2, tasks[0].ID)
		})
	}
}

func TestStore_FetchDueBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	for drv, st := range openDrivers(t) {
		t.Run(drv, func(t *testing.T) {
			past, _ := st.CreateTask(ctx, NewTask{EventType: "a", RunAt: now.Add(-time.Hour)})
			exact, _ := st.CreateTask(ctx, NewTask{EventType: "b", RunAt: now})
			_, _ = st.CreateTask(ctx, NewTask{EventType: "c", RunAt: now.Add(time.Microsecond)})

			due, err := st.FetchDue(ctx, now)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, past, due[0].ID)
			assert.Equal(t, exact, due[1].ID)
		})
	}
}

func TestStore_FetchDueNonUTCClock(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("UTC+2", 2*3600)
	runAt := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	for drv, st := range openDrivers(t) {
		t.Run(drv, func(t *testing.T) {
			_, _ = st.CreateTask(ctx, NewTask{EventType: "a", RunAt: runAt})

			// 13:00 at UTC+2 is 11:00 UTC: not due yet.
			due, err := st.FetchDue(ctx, time.Date(2024, 3, 10, 13, 0, 0, 0, loc))
			require.NoError(t, err)
			assert.Empty(t, due)

			due, err = st.FetchDue(ctx, time.Date(2024, 3, 10, 14, 0, 0, 0, loc))
			require.NoError(t, err)
			assert.Len(t, due, 1)
		})
	}
}

func TestStore_Reschedule(t *testing.T) {
	ctx := context.Background()
	runAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := runAt.Add(5 * time.Minute)

	for drv, st := range openDrivers(t) {
		t.Run(drv, func(t *testing.T) {
			id, err := st.CreateTask(ctx, NewTask{EventType: "x", RunAt: runAt, Recurring: true, IntervalDays: 1})
			require.NoError(t, err)

			require.NoError(t, st.RescheduleTask(ctx, id, now.AddDate(0, 0, 1), now))
			got, err := st.GetTask(ctx, id)
			require.NoError(t, err)
			assert.True(t, got.RunAt.Equal(now.AddDate(0, 0, 1)))
			assert.True(t, got.LastRun.Equal(now))
			assert.True(t, got.HasRun())

			err = st.RescheduleTask(ctx, 4242, now, now)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RunsNewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for drv, st := range openDrivers(t) {
		t.Run(drv, func(t *testing.T) {
			recs := []RunRecord{
				{RunID: "r1", TaskID: 1, EventType: "x", At: at, OK: true},
				{RunID: "r2", TaskID: 2, EventType: "x", At: at.Add(time.Second), Error: "boom"},
				{RunID: "r3", TaskID: 1, EventType: "x", At: at.Add(2 * time.Second), OK: true},
			}
			for _, r := range recs {
				require.NoError(t, st.AppendRun(ctx, r))
			}

			runs, err := st.ListRuns(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "r3", runs[0].RunID)
			assert.Equal(t, "r1", runs[2].RunID)
			assert.Equal(t, "boom", runs[1].Error)
			assert.False(t, runs[1].OK)

			runs, err = st.ListRuns(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "r3", runs[0].RunID)

			runs, err = st.ListRuns(ctx, 0, 1)
			require.NoError(t, err)
			assert.Len(t, runs, 1)
		})
	}
}

func TestOpen_Drivers(t *testing.T) {
	_, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStore_RejectsTimesOutsideRange(t *testing.T) {
	ctx := context.Background()
	runAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	past := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)

	for drv, st := range openDrivers(t) {
		t.Run(drv, func(t *testing.T) {
			_, err := st.CreateTask(ctx, NewTask{EventType: "x", RunAt: past})
			assert.ErrorIs(t, err, ErrTimeRange)
			_, err = st.CreateTask(ctx, NewTask{EventType: "x", RunAt: time.Date(-1, 12, 31, 0, 0, 0, 0, time.UTC)})
			assert.ErrorIs(t, err, ErrTimeRange)

			id, err := st.CreateTask(ctx, NewTask{EventType: "x", RunAt: runAt, Recurring: true, IntervalDays: 1})
			require.NoError(t, err)
			assert.ErrorIs(t, st.RescheduleTask(ctx, id, past, runAt), ErrTimeRange)
			assert.ErrorIs(t, st.RescheduleTask(ctx, id, runAt, past), ErrTimeRange)
			require.NoError(t, st.RescheduleTask(ctx, id, MaxTime, runAt))

			tasks, err := st.ListTasks(ctx)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.True(t, tasks[0].RunAt.Equal(MaxTime))

			due, err := st.FetchDue(ctx, MaxTime)
			require.NoError(t, err)
			assert.Len(t, due, 1)
		})
	}
}
