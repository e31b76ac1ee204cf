package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rockmundo/internal/game"
	"rockmundo/internal/task/scheduler"
)

var fixedNow = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rockmundo.yaml")
	body = "storage:\n  path: " + filepath.Join(dir, "rockmundo.db") + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := New(writeConfig(t, body),
		WithConsoleOut(io.Discard),
		WithConfigWatch(false),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return a
}

func TestApp_RunDueRecordsHistory(t *testing.T) {
	a := newApp(t, "scheduler:\n  enabled: false\n")
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	_, err := a.Game().AddFan(ctx, game.Fan{BandID: 1, Loyalty: 50})
	require.NoError(t, err)

	resp, err := a.Scheduler().ScheduleTask(ctx, scheduler.ScheduleRequest{
		EventType: game.EventFanDecay,
		RunAt:     "2024-03-06T11:00:00Z",
	})
	require.NoError(t, err)

	out, err := a.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Executed)
	require.Len(t, out.Details, 1)
	assert.Equal(t, resp.TaskID, out.Details[0].TaskID)
	assert.True(t, out.Details[0].OK())

	fans, err := a.Game().Fans(ctx)
	require.NoError(t, err)
	require.Len(t, fans, 1)
	assert.InDelta(t, 49.0, fans[0].Loyalty, 1e-9)

	tasks, err := a.Scheduler().GetScheduledTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	runs, err := a.Store().ListRuns(ctx, resp.TaskID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].OK)
	assert.Equal(t, game.EventFanDecay, runs[0].EventType)
}

func TestApp_StartSeedsAndStops(t *testing.T) {
	a := newApp(t, "scheduler:\n  enabled: false\n  seed: true\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))

	tasks, err := a.Scheduler().GetScheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, v := range tasks {
		assert.True(t, v.Recurring)
		require.NotNil(t, v.IntervalDays)
	}
	assert.False(t, a.Trigger().Snapshot().Enabled)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestApp_SeedIsIdempotent(t *testing.T) {
	a := newApp(t, "scheduler:\n  enabled: false\n")
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	ids, err := a.Seed(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	ids, err = a.Seed(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApp_StartWithTrigger(t *testing.T) {
	a := newApp(t, "scheduler:\n  enabled: true\n  trigger: \"@every 1h\"\n  run_on_start: false\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	snap := a.Trigger().Snapshot()
	assert.True(t, snap.Enabled)
	assert.Equal(t, "@every 1h", snap.Spec)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
}

func TestApp_FileDriverKeepsGameInMemory(t *testing.T) {
	a := newApp(t, "  driver: file\nscheduler:\n  enabled: false\n")
	t.Cleanup(func() { _ = a.Close() })

	_, ok := a.Game().(*game.MemoryRepository)
	assert.True(t, ok)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(writeConfig(t, "scheduler:\n  reschedule_from: later\n"), WithConsoleOut(io.Discard))
	require.Error(t, err)

	_, err = New(writeConfig(t, "scheduler:\n  enabled: true\n  trigger: \"not a spec\"\n"), WithConsoleOut(io.Discard))
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Path = "./x.db"
	cfg.Storage.BusyTimeout = "2s"
	cfg.Storage.HistoryKeep = 10

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
	assert.Equal(t, 10, sc.HistoryKeep)

	cfg.Storage.Driver = "postgres"
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)

	cfg.Storage.Driver = "file"
	cfg.Storage.Path = ""
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}
