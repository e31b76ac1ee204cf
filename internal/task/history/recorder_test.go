package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rockmundo/internal/eventbus"
	"rockmundo/internal/storage"
	"rockmundo/internal/task/dispatcher"
	"rockmundo/internal/task/registry"
	logx "rockmundo/pkg/logx"
)

func openStore(t *testing.T, keep int) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "h.db"), HistoryKeep: keep}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecorder_PersistsOutcomes(t *testing.T) {
	st := openStore(t, 0)
	rec := New(st, logx.Nop())

	at := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	rec.Record(context.Background(), eventbus.TaskOutcome{
		TaskID: 1, EventType: "fan_decay", At: at, Took: 12 * time.Millisecond, Result: map[string]int{"affected": 4},
	})

	// A cancelled caller still gets its record written.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, eventbus.TaskOutcome{TaskID: 2, EventType: "skill_decay", At: at, Err: errors.New("boom")})

	runs, err := st.ListRuns(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, int64(2), runs[0].TaskID)
	assert.False(t, runs[0].OK)
	assert.Equal(t, "boom", runs[0].Error)

	assert.Equal(t, int64(1), runs[1].TaskID)
	assert.True(t, runs[1].OK)
	assert.Equal(t, int64(12), runs[1].TookMS)
	assert.True(t, runs[1].At.Equal(at))
	assert.JSONEq(t, `{"affected":4}`, string(runs[1].Result))
	assert.NotEqual(t, runs[0].RunID, runs[1].RunID)
	assert.Len(t, runs[1].RunID, 36)
}

func TestRecorder_LargeBatchRecordsEveryOutcome(t *testing.T) {
	const n = 1500
	ctx := context.Background()
	st := openStore(t, 2*n)
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := st.CreateTask(ctx, storage.NewTask{EventType: "tick", RunAt: now.Add(-time.Minute)})
		require.NoError(t, err)
	}

	reg := registry.New(map[string]registry.Handler{
		"tick": func(context.Context, registry.Params) (any, error) { return nil, nil },
	})
	// A small bus buffer drops events; the recorder must not depend on it.
	bus := eventbus.New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	d := dispatcher.New(st, reg,
		dispatcher.WithClock(func() time.Time { return now }),
		dispatcher.WithBus(bus),
		dispatcher.WithRecorder(New(st, logx.Nop())),
	)
	sum, err := d.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, n, sum.Executed)
	assert.Positive(t, bus.Dropped())

	runs, err := st.ListRuns(ctx, 0, 2*n)
	require.NoError(t, err)
	assert.Len(t, runs, n, fmt.Sprintf("dropped=%d", bus.Dropped()))
}
