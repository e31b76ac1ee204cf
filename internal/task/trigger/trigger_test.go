package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rockmundo/internal/task/dispatcher"
	logx "rockmundo/pkg/logx"
)

type fakeRunner struct {
	calls atomic.Int32
	block chan struct{}
	ran   chan struct{}
	err   error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan struct{}, 16)}
}

func (f *fakeRunner) RunDue(ctx context.Context) (dispatcher.Summary, error) {
	f.calls.Add(1)
	f.ran <- struct{}{}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return dispatcher.Summary{Executed: 1}, f.err
}

func TestTrigger_DisabledStart(t *testing.T) {
	tr := New(Config{Enabled: false, Spec: "1m"}, newFakeRunner(), logx.Nop())
	assert.ErrorIs(t, tr.Start(context.Background()), ErrDisabled)
}

func TestTrigger_InvalidConfig(t *testing.T) {
	tr := New(Config{}, newFakeRunner(), logx.Nop())
	assert.Error(t, tr.Validate(Config{Spec: "soon"}))
	assert.Error(t, tr.Validate(Config{Spec: "1m", Timezone: "Mars/Olympus"}))
	assert.Error(t, tr.Validate(Config{Spec: "61 * * * *"}))
	assert.NoError(t, tr.Validate(Config{Spec: "*/5 * * * *", Timezone: "UTC"}))

	tr = New(Config{Enabled: true, Spec: "soon"}, newFakeRunner(), logx.Nop())
	assert.Error(t, tr.Start(context.Background()))
}

func TestTrigger_RunOnStart(t *testing.T) {
	r := newFakeRunner()
	tr := New(Config{Enabled: true, Spec: "1h", RunOnStart: true}, r, logx.Nop())
	require.NoError(t, tr.Start(context.Background()))

	select {
	case <-r.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr.Stop(ctx)

	snap := tr.Snapshot()
	assert.False(t, snap.Enabled)
	assert.Equal(t, uint64(1), snap.Runs)
	assert.False(t, snap.LastRun.IsZero())
}

func TestTrigger_SkipsWhileRunning(t *testing.T) {
	r := newFakeRunner()
	r.block = make(chan struct{})
	tr := New(Config{Enabled: true, Spec: "1h"}, r, logx.Nop())
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.tick()
	}()
	<-r.ran

	tr.tick()
	close(r.block)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, uint64(1), tr.Snapshot().Skipped)
}

func TestTrigger_RecordsRunError(t *testing.T) {
	r := newFakeRunner()
	r.err = errors.New("db locked")
	tr := New(Config{Enabled: true, Spec: "1h"}, r, logx.Nop())
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	tr.tick()
	assert.Equal(t, "db locked", tr.Snapshot().LastErr)
}

func TestTrigger_ApplyRestarts(t *testing.T) {
	tr := New(Config{Enabled: true, Spec: "1h"}, newFakeRunner(), logx.Nop())
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop(context.Background())

	before := tr.Snapshot().Next
	require.NoError(t, tr.Apply(Config{Enabled: true, Spec: "1m"}))
	snap := tr.Snapshot()
	assert.True(t, snap.Enabled)
	assert.Equal(t, "1m", snap.Spec)
	assert.True(t, snap.Next.Before(before))

	assert.Error(t, tr.Apply(Config{Enabled: true, Spec: "bogus"}))
	assert.Equal(t, "1m", tr.Snapshot().Spec)

	require.NoError(t, tr.Apply(Config{Enabled: false, Spec: "1m"}))
	assert.False(t, tr.Snapshot().Enabled)
}
