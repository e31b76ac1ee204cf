package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_YAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rockmundo.yaml")
	writeFile(t, path, `
storage:
  driver: file
  path: ./state/tasks.json
scheduler:
  enabled: true
  trigger: "*/5 * * * *"
  reschedule_from: run_at
game:
  fan_decay: { rate: 0.1, floor: 2 }
`)

	cfg, err := NewConfigManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.Trigger)
	assert.Equal(t, "run_at", cfg.Scheduler.RescheduleFrom)
	assert.Equal(t, 0.1, cfg.Game.FanDecay.Rate)
	assert.Equal(t, 2.0, cfg.Game.FanDecay.Floor)
	// untouched sections keep defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 20, cfg.Game.Charts.Limit)
	assert.Equal(t, "30s", cfg.Scheduler.HandlerTimeout)
}

func TestLoad_JSONStrict(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.json")
	writeFile(t, unknown, `{"scheduler": {"workers": 4}}`)
	_, err := NewConfigManager(unknown).Load()
	assert.ErrorContains(t, err, "unknown field")

	trailing := filepath.Join(dir, "trailing.json")
	writeFile(t, trailing, `{"logging": {"level": "debug"}} {}`)
	_, err = NewConfigManager(trailing).Load()
	assert.Error(t, err)

	_, err = NewConfigManager(filepath.Join(dir, "missing.json")).Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Default()))

	bad := Default()
	bad.Logging.Level = "loud"
	bad.Storage.Driver = "postgres"
	bad.Scheduler.RescheduleFrom = "wallclock"
	bad.Scheduler.HandlerTimeout = "soon"
	bad.Scheduler.Timezone = "Mars/Olympus"
	bad.Game.FanDecay.Rate = 2
	err := Validate(bad)
	require.Error(t, err)
	for _, want := range []string{"logging.level", "storage.driver", "reschedule_from", "handler_timeout", "timezone", "fan_decay.rate"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Scheduler.Trigger = "@every 5m"
	b.Game.Charts.Limit = 50

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"scheduler", "game"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestWatch_PublishesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rockmundo.json")
	writeFile(t, path, `{"scheduler": {"trigger": "@every 1m"}}`)

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Invalid change is rejected and never published.
	writeFile(t, path, `{"scheduler": {"reschedule_from": "sometimes"}}`)
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, ch)

	writeFile(t, path, `{"scheduler": {"trigger": "@every 5m"}}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, "@every 5m", cfg.Scheduler.Trigger)
		assert.Equal(t, "@every 5m", m.Get().Scheduler.Trigger)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}
}
