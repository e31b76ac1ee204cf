package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskExecuted, Data: TaskOutcome{TaskID: 7}})

	ea := <-a
	ec := <-c
	assert.Equal(t, TaskExecuted, ea.Type)
	assert.False(t, ea.Time.IsZero())
	require.IsType(t, TaskOutcome{}, ec.Data)
	assert.Equal(t, int64(7), ec.Data.(TaskOutcome).TaskID)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	assert.Equal(t, "a", (<-ch).Type)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_PublishAfterUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	b.Publish(Event{Type: "a"})
	_, ok := <-ch
	assert.False(t, ok)
}
