package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	done, unsubDone := b.Subscribe(4, "job.done")
	defer unsubDone()

	b.Publish(Event{Type: "job.scheduled"})
	b.Publish(Event{Type: "job.done", Data: 1})

	require.Len(t, all, 2)
	require.Len(t, done, 1)
	e := <-done
	assert.Equal(t, 1, e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestFullSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, "a", (<-ch).Type)

	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	// Publishing after unsubscribe is harmless.
	b.Publish(Event{Type: "c"})
}
