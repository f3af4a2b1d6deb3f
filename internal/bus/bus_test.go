package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	require.Equal(t, 2, b.Len())

	b.Publish(Event{Type: EventMessage, Data: "hi"})

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, EventMessage, e1.Type)
	assert.Equal(t, "hi", e1.Data)
	assert.Equal(t, e1.Data, e2.Data)
	assert.False(t, e1.Timestamp.IsZero())
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventLogLine, Data: i})
	}

	// The first 64 made it, the rest were dropped.
	assert.Equal(t, 0, (<-ch).Data)
	drained := 1
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 64, drained)
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()

	unsub()
	unsub() // second call is harmless

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Len())

	// Publishing after unsubscribe reaches nobody and does not panic.
	b.Publish(Event{Type: EventError})
}
