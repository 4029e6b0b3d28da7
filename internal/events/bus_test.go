package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	first := bus.Subscribe(4)
	second := bus.Subscribe(4)

	bus.Publish(Event{Type: BackupCompleted, Subject: "b-1"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, BackupCompleted, ev.Type)
			assert.Equal(t, "b-1", ev.Subject)
			assert.NotEmpty(t, ev.ID)
			assert.Equal(t, SeverityInfo, ev.Severity)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	var mu sync.Mutex
	var droppedTypes []Type
	bus := NewBus(WithDropHandler(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		droppedTypes = append(droppedTypes, ev.Type)
	}))
	ch := bus.Subscribe(1)

	bus.Publish(Event{Type: BackupStarted})
	bus.Publish(Event{Type: BackupFailed})

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, []Type{BackupFailed}, droppedTypes)
	assert.Equal(t, BackupStarted, (<-ch).Type)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)

	bus.Publish(Event{Type: BackupStarted})
	late := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
