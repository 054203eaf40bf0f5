package ws

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestEventBusDelivers(t *testing.T) {
	eb := NewEventBus(2, 16)
	defer eb.Close()

	var opened, closed atomic.Int32
	eb.Subscribe(EventSessionOpened, func(e Event) {
		assert.False(t, e.Time.IsZero())
		opened.Add(1)
	})
	eb.Subscribe(EventSessionClosed, func(Event) { closed.Add(1) })

	for range 3 {
		eb.Publish(Event{Type: EventSessionOpened, UserID: "alice"})
	}
	eb.Publish(Event{Type: EventSessionClosed, UserID: "alice"})
	eb.Publish(Event{Type: EventError})

	assert.Eventually(t, func() bool {
		return opened.Load() == 3 && closed.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEventBusDropsWhenFull(t *testing.T) {
	eb := NewEventBus(1, 1)
	defer eb.Close()

	block := make(chan struct{})
	eb.Subscribe(EventMessageReceived, func(Event) { <-block })

	// 第一个事件占住 worker，第二个填满队列
	eb.Publish(Event{Type: EventMessageReceived})
	assert.Eventually(t, func() bool {
		eb.Publish(Event{Type: EventMessageReceived})
		return eb.DroppedEventCount() > 0
	}, time.Second, 5*time.Millisecond)
	close(block)
}

func TestEventBusClosed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	eb := NewEventBus(1, 4)
	var calls atomic.Int32
	eb.Subscribe(EventError, func(Event) { calls.Add(1) })

	eb.Close()
	eb.Close()
	eb.Publish(Event{Type: EventError})

	var nilBus *EventBus
	nilBus.Publish(Event{Type: EventError})

	assert.Equal(t, int32(0), calls.Load())
}
