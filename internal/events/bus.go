// Package events carries device lifecycle and update notifications between
// the device manager and its consumers. Delivery is asynchronous.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish delivers ev to every subscriber of its type.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case DeviceAttachedEvent:
		event.Publish(b.dispatcher, e)
	case DeviceDetachedEvent:
		event.Publish(b.dispatcher, e)
	case UpdateCompletedEvent:
		event.Publish(b.dispatcher, e)
	case UpdatesHaltedEvent:
		event.Publish(b.dispatcher, e)
	case AttributeChangedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type it accepts and returns the
// unsubscribe function. Unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e UpdateCompletedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(DeviceAttachedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DeviceDetachedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(UpdateCompletedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(UpdatesHaltedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(AttributeChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler func(Event)) func() {
	unsubs := []func(){
		event.Subscribe(b.dispatcher, func(e DeviceAttachedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e DeviceDetachedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e UpdateCompletedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e UpdatesHaltedEvent) { handler(e) }),
		event.Subscribe(b.dispatcher, func(e AttributeChangedEvent) { handler(e) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
